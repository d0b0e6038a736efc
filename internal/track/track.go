// Package track maintains face identities across frames. Detections
// arrive sparsely; the tracker produces blur regions for every frame by
// matching detections to known tracks and predicting motion in between.
package track

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/types"
)

// State is the lifecycle phase of one track.
type State int

const (
	// StateNew is a track created this detection round, not yet confirmed.
	StateNew State = iota
	// StateTracked is a track matched to a fresh detection.
	StateTracked
	// StatePredicted is a track advanced by velocity with no fresh match.
	StatePredicted
	// StateStale is an expired track, about to be removed.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateTracked:
		return "tracked"
	case StatePredicted:
		return "predicted"
	default:
		return "stale"
	}
}

const (
	// historyCap bounds per-track position history; oldest entries are
	// evicted on overflow.
	historyCap = 10

	// Matching distance thresholds in normalized units. Fast faces get a
	// looser threshold: losing the track costs more than the occasional
	// false match, since either way the region gets blurred.
	matchThresholdMoving     = 0.15
	matchThresholdStationary = 0.10

	// confidenceAlpha is the smoothing weight for fresh detections in the
	// per-track confidence EMA.
	confidenceAlpha = 0.3

	// predictedBoost is the intensity multiplier for regions whose
	// position is uncertain (predicted or fast-moving).
	predictedBoost = 1.5
)

// trackedFace is one face identity. Owned exclusively by the Tracker.
type trackedFace struct {
	id         uuid.UUID
	box        types.BoundingBox
	history    []types.BoundingBox
	vx, vy     float64
	lastSeen   int
	confidence float64
	state      State
	missCount  int
	firstPTS   time.Duration
	lastPTS    time.Duration
}

// speed is the velocity magnitude in normalized units per frame.
func (f *trackedFace) speed() float64 {
	return math.Hypot(f.vx, f.vy)
}

// predictedCenter extrapolates the center one frame ahead.
func (f *trackedFace) predictedCenter() (cx, cy float64) {
	cx, cy = f.box.Center()
	return cx + f.vx, cy + f.vy
}

// Tracker consumes sparse detections and emits per-frame blur regions.
// It is owned by a single job's processing loop and is not safe for
// concurrent use.
type Tracker struct {
	cfg      config.BlurConfig
	frameDur time.Duration

	active []*trackedFace
	closed []types.Interval

	lastDetection int
	detectedOnce  bool
	totalTracks   int
	maxGapFrames  int
}

// NewTracker builds a tracker for a stream at the given frame rate. The
// rate is always threaded in explicitly; nothing here assumes 30fps.
func NewTracker(cfg config.BlurConfig, fps float64) *Tracker {
	maxGap := int(fps * cfg.MaxDetectionGap)
	if maxGap < 1 {
		maxGap = 1
	}
	return &Tracker{
		cfg:          cfg,
		frameDur:     time.Duration(float64(time.Second) / fps),
		maxGapFrames: maxGap,
	}
}

// ShouldDetect decides whether the detector runs on this frame. Moving
// faces pull detection to every frame, slower ones to every other frame,
// stationary ones to the configured cadence. The gap since the last
// detection never exceeds maxGapFrames regardless of motion, and with no
// active tracks every frame is examined so entering faces are caught
// immediately.
func (t *Tracker) ShouldDetect(frameIdx int) bool {
	if !t.detectedOnce {
		return true
	}
	if len(t.active) == 0 {
		return true
	}

	gap := frameIdx - t.lastDetection
	if gap >= t.maxGapFrames {
		return true
	}

	var maxSpeed float64
	for _, f := range t.active {
		if s := f.speed(); s > maxSpeed {
			maxSpeed = s
		}
	}

	interval := t.cfg.DetectionCadence
	switch {
	case maxSpeed > t.cfg.MovementThreshold:
		interval = 1
	case maxSpeed > t.cfg.MovementThreshold/2:
		interval = 2
	}
	return gap >= interval
}

// Observe feeds the tracker one detection round. Detections are matched
// greedily to the nearest predicted track position; leftovers on either
// side become new tracks or predicted-only advances.
func (t *Tracker) Observe(frameIdx int, faces []types.DetectedFace) {
	t.lastDetection = frameIdx
	t.detectedOnce = true
	pts := t.pts(frameIdx)

	matchedTracks := make(map[*trackedFace]bool, len(t.active))
	matchedFaces := make(map[int]bool, len(faces))

	for _, p := range t.rankPairs(faces) {
		if matchedTracks[p.track] || matchedFaces[p.face] {
			continue
		}
		threshold := matchThresholdStationary
		if p.track.speed() > t.cfg.MovementThreshold {
			threshold = matchThresholdMoving
		}
		if p.dist > threshold {
			// Pairs are sorted by distance, but the threshold is
			// per-track, so later pairs may still qualify.
			continue
		}
		matchedTracks[p.track] = true
		matchedFaces[p.face] = true
		t.confirm(p.track, faces[p.face], frameIdx, pts)
	}

	for i, face := range faces {
		if !matchedFaces[i] {
			t.spawn(face, frameIdx, pts)
		}
	}

	survivors := t.active[:0]
	for _, f := range t.active {
		if matchedTracks[f] || f.lastSeen == frameIdx {
			survivors = append(survivors, f)
			continue
		}
		if t.predict(f, pts, true) {
			survivors = append(survivors, f)
		}
	}
	t.active = survivors
}

// Advance moves every track forward one frame without a detection round.
// Prediction bridges the cadence gaps so no frame goes unprotected, and
// a skipped round is not a miss: only detections that ran and found
// nothing age a track.
func (t *Tracker) Advance(frameIdx int) {
	pts := t.pts(frameIdx)
	for _, f := range t.active {
		t.predict(f, pts, false)
	}
}

// Regions returns the blur region of every live track, expanded so that
// prediction error and landmark variance stay covered. Predicted and
// fast-moving tracks get a stronger blur.
func (t *Tracker) Regions() []types.Region {
	if len(t.active) == 0 {
		return nil
	}
	regions := make([]types.Region, 0, len(t.active))
	for _, f := range t.active {
		intensity := 1.0
		if f.state == StatePredicted || f.speed() > t.cfg.MovementThreshold {
			intensity = predictedBoost
		}
		regions = append(regions, types.Region{
			Box:       f.box.Expand(t.cfg.ExpansionFactor),
			Intensity: intensity,
		})
	}
	return regions
}

// ActiveTracks is the number of currently live tracks.
func (t *Tracker) ActiveTracks() int { return len(t.active) }

// TotalTracks is the number of distinct identities seen over the job.
func (t *Tracker) TotalTracks() int { return t.totalTracks }

// Flush closes all remaining tracks at end of stream.
func (t *Tracker) Flush(frameIdx int) {
	pts := t.pts(frameIdx)
	for _, f := range t.active {
		if pts > f.lastPTS {
			f.lastPTS = pts
		}
		t.close(f)
	}
	t.active = nil
}

// Intervals reports when each track was on screen, for the job summary.
// Only complete after Flush.
func (t *Tracker) Intervals() []types.Interval {
	return t.closed
}

type pair struct {
	track *trackedFace
	face  int
	dist  float64
}

// rankPairs builds every track/detection pairing and sorts by distance
// between the detection center and the track's predicted center.
func (t *Tracker) rankPairs(faces []types.DetectedFace) []pair {
	if len(t.active) == 0 || len(faces) == 0 {
		return nil
	}
	pairs := make([]pair, 0, len(t.active)*len(faces))
	for _, f := range t.active {
		px, py := f.predictedCenter()
		for i, face := range faces {
			cx, cy := face.Box.Center()
			pairs = append(pairs, pair{
				track: f,
				face:  i,
				dist:  math.Hypot(cx-px, cy-py),
			})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })
	return pairs
}

// confirm updates a track with a fresh detection.
func (t *Tracker) confirm(f *trackedFace, face types.DetectedFace, frameIdx int, pts time.Duration) {
	f.box = face.Box
	f.history = append(f.history, face.Box)
	if len(f.history) > historyCap {
		f.history = f.history[1:]
	}
	// Velocity is per frame; consecutive detections can be several frames
	// apart, so the displacement is divided by the gap.
	if n := len(f.history); n >= 2 {
		gap := frameIdx - f.lastSeen
		if gap < 1 {
			gap = 1
		}
		px, py := f.history[n-2].Center()
		cx, cy := f.history[n-1].Center()
		f.vx, f.vy = (cx-px)/float64(gap), (cy-py)/float64(gap)
	}
	f.confidence = confidenceAlpha*face.Confidence + (1-confidenceAlpha)*f.confidence
	f.lastSeen = frameIdx
	f.lastPTS = pts
	f.missCount = 0
	f.state = StateTracked
}

// spawn creates a track for an unmatched detection. A face entering the
// frame is covered starting from this very frame.
func (t *Tracker) spawn(face types.DetectedFace, frameIdx int, pts time.Duration) {
	f := &trackedFace{
		id:         uuid.New(),
		box:        face.Box,
		history:    []types.BoundingBox{face.Box},
		lastSeen:   frameIdx,
		confidence: face.Confidence,
		state:      StateNew,
		firstPTS:   pts,
		lastPTS:    pts,
	}
	t.active = append(t.active, f)
	t.totalTracks++

	logrus.WithFields(logrus.Fields{
		"function": "spawn",
		"track":    f.id,
		"frame":    frameIdx,
	}).Debug("New face track")
}

// predict advances a track by its velocity. A missed detection round
// additionally ages the track; the miss counter never moves on frames
// where detection was skipped, so a stationary face outlives any
// configured detection interval. Returns false when the track went
// stale and was closed.
func (t *Tracker) predict(f *trackedFace, pts time.Duration, missed bool) bool {
	if missed {
		if f.missCount+1 > t.cfg.MaxMissedFrames {
			f.state = StateStale
			t.close(f)
			return false
		}
		f.missCount++
	}
	f.box = f.box.Translate(f.vx, f.vy)
	f.state = StatePredicted
	f.lastPTS = pts
	return true
}

// close records the track's on-screen interval and drops it.
func (t *Tracker) close(f *trackedFace) {
	t.closed = append(t.closed, types.Interval{
		TrackID: f.id.String(),
		Start:   f.firstPTS.Seconds(),
		End:     f.lastPTS.Seconds(),
	})

	logrus.WithFields(logrus.Fields{
		"function": "close",
		"track":    f.id,
		"state":    f.state.String(),
	}).Debug("Track closed")
}

func (t *Tracker) pts(frameIdx int) time.Duration {
	return time.Duration(frameIdx) * t.frameDur
}
