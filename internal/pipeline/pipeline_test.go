package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/veil/internal/blur"
	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/media"
	"github.com/andresmejia3/veil/internal/track"
	"github.com/andresmejia3/veil/internal/types"
)

// fakeSource produces n synthetic frames with varied pixel content.
type fakeSource struct {
	w, h, n int
	next    int
	closed  bool
}

func (s *fakeSource) FrameSize() int { return s.w * s.h * 4 }

func (s *fakeSource) NextFrame(buf []byte) (*types.Frame, error) {
	if s.next >= s.n {
		return nil, media.ErrEndOfStream
	}
	if cap(buf) < s.FrameSize() {
		buf = make([]byte, s.FrameSize())
	}
	buf = buf[:s.FrameSize()]
	for i := range buf {
		buf[i] = uint8((i*7 + s.next*13) % 251)
	}
	f := &types.Frame{Index: s.next, Width: s.w, Height: s.h, Pix: buf}
	s.next++
	return f, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// fakeSink copies every written frame; the pipeline recycles buffers
// after handoff.
type fakeSink struct {
	frames    [][]byte
	finalized bool
	aborted   bool
	writeErr  error
}

func (s *fakeSink) WriteFrame(frame *types.Frame) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	pix := make([]byte, len(frame.Pix))
	copy(pix, frame.Pix)
	s.frames = append(s.frames, pix)
	return nil
}

func (s *fakeSink) Finalize() error { s.finalized = true; return nil }
func (s *fakeSink) Abort()          { s.aborted = true }

// fakeDetector scripts per-frame detections and counts invocations.
type fakeDetector struct {
	calls int
	fn    func(frameIdx int) []types.DetectedFace
	err   error
}

func (d *fakeDetector) Detect(frame *types.Frame) ([]types.DetectedFace, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if d.fn == nil {
		return nil, nil
	}
	return d.fn(frame.Index), nil
}

func newJob(src *fakeSource, sink *fakeSink, det *fakeDetector, cfg config.BlurConfig) *job {
	j := &job{
		src:         src,
		sink:        sink,
		tracker:     track.NewTracker(cfg, 30),
		engine:      blur.NewEngine(cfg),
		totalFrames: src.n,
		onProgress:  func(float64, string) {},
	}
	if det != nil {
		j.detector = det
	}
	return j
}

func blackConfig() config.BlurConfig {
	cfg := config.Default()
	cfg.Style = config.StyleBlack
	return cfg
}

func TestDegradedModeBlursEveryPixelWithZeroDetectorCalls(t *testing.T) {
	src := &fakeSource{w: 16, h: 16, n: 10}
	sink := &fakeSink{}
	j := newJob(src, sink, nil, blackConfig())

	processed, err := j.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, processed)
	require.Len(t, sink.frames, 10)

	for fi, pix := range sink.frames {
		for off := 0; off < len(pix); off += 4 {
			require.Equal(t, uint8(0), pix[off], "frame %d pixel %d not blurred", fi, off/4)
			require.Equal(t, uint8(0), pix[off+1])
			require.Equal(t, uint8(0), pix[off+2])
		}
	}
}

func TestCoverageInvariant(t *testing.T) {
	// A stationary face: detection runs on cadence only, yet every output
	// frame must have the region obscured.
	face := types.BoundingBox{X: 0.25, Y: 0.25, W: 0.25, H: 0.25}
	det := &fakeDetector{fn: func(int) []types.DetectedFace {
		return []types.DetectedFace{{Box: face, Confidence: 0.9}}
	}}

	src := &fakeSource{w: 64, h: 64, n: 40}
	sink := &fakeSink{}
	j := newJob(src, sink, det, blackConfig())

	processed, err := j.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 40, processed)
	assert.Less(t, det.calls, 40, "stationary face must not be detected every frame")

	rect := face.ToRect(64, 64)
	for fi, pix := range sink.frames {
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			for x := rect.Min.X; x < rect.Max.X; x++ {
				off := (y*64 + x) * 4
				require.Equal(t, uint8(0), pix[off], "frame %d leaks at (%d,%d)", fi, x, y)
			}
		}
	}
}

func TestSingleMovingFaceScenario(t *testing.T) {
	// One face moving linearly across a 300-frame clip keeps a single
	// identity for the whole run.
	det := &fakeDetector{fn: func(i int) []types.DetectedFace {
		x := 0.05 + 0.002*float64(i)
		return []types.DetectedFace{{
			Box:        types.BoundingBox{X: x, Y: 0.4, W: 0.1, H: 0.1},
			Confidence: 0.9,
		}}
	}}

	src := &fakeSource{w: 32, h: 32, n: 300}
	sink := &fakeSink{}
	j := newJob(src, sink, det, blackConfig())

	processed, err := j.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 300, processed)
	assert.Equal(t, 1, j.tracker.TotalTracks())
	assert.GreaterOrEqual(t, j.tracker.TotalTracks(), 1)

	intervals := j.tracker.Intervals()
	require.Len(t, intervals, 1)
	assert.Equal(t, 0.0, intervals[0].Start)
}

func TestZeroFacesLeavesFramesUntouched(t *testing.T) {
	det := &fakeDetector{}
	src := &fakeSource{w: 16, h: 16, n: 20}
	sink := &fakeSink{}
	j := newJob(src, sink, det, blackConfig())

	processed, err := j.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, processed)
	assert.Equal(t, 0, j.tracker.TotalTracks())

	// Reproduce the source content and compare.
	ref := &fakeSource{w: 16, h: 16, n: 20}
	for i := 0; i < 20; i++ {
		frame, err := ref.NextFrame(nil)
		require.NoError(t, err)
		assert.Equal(t, frame.Pix, sink.frames[i], "frame %d modified with zero regions", i)
	}
}

func TestDetectionErrorFallsBackToPrediction(t *testing.T) {
	det := &fakeDetector{err: errors.New("vision engine hiccup")}
	src := &fakeSource{w: 16, h: 16, n: 5}
	sink := &fakeSink{}
	j := newJob(src, sink, det, blackConfig())

	processed, err := j.run(context.Background())
	require.NoError(t, err, "a failing detector must not fail the job")
	assert.Equal(t, 5, processed)
	assert.Positive(t, det.calls)
}

func TestCancellationMidJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{w: 16, h: 16, n: 100}
	sink := &fakeSink{}
	j := newJob(src, sink, nil, blackConfig())
	j.onProgress = func(percent float64, _ string) {
		if percent >= 50 {
			cancel()
		}
	}

	processed, err := j.run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, processed, 100, "cancellation must stop the frame loop")
	assert.False(t, sink.finalized)
}

func TestCancellationCleansUpPartialOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "partial.mp4")
	require.NoError(t, os.WriteFile(out, []byte("half a video"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{w: 16, h: 16, n: 100}
	sink := &fakeSink{}
	j := newJob(src, sink, nil, blackConfig())
	j.onProgress = func(percent float64, _ string) {
		if percent >= 50 {
			cancel()
		}
	}

	_, err := j.run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	cleanupFailed(sink, out)
	assert.True(t, sink.aborted, "the sink must be torn down on failure")
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "partial output must be deleted")
}

func TestJobDeadline(t *testing.T) {
	assert.Equal(t, 15*time.Minute,
		jobDeadline(media.StreamInfo{Duration: 5 * time.Minute}))
	assert.Equal(t, minJobTimeout,
		jobDeadline(media.StreamInfo{Duration: 2 * time.Second}),
		"short clips get the floor, not a sub-second deadline")
	assert.Equal(t, 3*time.Minute,
		jobDeadline(media.StreamInfo{TotalFrames: 1800, FPS: 30}),
		"a missing duration is estimated from the frame count")
	assert.Equal(t, time.Duration(0),
		jobDeadline(media.StreamInfo{FPS: 30}),
		"a clip of unknown length runs without a deadline")
}

func TestDetectorBuiltFromJobCascadePath(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	cfg := config.Default()
	cfg.CascadePath = filepath.Join(t.TempDir(), "custom-cascade")

	assert.Nil(t, newDetector(cfg), "an unloadable cascade selects full-frame blur")

	attempted := false
	for _, e := range hook.AllEntries() {
		if e.Data["cascade"] == cfg.CascadePath {
			attempted = true
		}
	}
	assert.True(t, attempted, "the detector must be attempted from the job's own cascade path")
}

func TestProcessVideoLogsJobLifecycle(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	old := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	defer logrus.SetLevel(old)

	dir := t.TempDir()
	in := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(in, []byte("bytes"), 0o644))

	cfg := config.Default()
	cfg.Passthrough = true
	res := ProcessVideo(context.Background(), in, filepath.Join(dir, "out.mp4"), cfg, nil)
	require.True(t, res.Success)

	seen := map[types.JobStatus]bool{}
	for _, e := range hook.AllEntries() {
		if s, ok := e.Data["status"].(types.JobStatus); ok {
			seen[s] = true
		}
	}
	assert.True(t, seen[types.JobPending])
	assert.True(t, seen[types.JobRunning])
}

func TestEncoderErrorAbortsRun(t *testing.T) {
	src := &fakeSource{w: 16, h: 16, n: 10}
	sink := &fakeSink{writeErr: media.ErrEncode}
	j := newJob(src, sink, nil, blackConfig())

	_, err := j.run(context.Background())
	require.ErrorIs(t, err, media.ErrEncode)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCategory
	}{
		{"cancel", context.Canceled, types.ErrorCancelled},
		{"timeout", context.DeadlineExceeded, types.ErrorCancelled},
		{"decode", media.ErrDecode, types.ErrorDecode},
		{"missing ffmpeg", media.ErrFFmpegNotFound, types.ErrorDecode},
		{"encode", media.ErrEncode, types.ErrorEncode},
		{"other", errors.New("boom"), types.ErrorInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := classify(time.Now(), tc.err)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, tc.want, res.Error.Category)
			assert.ErrorIs(t, res.Error, tc.err)
		})
	}
}

func TestProcessVideoRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Style = "solarize"

	res := ProcessVideo(context.Background(), "in.mp4", "out.mp4", cfg, nil)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.ErrorInternal, res.Error.Category)
}

func TestProcessVideoPassthrough(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.mp4")
	out := filepath.Join(dir, "out.mp4")
	payload := []byte("not really a video, but bytes are bytes")
	require.NoError(t, os.WriteFile(in, payload, 0o644))

	cfg := config.Default()
	cfg.Passthrough = true

	res := ProcessVideo(context.Background(), in, out, cfg, nil)
	require.Nil(t, res.Error)
	assert.True(t, res.Success)
	assert.Equal(t, out, res.OutputPath)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "pass-through must copy byte for byte")
}

func TestProcessVideoPassthroughMissingInput(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Passthrough = true

	res := ProcessVideo(context.Background(), filepath.Join(dir, "nope.mp4"), filepath.Join(dir, "out.mp4"), cfg, nil)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.ErrorDecode, res.Error.Category)
}
