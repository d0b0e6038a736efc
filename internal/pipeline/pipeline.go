// Package pipeline drives one anonymization job end to end: decode,
// detect, track, blur, encode, mux. All stage failures are converted to
// a single categorized job result at this boundary; nothing escapes.
package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/veil/internal/blur"
	"github.com/andresmejia3/veil/internal/capability"
	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/media"
	"github.com/andresmejia3/veil/internal/track"
	"github.com/andresmejia3/veil/internal/types"
)

// minJobTimeout is the floor for the per-job deadline so short clips
// are not starved by process startup cost.
const minJobTimeout = 30 * time.Second

// timeoutFactor scales the job deadline from the video duration.
const timeoutFactor = 3

// ProgressFunc receives progress in percent [0,100] (negative when the
// total frame count is unknown) and a short status label.
type ProgressFunc func(percent float64, status string)

// frameSource yields decoded frames in presentation order.
type frameSource interface {
	NextFrame(buf []byte) (*types.Frame, error)
	FrameSize() int
	Close() error
}

// frameSink consumes processed frames and produces the output file.
type frameSink interface {
	WriteFrame(frame *types.Frame) error
	Finalize() error
	Abort()
}

// ProcessVideo runs one full anonymization job and reports the outcome.
// The result is always well-formed; a failed job carries exactly one
// categorized error and leaves no partial output on disk.
func ProcessVideo(ctx context.Context, inputPath, outputPath string, cfg config.BlurConfig, onProgress ProgressFunc) types.JobResult {
	started := time.Now()
	if onProgress == nil {
		onProgress = func(float64, string) {}
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "ProcessVideo",
		"input":    inputPath,
		"output":   outputPath,
	})

	log.WithField("status", types.JobPending).Debug("Job accepted")
	if err := cfg.Validate(); err != nil {
		return failed(started, types.ErrorInternal, "invalid configuration", err)
	}
	log.WithField("status", types.JobRunning).Debug("Job running")

	if cfg.Passthrough {
		onProgress(0, "copying")
		if err := media.Passthrough(inputPath, outputPath); err != nil {
			return classify(started, err)
		}
		onProgress(100, "done")
		log.Info("Pass-through complete")
		return types.JobResult{Success: true, OutputPath: outputPath, DurationMs: time.Since(started).Milliseconds()}
	}

	caps := capability.Detect()
	if !caps.HasFFmpeg {
		return failed(started, types.ErrorDecode, "video tooling unavailable", media.ErrFFmpegNotFound)
	}

	info, err := media.Probe(ctx, inputPath)
	if err != nil {
		return classify(started, err)
	}

	// A stuck decoder or detector must not hang the job forever. Timeout
	// is treated exactly like cancellation.
	if timeout := jobDeadline(info); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	detector := newDetector(cfg)

	src, err := media.OpenSource(ctx, inputPath, info)
	if err != nil {
		return classify(started, err)
	}
	defer src.Close()

	sink, err := media.NewEncoder(ctx, inputPath, outputPath, info)
	if err != nil {
		return classify(started, err)
	}

	j := &job{
		src:         src,
		sink:        sink,
		detector:    detector,
		tracker:     track.NewTracker(cfg, info.FPS),
		engine:      blur.NewEngine(cfg),
		totalFrames: info.TotalFrames,
		onProgress:  onProgress,
	}

	framesProcessed, err := j.run(ctx)
	if err != nil {
		cleanupFailed(sink, outputPath)
		return classify(started, err)
	}

	if framesProcessed == 0 {
		// Zero-frame input is a clean end of stream, not a failure. There
		// is nothing to re-encode, so the input is copied through.
		sink.Abort()
		if cerr := media.Passthrough(inputPath, outputPath); cerr != nil {
			return classify(started, cerr)
		}
		onProgress(100, "done")
		return types.JobResult{Success: true, OutputPath: outputPath, DurationMs: time.Since(started).Milliseconds()}
	}

	onProgress(100, "finalizing")
	if err := sink.Finalize(); err != nil {
		cleanupFailed(sink, outputPath)
		return classify(started, err)
	}

	log.WithFields(logrus.Fields{
		"frames": framesProcessed,
		"faces":  j.tracker.TotalTracks(),
	}).Info("Anonymization complete")

	return types.JobResult{
		Success:         true,
		OutputPath:      outputPath,
		FacesDetected:   j.tracker.TotalTracks(),
		FramesProcessed: framesProcessed,
		DurationMs:      time.Since(started).Milliseconds(),
		Intervals:       j.tracker.Intervals(),
	}
}

// jobDeadline derives the watchdog timeout for a clip. The container may
// not carry a duration; the frame count is the fallback estimate. Zero
// means no deadline: a long clip of unknown length must not be cancelled
// by a floor sized for short ones.
func jobDeadline(info media.StreamInfo) time.Duration {
	d := info.Duration
	if d <= 0 && info.TotalFrames > 0 && info.FPS > 0 {
		d = time.Duration(float64(info.TotalFrames) / info.FPS * float64(time.Second))
	}
	if d <= 0 {
		return 0
	}
	timeout := timeoutFactor * d
	if timeout < minJobTimeout {
		timeout = minJobTimeout
	}
	return timeout
}

// newDetector builds the detector from the job's own cascade path. The
// cached capability report is deliberately not consulted: it probes the
// default cascade location, and a job may point somewhere else. Failure
// never fails the job; a nil detector selects full-frame blur, which
// still anonymizes everything.
func newDetector(cfg config.BlurConfig) detect.Detector {
	d, err := detect.NewPigoDetector(cfg.CascadePath, cfg.ConfidenceThreshold)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "newDetector",
			"cascade":  cfg.CascadePath,
			"error":    err,
		}).Warn("Detector unavailable, using full-frame blur")
		return nil
	}
	return d
}

// cleanupFailed tears the sink down and removes whatever partial output
// reached disk. A failed or cancelled job leaves no file behind.
func cleanupFailed(sink frameSink, outputPath string) {
	sink.Abort()
	os.Remove(outputPath)
}

// job is the per-invocation processing state.
type job struct {
	src         frameSource
	sink        frameSink
	detector    detect.Detector // nil selects degraded full-frame blur
	tracker     *track.Tracker
	engine      *blur.Engine
	totalFrames int
	onProgress  ProgressFunc
}

type fetched struct {
	frame *types.Frame
	err   error
}

// run executes the per-frame loop and returns the number of frames
// fully processed. Decode is prefetched one frame ahead; everything
// else runs strictly in presentation order.
func (j *job) run(ctx context.Context) (int, error) {
	pool := &sync.Pool{
		New: func() any { return make([]byte, j.src.FrameSize()) },
	}

	frames := make(chan fetched, 1)
	go j.prefetch(ctx, pool, frames)

	fullFrame := []types.Region{blur.FullFrameRegion()}
	processed := 0

	for {
		// Cancellation is honored between frames.
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		var next fetched
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		case next = <-frames:
		}

		if next.err != nil {
			if errors.Is(next.err, media.ErrEndOfStream) {
				j.tracker.Flush(processed)
				return processed, nil
			}
			return processed, next.err
		}

		frame := next.frame
		regions := fullFrame
		if j.detector != nil {
			regions = j.observe(frame)
		}

		j.engine.Apply(frame, regions)
		if err := j.sink.WriteFrame(frame); err != nil {
			return processed, err
		}
		pool.Put(frame.Pix)
		processed++

		j.onProgress(j.percent(processed), "anonymizing")
	}
}

// observe runs one tracker round for the frame: detect on cadence,
// predict otherwise. A failed detection is treated as no detection this
// frame; prediction keeps the face covered.
func (j *job) observe(frame *types.Frame) []types.Region {
	if j.tracker.ShouldDetect(frame.Index) {
		faces, err := j.detector.Detect(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "observe",
				"frame":    frame.Index,
				"error":    err,
			}).Warn("Detection failed, predicting")
			j.tracker.Advance(frame.Index)
		} else {
			j.tracker.Observe(frame.Index, faces)
		}
	} else {
		j.tracker.Advance(frame.Index)
	}
	return j.tracker.Regions()
}

// prefetch decodes one frame ahead of processing. Buffers come from the
// pool; ownership passes to the processing loop with the frame.
func (j *job) prefetch(ctx context.Context, pool *sync.Pool, frames chan<- fetched) {
	for {
		frame, err := j.src.NextFrame(pool.Get().([]byte))
		select {
		case frames <- fetched{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (j *job) percent(processed int) float64 {
	if j.totalFrames <= 0 {
		return -1
	}
	p := float64(processed) / float64(j.totalFrames) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// classify converts a raw stage error into a categorized failed result.
func classify(started time.Time, err error) types.JobResult {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failed(started, types.ErrorCancelled, "job cancelled", err)
	case errors.Is(err, media.ErrEncode):
		return failed(started, types.ErrorEncode, "could not write video", err)
	case errors.Is(err, media.ErrDecode), errors.Is(err, media.ErrFFmpegNotFound):
		return failed(started, types.ErrorDecode, "could not read video", err)
	default:
		return failed(started, types.ErrorInternal, "anonymization failed", err)
	}
}

func failed(started time.Time, category types.ErrorCategory, msg string, err error) types.JobResult {
	logrus.WithFields(logrus.Fields{
		"function": "failed",
		"category": category,
		"error":    err,
	}).Error(msg)

	return types.JobResult{
		DurationMs: time.Since(started).Milliseconds(),
		Error: &types.ErrorInfo{
			Category: category,
			Message:  msg,
			Err:      err,
		},
	}
}
