package types

import (
	"image"
	"time"
)

// BoundingBox is an axis-aligned rectangle in normalized [0,1] frame
// coordinates. Keeping boxes normalized lets the tracker reason about
// motion independently of the source resolution.
type BoundingBox struct {
	X float64
	Y float64
	W float64
	H float64
}

// Center returns the box center point.
func (b BoundingBox) Center() (cx, cy float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Expand grows the box around its center by the given factor.
// A factor of 1.35 grows each side by 35%.
func (b BoundingBox) Expand(factor float64) BoundingBox {
	if factor <= 0 {
		return b
	}
	nw := b.W * factor
	nh := b.H * factor
	return BoundingBox{
		X: b.X - (nw-b.W)/2,
		Y: b.Y - (nh-b.H)/2,
		W: nw,
		H: nh,
	}
}

// Translate shifts the box by (dx, dy) in normalized coordinates.
func (b BoundingBox) Translate(dx, dy float64) BoundingBox {
	return BoundingBox{X: b.X + dx, Y: b.Y + dy, W: b.W, H: b.H}
}

// ToRect converts the normalized box to pixel coordinates for a frame of
// the given dimensions. The result is not clamped; callers intersect it
// with the frame bounds before touching pixels.
func (b BoundingBox) ToRect(width, height int) image.Rectangle {
	return image.Rect(
		int(b.X*float64(width)),
		int(b.Y*float64(height)),
		int((b.X+b.W)*float64(width)),
		int((b.Y+b.H)*float64(height)),
	)
}

// DetectedFace is a single detector hit. It lives for exactly one
// detection round: produced by the detector, consumed by the tracker.
type DetectedFace struct {
	Box        BoundingBox
	Confidence float64
}

// Region is a rectangle the blur engine must obscure. Intensity is a
// multiplier over the engine's baseline strength; tracks at higher risk
// of incomplete coverage carry a boost above 1.
type Region struct {
	Box       BoundingBox
	Intensity float64
}

// Frame is a single decoded video frame: raw RGBA pixels plus timing.
// A Frame is owned by exactly one pipeline stage at a time; it is handed
// off decode → blur → encode and its buffer is recycled after encoding.
type Frame struct {
	Index  int
	PTS    time.Duration
	Width  int
	Height int
	Pix    []byte // RGBA, Width*Height*4 bytes, stride Width*4
}

// RGBA wraps the raw pixel buffer in an image.RGBA without copying.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// JobStatus is the lifecycle state of a blur job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// ErrorCategory classifies a job failure for the caller. Every failed job
// carries exactly one categorized error; nothing escapes uncaught.
type ErrorCategory string

const (
	// ErrorDecode means the input could not be read or decoded.
	ErrorDecode ErrorCategory = "decode"
	// ErrorEncode means the output could not be encoded or muxed.
	ErrorEncode ErrorCategory = "encode"
	// ErrorCancelled means the caller cancelled the job or it timed out.
	ErrorCancelled ErrorCategory = "cancelled"
	// ErrorInternal is any other unrecoverable pipeline failure.
	ErrorInternal ErrorCategory = "internal"
)

// ErrorInfo is the categorized error attached to a failed JobResult.
type ErrorInfo struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *ErrorInfo) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ErrorInfo) Unwrap() error { return e.Err }

// Interval is a time range during which one tracked face was blurred.
type Interval struct {
	TrackID string
	Start   float64 // seconds
	End     float64 // seconds
}

// JobResult is what the pipeline hands back to the caller.
type JobResult struct {
	Success         bool
	OutputPath      string
	FacesDetected   int // distinct tracks seen over the whole job
	FramesProcessed int
	DurationMs      int64
	Intervals       []Interval
	Error           *ErrorInfo
}
