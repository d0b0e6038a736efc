package media

import "errors"

// Sentinel errors for media operations. The pipeline classifies failures
// into its decode/encode taxonomy with errors.Is.
var (
	// ErrEndOfStream is the clean end of the decoded frame stream.
	// It is a signal, not a failure.
	ErrEndOfStream = errors.New("end of stream")

	// ErrFFmpegNotFound means ffmpeg/ffprobe is not on PATH.
	ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")

	// ErrDecode means the input container could not be read or decoded.
	ErrDecode = errors.New("decode failed")

	// ErrEncode means encoding or muxing the output failed.
	ErrEncode = errors.New("encode failed")
)
