package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/veil/internal/types"
)

// Source streams decoded RGBA frames from an ffmpeg child process.
// Frames are delivered in strict presentation order; ffmpeg applies the
// container's rotation during decode, so frames arrive display-oriented.
type Source struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	width     int
	height    int
	frameSize int
	frameDur  time.Duration
	index     int
	done      bool
}

// decoderArgs builds the ffmpeg invocation for raw RGBA frame output.
func decoderArgs(inputPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}
}

// OpenSource starts the decoder for the probed input.
func OpenSource(ctx context.Context, inputPath string, info StreamInfo) (*Source, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg", ErrFFmpegNotFound)
	}

	width := info.DisplayWidth()
	height := info.DisplayHeight()

	cmd := exec.CommandContext(ctx, "ffmpeg", decoderArgs(inputPath)...)
	s := &Source{
		cmd:       cmd,
		width:     width,
		height:    height,
		frameSize: width * height * 4,
		frameDur:  time.Duration(float64(time.Second) / info.FPS),
	}
	cmd.Stderr = &s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: decoder pipe: %v", ErrDecode, err)
	}
	s.stdout = stdout

	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, fmt.Errorf("%w: starting decoder: %v", ErrDecode, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSource",
		"input":    inputPath,
		"width":    width,
		"height":   height,
	}).Debug("Decoder started")

	return s, nil
}

// FrameSize is the byte length of one raw frame; callers size pooled
// buffers with it.
func (s *Source) FrameSize() int { return s.frameSize }

// NextFrame reads one frame into buf (reallocated if too small) and
// returns it with its index and presentation time. Returns ErrEndOfStream
// after the last frame.
func (s *Source) NextFrame(buf []byte) (*types.Frame, error) {
	if s.done {
		return nil, ErrEndOfStream
	}
	if cap(buf) < s.frameSize {
		buf = make([]byte, s.frameSize)
	}
	buf = buf[:s.frameSize]

	n, err := io.ReadFull(s.stdout, buf)
	if err != nil {
		s.done = true
		if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			// Clean end: ffmpeg closed the pipe at a frame boundary.
			if werr := s.waitClean(); werr != nil {
				return nil, werr
			}
			return nil, ErrEndOfStream
		}
		// A partial frame means the decode itself broke.
		s.cmd.Wait()
		return nil, s.decodeErr(fmt.Sprintf("truncated frame %d (%d/%d bytes)", s.index, n, s.frameSize))
	}

	frame := &types.Frame{
		Index:  s.index,
		PTS:    time.Duration(s.index) * s.frameDur,
		Width:  s.width,
		Height: s.height,
		Pix:    buf,
	}
	s.index++
	return frame, nil
}

// waitClean reaps the decoder after EOF and surfaces any late failure.
func (s *Source) waitClean() error {
	if err := s.cmd.Wait(); err != nil {
		return s.decodeErr(fmt.Sprintf("decoder exited: %v", err))
	}
	return nil
}

func (s *Source) decodeErr(msg string) error {
	if s.stderr.Len() > 0 {
		return fmt.Errorf("%w: %s: %s", ErrDecode, msg, s.stderr.String())
	}
	return fmt.Errorf("%w: %s", ErrDecode, msg)
}

// Close tears the decoder down. Safe to call after EOF or mid-stream
// (cancellation); a mid-stream close kills the child.
func (s *Source) Close() error {
	s.stdout.Close()
	if !s.done {
		s.done = true
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	}
	return nil
}
