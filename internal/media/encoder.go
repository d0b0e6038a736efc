package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/veil/internal/types"
)

// Encoder feeds processed raw frames to an ffmpeg child process that
// encodes H.264 and muxes the original audio track in, untouched
// (-c:a copy — bit-exact, never decoded).
type Encoder struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     bytes.Buffer
	outputPath string
	finalized  bool
}

// encoderArgs builds the ffmpeg invocation: raw RGBA on stdin as the
// video, the original file as the audio source.
func encoderArgs(inputPath, outputPath string, width, height int, fps float64, hasAudio bool) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "pipe:0",
	}
	if hasAudio {
		args = append(args,
			"-i", inputPath,
			"-map", "0:v:0",
			"-map", "1:a:0",
			"-c:a", "copy",
		)
	} else {
		args = append(args, "-map", "0:v:0")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	)
	return args
}

// NewEncoder starts the encoder process for the given geometry.
func NewEncoder(ctx context.Context, inputPath, outputPath string, info StreamInfo) (*Encoder, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg", ErrFFmpegNotFound)
	}

	args := encoderArgs(inputPath, outputPath, info.DisplayWidth(), info.DisplayHeight(), info.FPS, info.HasAudio)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	e := &Encoder{cmd: cmd, outputPath: outputPath}
	cmd.Stderr = &e.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: encoder pipe: %v", ErrEncode, err)
	}
	e.stdin = stdin

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: starting encoder: %v", ErrEncode, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewEncoder",
		"output":   outputPath,
		"fps":      info.FPS,
		"audio":    info.HasAudio,
	}).Debug("Encoder started")

	return e, nil
}

// WriteFrame hands one processed frame to the encoder. The frame buffer
// may be recycled as soon as this returns.
func (e *Encoder) WriteFrame(frame *types.Frame) error {
	if _, err := e.stdin.Write(frame.Pix); err != nil {
		return e.encodeErr(fmt.Sprintf("writing frame %d: %v", frame.Index, err))
	}
	return nil
}

// Finalize closes the video stream and waits for the mux to complete.
func (e *Encoder) Finalize() error {
	e.finalized = true
	e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		return e.encodeErr(fmt.Sprintf("encoder exited: %v", err))
	}
	return nil
}

// Abort kills the encoder and removes whatever partial output exists.
// Used on cancellation and on any upstream failure; a failed job must
// leave no file behind.
func (e *Encoder) Abort() {
	if !e.finalized {
		e.finalized = true
		e.stdin.Close()
		if e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		_ = e.cmd.Wait()
	}
	_ = os.Remove(e.outputPath)
}

func (e *Encoder) encodeErr(msg string) error {
	if e.stderr.Len() > 0 {
		return fmt.Errorf("%w: %s: %s", ErrEncode, msg, e.stderr.String())
	}
	return fmt.Errorf("%w: %s", ErrEncode, msg)
}

// Passthrough copies the input file to the output byte for byte. Used for
// explicit pass-through mode and for zero-frame inputs where there is
// nothing to re-encode.
func Passthrough(inputPath, outputPath string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return nil
}
