// Package media decodes input video into raw frames and encodes processed
// frames back into a playable container, delegating the codec work to
// ffmpeg/ffprobe child processes the same way the rest of the toolchain
// expects them on PATH.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// StreamInfo is the probed shape of an input video.
type StreamInfo struct {
	// Width and Height are the stored dimensions, before rotation.
	Width  int
	Height int
	// Rotation is the display rotation in degrees (0, 90, 180, 270...).
	Rotation int
	// FPS is the average video frame rate. Always threaded explicitly;
	// nothing downstream assumes 30.
	FPS      float64
	Duration time.Duration
	// TotalFrames is 0 when the container does not say and the duration
	// is unknown; callers fall back to indeterminate progress.
	TotalFrames int
	HasAudio    bool
}

// DisplayWidth returns the width after rotation is applied. The decoder
// auto-rotates, so raw frames come out at display orientation.
func (s StreamInfo) DisplayWidth() int {
	if s.Rotation%180 != 0 {
		return s.Height
	}
	return s.Width
}

// DisplayHeight returns the height after rotation is applied.
func (s StreamInfo) DisplayHeight() int {
	if s.Rotation%180 != 0 {
		return s.Width
	}
	return s.Height
}

// Probe inspects the input with ffprobe.
func Probe(ctx context.Context, path string) (StreamInfo, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return StreamInfo{}, fmt.Errorf("%w: ffprobe", ErrFFmpegNotFound)
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("%w: ffprobe on %s: %v", ErrDecode, path, err)
	}

	info, err := parseProbeOutput(out)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Probe",
		"path":         path,
		"width":        info.Width,
		"height":       info.Height,
		"fps":          info.FPS,
		"rotation":     info.Rotation,
		"total_frames": info.TotalFrames,
		"has_audio":    info.HasAudio,
	}).Debug("Probed input video")

	return info, nil
}

// ffprobe JSON shapes, trimmed to what we read.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NbFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
	SideDataList []struct {
		Rotation json.Number `json:"rotation"`
	} `json:"side_data_list"`
	Tags struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
}

func parseProbeOutput(data []byte) (StreamInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe JSON parse: %v", err)
	}

	var info StreamInfo
	var video *probeStream
	for i := range out.Streams {
		switch out.Streams[i].CodecType {
		case "video":
			if video == nil {
				video = &out.Streams[i]
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if video == nil {
		return StreamInfo{}, fmt.Errorf("no video stream")
	}
	if video.Width <= 0 || video.Height <= 0 {
		return StreamInfo{}, fmt.Errorf("invalid dimensions %dx%d", video.Width, video.Height)
	}

	info.Width = video.Width
	info.Height = video.Height
	info.FPS = parseRate(video.AvgFrameRate)
	if info.FPS <= 0 {
		return StreamInfo{}, fmt.Errorf("invalid frame rate %q", video.AvgFrameRate)
	}

	// Rotation lives in stream side data on modern ffprobe, in the
	// rotate tag on older containers.
	for _, sd := range video.SideDataList {
		if deg, err := sd.Rotation.Float64(); err == nil && deg != 0 {
			info.Rotation = normalizeRotation(int(deg))
		}
	}
	if info.Rotation == 0 && video.Tags.Rotate != "" {
		if deg, err := strconv.Atoi(video.Tags.Rotate); err == nil {
			info.Rotation = normalizeRotation(deg)
		}
	}

	// Duration: prefer the stream's, fall back to the container's.
	if d, err := strconv.ParseFloat(video.Duration, 64); err == nil && d > 0 {
		info.Duration = time.Duration(d * float64(time.Second))
	} else if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil && d > 0 {
		info.Duration = time.Duration(d * float64(time.Second))
	}

	// Frame count: container metadata when present, otherwise estimated
	// from duration so the progress bar has a total to work with.
	if n, err := strconv.Atoi(video.NbFrames); err == nil && n > 0 {
		info.TotalFrames = n
	} else if info.Duration > 0 {
		info.TotalFrames = int(math.Round(info.Duration.Seconds() * info.FPS))
	}

	return info, nil
}

// parseRate parses an ffprobe rational like "30000/1001". Returns 0 on
// anything unusable.
func parseRate(r string) float64 {
	if r == "" || r == "0/0" {
		return 0
	}
	parts := strings.SplitN(r, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}
