package blur

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/types"
)

// gradientFrame builds a frame with distinct pixel values so any blur
// produces a detectable change.
func gradientFrame(w, h int) *types.Frame {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 4
			pix[off] = uint8((x * 251) % 256)
			pix[off+1] = uint8((y * 239) % 256)
			pix[off+2] = uint8(((x + y) * 13) % 256)
			pix[off+3] = 255
		}
	}
	return &types.Frame{Width: w, Height: h, Pix: pix}
}

func cloneFrame(f *types.Frame) *types.Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &types.Frame{Index: f.Index, PTS: f.PTS, Width: f.Width, Height: f.Height, Pix: pix}
}

func engineWithStyle(style string) *Engine {
	cfg := config.Default()
	cfg.Style = style
	return NewEngine(cfg)
}

func centerRegion() types.Region {
	return types.Region{
		Box:       types.BoundingBox{X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
		Intensity: 1,
	}
}

func TestApplyNoRegionsIsNoOp(t *testing.T) {
	frame := gradientFrame(64, 48)
	before := cloneFrame(frame)

	engineWithStyle(config.StyleGauss).Apply(frame, nil)
	assert.Equal(t, before.Pix, frame.Pix)
}

func TestGaussModifiesOnlyTheRegion(t *testing.T) {
	frame := gradientFrame(64, 48)
	before := cloneFrame(frame)

	engineWithStyle(config.StyleGauss).Apply(frame, []types.Region{centerRegion()})

	rect := centerRegion().Box.ToRect(64, 48)
	changed := false
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			off := (y*64 + x) * 4
			inside := x >= rect.Min.X && x < rect.Max.X && y >= rect.Min.Y && y < rect.Max.Y
			if !inside {
				require.Equal(t, before.Pix[off:off+4], frame.Pix[off:off+4],
					"pixel outside region changed at (%d,%d)", x, y)
			} else if before.Pix[off] != frame.Pix[off] {
				changed = true
			}
		}
	}
	assert.True(t, changed, "blur left the region untouched")
}

func TestBlackFillsRegion(t *testing.T) {
	frame := gradientFrame(32, 32)
	engineWithStyle(config.StyleBlack).Apply(frame, []types.Region{centerRegion()})

	rect := centerRegion().Box.ToRect(32, 32)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			off := (y*32 + x) * 4
			assert.Equal(t, []byte{0, 0, 0, 255}, frame.Pix[off:off+4])
		}
	}
}

func TestPixelAndBlackAreIdempotent(t *testing.T) {
	for _, style := range []string{config.StylePixel, config.StyleBlack} {
		t.Run(style, func(t *testing.T) {
			e := engineWithStyle(style)
			regions := []types.Region{centerRegion()}

			frame := gradientFrame(64, 48)
			e.Apply(frame, regions)
			once := cloneFrame(frame)

			e.Apply(frame, regions)
			assert.Equal(t, once.Pix, frame.Pix, "second application must not change pixels")
		})
	}
}

func TestGaussConvergesOnReapplication(t *testing.T) {
	// Smooth content: a linear ramp per channel, so the first pass leaves
	// a near-uniform region and the second barely moves it.
	w, h := 64, 48
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 4
			pix[off] = uint8(2 * x)
			pix[off+1] = uint8(3 * y)
			pix[off+2] = uint8(x + y)
			pix[off+3] = 255
		}
	}
	frame := &types.Frame{Width: w, Height: h, Pix: pix}

	e := engineWithStyle(config.StyleGauss)
	regions := []types.Region{centerRegion()}

	e.Apply(frame, regions)
	once := cloneFrame(frame)
	e.Apply(frame, regions)

	var maxDiff, sum int
	for i, v := range frame.Pix {
		d := int(v) - int(once.Pix[i])
		if d < 0 {
			d = -d
		}
		if d > maxDiff {
			maxDiff = d
		}
		sum += d
	}
	assert.LessOrEqual(t, maxDiff, 16, "a second application must not visibly change any pixel")
	assert.LessOrEqual(t, float64(sum)/float64(len(frame.Pix)), 2.0)
}

func TestRegionPartiallyOutsideFrameIsClipped(t *testing.T) {
	frame := gradientFrame(40, 40)
	region := types.Region{
		// Expanded boxes near an edge can extend past the frame.
		Box:       types.BoundingBox{X: -0.2, Y: -0.2, W: 0.5, H: 0.5},
		Intensity: 1,
	}

	assert.NotPanics(t, func() {
		engineWithStyle(config.StyleGauss).Apply(frame, []types.Region{region})
		engineWithStyle(config.StylePixel).Apply(frame, []types.Region{region})
		engineWithStyle(config.StyleBlack).Apply(frame, []types.Region{region})
	})
}

func TestRegionFullyOutsideFrameIsSkipped(t *testing.T) {
	frame := gradientFrame(40, 40)
	before := cloneFrame(frame)
	region := types.Region{
		Box:       types.BoundingBox{X: 1.5, Y: 1.5, W: 0.2, H: 0.2},
		Intensity: 1,
	}

	engineWithStyle(config.StyleGauss).Apply(frame, []types.Region{region})
	assert.Equal(t, before.Pix, frame.Pix)
}

func TestFullFrameRegionCoversEveryPixel(t *testing.T) {
	frame := gradientFrame(24, 24)
	engineWithStyle(config.StyleBlack).Apply(frame, []types.Region{FullFrameRegion()})

	for off := 0; off < len(frame.Pix); off += 4 {
		assert.Equal(t, uint8(0), frame.Pix[off])
		assert.Equal(t, uint8(0), frame.Pix[off+1])
		assert.Equal(t, uint8(0), frame.Pix[off+2])
	}
}

func TestIntensityBoostWidensKernel(t *testing.T) {
	e := engineWithStyle(config.StyleGauss)
	rect := types.BoundingBox{X: 0, Y: 0, W: 1, H: 1}.ToRect(400, 400)

	base := e.radius(rect, 1)
	boosted := e.radius(rect, 1.5)
	assert.Greater(t, boosted, base)
}

func TestTinyRegionDoesNotPanic(t *testing.T) {
	frame := gradientFrame(100, 100)
	region := types.Region{
		Box:       types.BoundingBox{X: 0.5, Y: 0.5, W: 0.01, H: 0.01},
		Intensity: 1,
	}
	assert.NotPanics(t, func() {
		engineWithStyle(config.StyleGauss).Apply(frame, []types.Region{region})
	})
}
