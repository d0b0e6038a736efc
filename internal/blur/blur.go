// Package blur obscures regions of decoded frames in place. All three
// styles destroy the original pixel data inside the region; none of them
// can be inverted from the output alone.
package blur

import (
	"image"
	"math"
	"sync"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/types"
)

// blurBufferPool recycles the horizontal-pass scratch buffer so the hot
// path stays allocation-free across frames.
var blurBufferPool = sync.Pool{
	New: func() any { return make([]uint8, 0) },
}

// colSumsPool recycles column accumulators for the vertical pass.
var colSumsPool = sync.Pool{
	New: func() any { return make([]uint32, 0) },
}

// Engine applies one configured obscuring style to frame regions.
type Engine struct {
	style           string
	intensity       int
	pixelationScale float64
}

// NewEngine builds an engine from a validated configuration.
func NewEngine(cfg config.BlurConfig) *Engine {
	return &Engine{
		style:           cfg.Style,
		intensity:       cfg.Intensity,
		pixelationScale: cfg.PixelationScale,
	}
}

// FullFrameRegion covers the entire frame at baseline intensity. Used
// when detection is unavailable and every pixel must be obscured.
func FullFrameRegion() types.Region {
	return types.Region{
		Box:       types.BoundingBox{X: 0, Y: 0, W: 1, H: 1},
		Intensity: 1,
	}
}

// Apply obscures every region of the frame in place. Regions partially
// outside the frame are clipped; fully outside regions are skipped.
func (e *Engine) Apply(frame *types.Frame, regions []types.Region) {
	if len(regions) == 0 {
		return
	}
	img := frame.RGBA()
	for _, region := range regions {
		rect := region.Box.ToRect(frame.Width, frame.Height).Intersect(img.Bounds())
		if rect.Empty() {
			continue
		}
		boost := region.Intensity
		if boost < 1 {
			boost = 1
		}
		switch e.style {
		case config.StyleBlack:
			fillBlack(img, rect)
		case config.StylePixel:
			pixelate(img, rect, e.blockSize(rect, boost))
		default:
			boxBlur(img, rect, e.radius(rect, boost))
		}
	}
}

// radius derives the blur kernel radius for one region. Higher tracker
// intensity widens the kernel; the radius never exceeds half the region
// so the kernel stays inside it.
func (e *Engine) radius(rect image.Rectangle, boost float64) int {
	radius := int(math.Round(float64(e.intensity) * boost))
	if radius < 1 {
		radius = 1
	}
	if radius > rect.Dx()/2 {
		radius = rect.Dx() / 2
	}
	if radius > rect.Dy()/2 {
		radius = rect.Dy() / 2
	}
	if radius < 1 {
		radius = 1
	}
	return radius
}

// blockSize derives the pixelation block edge from the region width so
// a face fills roughly the same number of blocks at any resolution.
func (e *Engine) blockSize(rect image.Rectangle, boost float64) int {
	size := int(math.Round(float64(rect.Dx()) * e.pixelationScale * boost))
	if size < 1 {
		size = 1
	}
	return size
}

func fillBlack(img *image.RGBA, rect image.Rectangle) {
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = 0
			pix[off+1] = 0
			pix[off+2] = 0
			pix[off+3] = 255
		}
	}
}

// pixelate fills each block with its top-left pixel. Reapplying with the
// same geometry is a no-op, so the transform is idempotent.
func pixelate(img *image.RGBA, rect image.Rectangle, blockSize int) {
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y

	for y := rect.Min.Y; y < rect.Max.Y; y += blockSize {
		for x := rect.Min.X; x < rect.Max.X; x += blockSize {
			srcOff := (y-imgMinY)*stride + (x-imgMinX)*4
			r, g, b, a := pix[srcOff], pix[srcOff+1], pix[srcOff+2], pix[srcOff+3]

			x2 := x + blockSize
			if x2 > rect.Max.X {
				x2 = rect.Max.X
			}
			y2 := y + blockSize
			if y2 > rect.Max.Y {
				y2 = rect.Max.Y
			}

			for by := y; by < y2; by++ {
				rowStart := (by-imgMinY)*stride + (x-imgMinX)*4
				for bx := 0; bx < x2-x; bx++ {
					off := rowStart + bx*4
					pix[off] = r
					pix[off+1] = g
					pix[off+2] = b
					pix[off+3] = a
				}
			}
		}
	}
}

// boxBlur runs a separable sliding-window box blur over the region.
// Two passes give a strong blur at O(pixels) cost regardless of radius,
// instead of the O(pixels*radius^2) of a naive convolution.
func boxBlur(img *image.RGBA, rect image.Rectangle, radius int) {
	w, h := rect.Dx(), rect.Dy()

	neededSize := w * h * 4
	bufPtr := blurBufferPool.Get().([]uint8)
	if cap(bufPtr) < neededSize {
		bufPtr = make([]uint8, neededSize)
	}
	buf := bufPtr[:neededSize]
	defer blurBufferPool.Put(bufPtr)

	stride := img.Stride
	pix := img.Pix
	minX, minY := rect.Min.X, rect.Min.Y
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y

	// Horizontal pass: image -> buffer.
	for y := 0; y < h; y++ {
		rowStart := (minY + y - imgMinY) * stride
		bufRowStart := y * w * 4

		var rSum, gSum, bSum uint32
		for k := -radius; k <= radius; k++ {
			px := clampIdx(k, w)
			off := rowStart + (minX+px-imgMinX)*4
			rSum += uint32(pix[off])
			gSum += uint32(pix[off+1])
			bSum += uint32(pix[off+2])
		}

		count := uint32(2*radius + 1)

		for x := 0; x < w; x++ {
			bufOff := bufRowStart + x*4
			buf[bufOff] = uint8(rSum / count)
			buf[bufOff+1] = uint8(gSum / count)
			buf[bufOff+2] = uint8(bSum / count)
			buf[bufOff+3] = 255

			pRemove := clampIdx(x-radius, w)
			pAdd := clampIdx(x+radius+1, w)

			offRemove := rowStart + (minX+pRemove-imgMinX)*4
			offAdd := rowStart + (minX+pAdd-imgMinX)*4

			rSum = rSum - uint32(pix[offRemove]) + uint32(pix[offAdd])
			gSum = gSum - uint32(pix[offRemove+1]) + uint32(pix[offAdd+1])
			bSum = bSum - uint32(pix[offRemove+2]) + uint32(pix[offAdd+2])
		}
	}

	// Vertical pass: buffer -> image, row by row with one running sum
	// per column so memory access stays sequential.
	neededCols := w * 3
	csPtr := colSumsPool.Get().([]uint32)
	if cap(csPtr) < neededCols {
		csPtr = make([]uint32, neededCols)
	}
	colSums := csPtr[:neededCols]
	for i := range colSums {
		colSums[i] = 0
	}
	defer colSumsPool.Put(csPtr)

	for k := -radius; k <= radius; k++ {
		py := clampIdx(k, h)
		rowOffset := py * w * 4
		for x := 0; x < w; x++ {
			off := rowOffset + x*4
			colSums[x*3] += uint32(buf[off])
			colSums[x*3+1] += uint32(buf[off+1])
			colSums[x*3+2] += uint32(buf[off+2])
		}
	}

	count := uint32(2*radius + 1)

	for y := 0; y < h; y++ {
		dstRowOff := (minY + y - imgMinY) * stride

		for x := 0; x < w; x++ {
			dstOff := dstRowOff + (minX+x-imgMinX)*4
			pix[dstOff] = uint8(colSums[x*3] / count)
			pix[dstOff+1] = uint8(colSums[x*3+1] / count)
			pix[dstOff+2] = uint8(colSums[x*3+2] / count)

			pRemove := clampIdx(y-radius, h)
			pAdd := clampIdx(y+radius+1, h)

			offRemove := pRemove*w*4 + x*4
			offAdd := pAdd*w*4 + x*4

			colSums[x*3] = colSums[x*3] - uint32(buf[offRemove]) + uint32(buf[offAdd])
			colSums[x*3+1] = colSums[x*3+1] - uint32(buf[offRemove+1]) + uint32(buf[offAdd+1])
			colSums[x*3+2] = colSums[x*3+2] - uint32(buf[offRemove+2]) + uint32(buf[offAdd+2])
		}
	}
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
