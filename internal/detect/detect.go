// Package detect finds faces in decoded video frames.
//
// Detection is stateless per frame: the tracker owns all temporal state.
// The production implementation runs the pigo cascade classifier in
// process, so the pipeline has no native or sidecar dependency for
// detection; a job whose cascade cannot be loaded runs without it.
package detect

import (
	"errors"
	"fmt"
	"os"

	pigo "github.com/esimov/pigo/core"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/veil/internal/types"
)

// ErrCascadeUnavailable indicates the face cascade could not be loaded.
var ErrCascadeUnavailable = errors.New("face cascade unavailable")

// Detector locates faces in a single frame. Implementations must be pure
// with respect to the frame: no retained references, no mutation.
type Detector interface {
	Detect(frame *types.Frame) ([]types.DetectedFace, error)
}

// Cascade run parameters. MinSize filters speckle hits, the shift and
// scale factors trade recall for detection cost.
const (
	minFaceSize     = 20
	maxFaceSize     = 2000
	shiftFactor     = 0.1
	scaleFactor     = 1.1
	clusterOverlap  = 0.2
	qualitySaturate = 40.0 // pigo Q score treated as full confidence
)

// PigoDetector runs the pigo cascade over the luma view of a frame.
//
// It is not safe for concurrent use: the grayscale scratch buffer is
// reused across calls. Each pipeline job owns its own detector, matching
// the one-loop-per-job concurrency model.
type PigoDetector struct {
	classifier    *pigo.Pigo
	minConfidence float64
	gray          []uint8
}

// NewPigoDetector loads and unpacks the cascade at the given path.
func NewPigoDetector(cascadePath string, minConfidence float64) (*PigoDetector, error) {
	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCascadeUnavailable, cascadePath, err)
	}

	classifier, err := unpackCascade(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpacking %s: %v", ErrCascadeUnavailable, cascadePath, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPigoDetector",
		"cascade":  cascadePath,
	}).Debug("Face cascade loaded")

	return &PigoDetector{
		classifier:    classifier,
		minConfidence: minConfidence,
	}, nil
}

// unpackCascade guards Unpack, which indexes into the raw cascade bytes
// and panics on truncated or corrupt files.
func unpackCascade(data []byte) (classifier *pigo.Pigo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed cascade: %v", r)
		}
	}()
	return pigo.NewPigo().Unpack(data)
}

// Detect runs the cascade and returns faces above the confidence floor,
// with bounding boxes in normalized frame coordinates.
func (d *PigoDetector) Detect(frame *types.Frame) ([]types.DetectedFace, error) {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("invalid frame")
	}

	d.toGray(frame)

	params := pigo.CascadeParams{
		MinSize:     minFaceSize,
		MaxSize:     maxFaceSize,
		ShiftFactor: shiftFactor,
		ScaleFactor: scaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: d.gray,
			Rows:   frame.Height,
			Cols:   frame.Width,
			Dim:    frame.Width,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, clusterOverlap)

	return toFaces(dets, frame.Width, frame.Height, d.minConfidence), nil
}

// toGray fills the scratch buffer with the BT.601 luma of the RGBA frame.
func (d *PigoDetector) toGray(frame *types.Frame) {
	n := frame.Width * frame.Height
	if cap(d.gray) < n {
		d.gray = make([]uint8, n)
	}
	d.gray = d.gray[:n]

	pix := frame.Pix
	for i := 0; i < n; i++ {
		off := i * 4
		r := uint32(pix[off])
		g := uint32(pix[off+1])
		b := uint32(pix[off+2])
		d.gray[i] = uint8((299*r + 587*g + 114*b) / 1000)
	}
}

// toFaces converts clustered pigo detections to normalized boxes. A pigo
// detection is a center (Row, Col) plus a square side (Scale) and a
// quality score Q; Q saturates to confidence 1.0 at qualitySaturate.
func toFaces(dets []pigo.Detection, width, height int, minConfidence float64) []types.DetectedFace {
	faces := make([]types.DetectedFace, 0, len(dets))
	fw := float64(width)
	fh := float64(height)

	for _, det := range dets {
		conf := float64(det.Q) / qualitySaturate
		if conf > 1.0 {
			conf = 1.0
		}
		if conf < minConfidence {
			continue
		}

		half := float64(det.Scale) / 2
		faces = append(faces, types.DetectedFace{
			Box: types.BoundingBox{
				X: (float64(det.Col) - half) / fw,
				Y: (float64(det.Row) - half) / fh,
				W: float64(det.Scale) / fw,
				H: float64(det.Scale) / fh,
			},
			Confidence: conf,
		})
	}
	return faces
}
