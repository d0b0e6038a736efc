// Package capability answers, once per process, whether this machine can
// run the full anonymization pipeline.
//
// The probe never fails: any error while probing is read as "capability
// absent" and folded into the report. The orchestrator uses the report to
// pick between the full pipeline, the degraded full-frame-blur pipeline,
// and refusing the job outright.
package capability

import (
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/detect"
)

// Report describes what the current host supports.
type Report struct {
	// HasDetector is true when the face cascade loads and unpacks.
	HasDetector bool
	// HasFFmpeg is true when both ffmpeg and ffprobe are on PATH.
	HasFFmpeg bool
	// SupportsPipeline is true when per-face anonymization can run
	// end to end. With HasFFmpeg but no detector, only the degraded
	// full-frame blur is available.
	SupportsPipeline bool
}

var (
	once   sync.Once
	cached Report
)

// Detect probes the host once and caches the result for the process
// lifetime. It never returns an error and never panics.
func Detect() Report {
	once.Do(func() {
		cached = probe(config.Load().CascadePath)
		logrus.WithFields(logrus.Fields{
			"function":          "Detect",
			"has_detector":      cached.HasDetector,
			"has_ffmpeg":        cached.HasFFmpeg,
			"supports_pipeline": cached.SupportsPipeline,
		}).Info("Capability probe complete")
	})
	return cached
}

// IsFaceAnonymizationSupported is the thin boolean wrapper callers check
// before attempting a job.
func IsFaceAnonymizationSupported() bool {
	return Detect().SupportsPipeline
}

// probe does the actual checks. Split from Detect so tests can exercise
// it without the process-wide cache.
func probe(cascadePath string) (r Report) {
	// A panic inside a probe is still just "capability absent".
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithFields(logrus.Fields{
				"function": "probe",
				"panic":    rec,
			}).Warn("Capability probe panicked, treating capabilities as absent")
			r = Report{}
		}
	}()

	r.HasFFmpeg = hasBinary("ffmpeg") && hasBinary("ffprobe")

	if _, err := detect.NewPigoDetector(cascadePath, 0); err == nil {
		r.HasDetector = true
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "probe",
			"cascade":  cascadePath,
			"error":    err.Error(),
		}).Debug("Face detector unavailable")
	}

	r.SupportsPipeline = r.HasFFmpeg && r.HasDetector
	return r
}

func hasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
