// Package config holds the blur pipeline configuration.
//
// Precedence is compiled defaults, then a .env file / process environment
// (VEIL_* keys), then whatever the caller sets explicitly on the struct.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Redaction styles understood by the blur engine.
const (
	StyleGauss = "gauss"
	StylePixel = "pixel"
	StyleBlack = "black"
)

// BlurConfig is the per-job configuration of the anonymization pipeline.
type BlurConfig struct {
	// Style selects the obscuring transform: gauss, pixel or black.
	Style string

	// Intensity is the baseline blur radius in pixels (gauss) and the
	// scaling base for pixelation block size.
	Intensity int

	// ExpansionFactor grows each face box before blurring so prediction
	// error and landmark variance never leave skin visible.
	ExpansionFactor float64

	// PixelationScale is the pixelation block size as a fraction of the
	// face box width.
	PixelationScale float64

	// ConfidenceThreshold is the minimum detector confidence for a hit to
	// reach the tracker. Kept low on purpose: tracking compensates for
	// false positives, missed faces it cannot fix.
	ConfidenceThreshold float64

	// DetectionCadence is the widest detection interval in frames, used
	// while all tracked faces are stationary.
	DetectionCadence int

	// MovementThreshold is the per-frame velocity magnitude (normalized
	// units) above which a face counts as moving.
	MovementThreshold float64

	// MaxMissedFrames is how many consecutive predicted-only frames a
	// track survives before it is expired.
	MaxMissedFrames int

	// MaxDetectionGap bounds detection staleness as a fraction of a
	// second of video, regardless of motion state.
	MaxDetectionGap float64

	// CascadePath points at the pigo facefinder cascade.
	CascadePath string

	// Passthrough copies the input to the output unchanged, bypassing
	// detection, blurring and re-encoding entirely.
	Passthrough bool
}

// Default returns the compiled-in configuration.
func Default() BlurConfig {
	return BlurConfig{
		Style:               StyleGauss,
		Intensity:           14,
		ExpansionFactor:     1.35,
		PixelationScale:     0.15,
		ConfidenceThreshold: 0.3,
		DetectionCadence:    4,
		MovementThreshold:   0.01,
		MaxMissedFrames:     5,
		MaxDetectionGap:     0.5,
		CascadePath:         "cascade/facefinder",
	}
}

// Load builds a BlurConfig from defaults plus the environment.
func Load() BlurConfig {
	if err := godotenv.Load(); err != nil {
		// No .env file is the normal case outside development.
		logrus.WithFields(logrus.Fields{
			"function": "Load",
		}).Debug("No .env file found, using process environment")
	}

	cfg := Default()
	cfg.Style = getEnv("VEIL_STYLE", cfg.Style)
	cfg.Intensity = getEnvInt("VEIL_INTENSITY", cfg.Intensity)
	cfg.ExpansionFactor = getEnvFloat("VEIL_EXPANSION", cfg.ExpansionFactor)
	cfg.PixelationScale = getEnvFloat("VEIL_PIXEL_SCALE", cfg.PixelationScale)
	cfg.ConfidenceThreshold = getEnvFloat("VEIL_CONFIDENCE", cfg.ConfidenceThreshold)
	cfg.DetectionCadence = getEnvInt("VEIL_CADENCE", cfg.DetectionCadence)
	cfg.MovementThreshold = getEnvFloat("VEIL_MOVEMENT", cfg.MovementThreshold)
	cfg.MaxMissedFrames = getEnvInt("VEIL_MAX_MISSED", cfg.MaxMissedFrames)
	cfg.MaxDetectionGap = getEnvFloat("VEIL_MAX_GAP", cfg.MaxDetectionGap)
	cfg.CascadePath = getEnv("VEIL_CASCADE", cfg.CascadePath)
	return cfg
}

// Validate rejects configurations the pipeline cannot run with.
func (c BlurConfig) Validate() error {
	switch c.Style {
	case StyleGauss, StylePixel, StyleBlack:
	default:
		return fmt.Errorf("invalid style %q: must be one of %s, %s, %s",
			c.Style, StyleGauss, StylePixel, StyleBlack)
	}
	if c.Intensity < 1 {
		return fmt.Errorf("intensity must be >= 1, got %d", c.Intensity)
	}
	if c.ExpansionFactor < 1.0 {
		return fmt.Errorf("expansion factor must be >= 1.0, got %f", c.ExpansionFactor)
	}
	if c.PixelationScale <= 0 || c.PixelationScale > 1.0 {
		return fmt.Errorf("pixelation scale must be in (0, 1], got %f", c.PixelationScale)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("confidence threshold must be in [0, 1], got %f", c.ConfidenceThreshold)
	}
	if c.DetectionCadence < 1 {
		return fmt.Errorf("detection cadence must be >= 1, got %d", c.DetectionCadence)
	}
	if c.MovementThreshold <= 0 {
		return fmt.Errorf("movement threshold must be > 0, got %f", c.MovementThreshold)
	}
	if c.MaxMissedFrames < 1 {
		return fmt.Errorf("max missed frames must be >= 1, got %d", c.MaxMissedFrames)
	}
	if c.MaxDetectionGap <= 0 {
		return fmt.Errorf("max detection gap must be > 0, got %f", c.MaxDetectionGap)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if floatVal, err := strconv.ParseFloat(v, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}
