package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/store"
)

var (
	anonInput       string
	anonOutput      string
	anonStyle       string
	anonStrength    int
	anonExpansion   float64
	anonCadence     int
	anonConfidence  float64
	anonCascade     string
	anonPassthrough bool
)

var anonymizeCmd = &cobra.Command{
	Use:   "anonymize",
	Short: "Blur every face in a video, preserving the original audio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnonymize(cmd.Context(), cmd.Flags().Changed("style"))
	},
}

func init() {
	anonymizeCmd.Flags().StringVarP(&anonInput, "input", "i", "", "Path to input video")
	anonymizeCmd.Flags().StringVarP(&anonOutput, "output", "o", "anonymized.mp4", "Path to output video")
	anonymizeCmd.Flags().StringVar(&anonStyle, "style", config.StyleGauss, "Obscuring style: gauss, pixel, black")
	anonymizeCmd.Flags().IntVarP(&anonStrength, "strength", "s", 0, "Blur strength (0 = default)")
	anonymizeCmd.Flags().Float64Var(&anonExpansion, "expansion", 0, "Face box expansion factor (0 = default)")
	anonymizeCmd.Flags().IntVar(&anonCadence, "cadence", 0, "Widest detection interval in frames (0 = default)")
	anonymizeCmd.Flags().Float64VarP(&anonConfidence, "detection-threshold", "D", 0, "Face detection confidence threshold (0 = default)")
	anonymizeCmd.Flags().StringVar(&anonCascade, "cascade", "", "Path to the face detection cascade file")
	anonymizeCmd.Flags().BoolVar(&anonPassthrough, "passthrough", false, "Copy input to output unchanged, skipping anonymization")

	anonymizeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(anonymizeCmd)
}

func runAnonymize(ctx context.Context, styleSet bool) error {
	// Safety check: prevent overwriting the input file which causes corruption
	inAbs, _ := filepath.Abs(anonInput)
	outAbs, _ := filepath.Abs(anonOutput)
	if inAbs == outAbs {
		return fmt.Errorf("input and output paths must be different to prevent file corruption")
	}

	cfg := buildConfig(styleSet)
	if err := cfg.Validate(); err != nil {
		return err
	}

	progress := newProgressDisplay("Anonymizing")
	result := pipeline.ProcessVideo(ctx, anonInput, anonOutput, cfg, progress.update)
	progress.finish()

	if DB != nil {
		if jobID, err := store.JobID(anonInput); err == nil {
			if err := DB.RecordJob(context.Background(), jobID, anonInput, result); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "runAnonymize",
					"error":    err,
				}).Warn("Failed to journal job")
			}
		}
	}

	if !result.Success {
		return fmt.Errorf("%s", result.Error.Error())
	}

	fmt.Fprintf(os.Stderr, "✅ Done: %s\n", result.OutputPath)
	fmt.Fprintf(os.Stderr, "   %d frames, %d face(s), %.1fs\n",
		result.FramesProcessed, result.FacesDetected, float64(result.DurationMs)/1000)
	return nil
}

// buildConfig layers CLI flags over the environment configuration. Zero
// values mean "not set" and keep the configured default. The style flag
// has a non-zero default, so only an explicitly set flag may shadow the
// environment.
func buildConfig(styleSet bool) config.BlurConfig {
	cfg := config.Load()
	if styleSet {
		cfg.Style = anonStyle
	}
	cfg.Passthrough = anonPassthrough
	if anonStrength > 0 {
		cfg.Intensity = anonStrength
	}
	if anonExpansion > 0 {
		cfg.ExpansionFactor = anonExpansion
	}
	if anonCadence > 0 {
		cfg.DetectionCadence = anonCadence
	}
	if anonConfidence > 0 {
		cfg.ConfidenceThreshold = anonConfidence
	}
	if anonCascade != "" {
		cfg.CascadePath = anonCascade
	}
	return cfg
}

// progressDisplay renders pipeline progress. The bar is created on the
// first callback: a known total gives a percent bar, an unknown one a
// spinner.
type progressDisplay struct {
	label string
	bar   *progressbar.ProgressBar
}

func newProgressDisplay(label string) *progressDisplay {
	return &progressDisplay{label: label}
}

func (p *progressDisplay) update(percent float64, status string) {
	if p.bar == nil {
		var total int64 = 100
		if percent < 0 {
			total = -1 // Trigger spinner mode
		}
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetDescription(p.label),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
	}
	if percent >= 0 {
		p.bar.Set(int(percent))
	} else {
		p.bar.Add(1)
	}
}

func (p *progressDisplay) finish() {
	if p.bar != nil {
		p.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}
