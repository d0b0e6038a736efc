package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/capability"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report whether this machine supports the full anonymization pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		runProbe()
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe() {
	report := capability.Detect()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CAPABILITY\tAVAILABLE")
	fmt.Fprintln(w, "----------\t---------")
	fmt.Fprintf(w, "ffmpeg/ffprobe\t%s\n", yesNo(report.HasFFmpeg))
	fmt.Fprintf(w, "face detector\t%s\n", yesNo(report.HasDetector))
	fmt.Fprintf(w, "full pipeline\t%s\n", yesNo(report.SupportsPipeline))
	w.Flush()

	if !report.SupportsPipeline && report.HasFFmpeg {
		fmt.Fprintln(os.Stderr, "⚠️  Jobs will run in degraded mode: the whole frame gets blurred.")
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
