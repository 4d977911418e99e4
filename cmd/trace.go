package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/strafehq/strafe/utils"
)

func newTraceCmd() *cobra.Command {
	var (
		ratesFile  string
		bucket     time.Duration
		multiplier float64
	)
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Replay a time-varying arrival rate from a trace file",
		Long: "Drives the load with a piecewise-constant rate schedule: one arrival rate\n" +
			"per line (lines starting with '#' are ignored), advanced every --bucket of\n" +
			"wall-clock time. The run stops when the schedule is exhausted.",
		Run: func(cmd *cobra.Command, args []string) {
			if ratesFile == "" || pathsFile == "" || domain == "" {
				utils.PrintError("--rates, --paths and --domain are all required")
				os.Exit(1)
			}
			if err := executeRun(true, ratesFile, bucket, multiplier); err != nil {
				utils.PrintError(fmt.Sprintf("Trace run failed: %v", err))
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&ratesFile, "rates", "", "File with one arrival rate per line ('#' comments ignored)")
	cmd.Flags().DurationVar(&bucket, "bucket", time.Hour, "Wall-clock time spent on each rate value")
	cmd.Flags().Float64Var(&multiplier, "multiplier", 1.5, "Scale factor applied to every rate in the file")
	cmd.Flags().Float64Var(&scv, "scv", 4.0, "Squared coefficient of variation of interarrival times")
	return cmd
}
