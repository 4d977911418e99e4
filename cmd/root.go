package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/strafehq/strafe/utils"
)

var (
	arrivalRate float64
	pathsFile   string
	domain      string
	scv         float64
	seed        int64
	eventLog    string
	metricsAddr string
	maxRate     float64
	runFor      time.Duration
	configFile  string
	debug       bool
)

var StrafeVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "strafe",
	Short:   "Strafe is an open-loop HTTP load generator",
	Version: StrafeVersion,
	Run: func(cmd *cobra.Command, args []string) {
		if configFile != "" {
			if err := applyConfigFile(cmd); err != nil {
				utils.PrintError(fmt.Sprintf("Error reading config file: %v", err))
				os.Exit(1)
			}
		}
		if arrivalRate <= 0 {
			utils.PrintError("A positive --rate is required")
			os.Exit(1)
		}
		if pathsFile == "" || domain == "" {
			utils.PrintError("Both --paths and --domain are required")
			os.Exit(1)
		}
		if err := executeRun(false, "", 0, 0); err != nil {
			utils.PrintError(fmt.Sprintf("Run failed: %v", err))
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&pathsFile, "paths", "f", "", "File with one relative request path per line")
	rootCmd.PersistentFlags().StringVarP(&domain, "domain", "d", "", "Target domain, e.g. http://example.org or example.org:8080")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "PRNG seed for reproducible runs (0 seeds from the clock)")
	rootCmd.PersistentFlags().StringVarP(&eventLog, "log", "o", "client.log", "Per-event log file path")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Expose prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().Float64Var(&maxRate, "max-rate", 0, "Safety ceiling on the submission rate in req/s (0 disables)")
	rootCmd.PersistentFlags().DurationVar(&runFor, "duration", 0, "Stop after this long (eg. 90s, 10m); default runs until signalled")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.Flags().Float64VarP(&arrivalRate, "rate", "r", 0, "Mean arrival rate in requests per second")
	rootCmd.Flags().Float64Var(&scv, "scv", 1.0, "Squared coefficient of variation of interarrival times (1 = exponential)")
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML file with run options (flags win)")

	rootCmd.AddCommand(newTraceCmd())
}
