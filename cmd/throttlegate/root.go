package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "throttlegate",
	Short: "Throttlegate - adaptive rate limiting API gateway",
	Long: `Throttlegate authenticates API keys, matches routes to upstream services and
admits each request through an adaptive token bucket limiter per key and route.

Limiters shrink their usable burst as observed load approaches the configured
rate, charge more tokens per request under load, and let higher priority keys
dip into a reserve that lower priorities cannot touch.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}
