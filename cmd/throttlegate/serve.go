package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/throttlegate/internal/config"
	"github.com/AlexKimmel/throttlegate/internal/obs"
)

var serveFlags struct {
	watch bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway with the given configuration.

Limits in the config file are reloaded on change when --watch is set; live
limiters are retuned in place and keep their tokens and statistics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveFlags.watch, "watch", true, "reload limits when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	s, err := newServer(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchPath := ""
	if serveFlags.watch {
		watchPath = cfgFile
	}
	return s.run(ctx, watchPath)
}
