// Package main runs the exoskeleton controller simulator.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/exo-hmi/hmi/internal/devicesim"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		listen     string
		newline    bool
	)

	cmd := &cobra.Command{
		Use:          "devicesim",
		Short:        "Simulate the exoskeleton controller over TCP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := devicesim.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("newline") {
				cfg.Newline = newline
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML simulator config")
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides config)")
	cmd.Flags().BoolVar(&newline, "newline", false, "terminate telemetry objects with a newline")
	return cmd
}

func run(ctx context.Context, cfg *devicesim.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	exo := devicesim.NewExoskeleton(cfg, time.Now())
	srv := devicesim.NewServer(cfg, exo)
	if err := srv.Listen(); err != nil {
		return err
	}
	log.Printf("Simulating controller on %s every %v (%d scheduled faults)", srv.Addr(), cfg.Interval, len(cfg.Faults))

	err := srv.Serve(ctx)
	applied, dropped := srv.Stats()
	log.Printf("Simulator stopped: %d frames applied, %d dropped", applied, dropped)
	return err
}
