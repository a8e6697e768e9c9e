package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/frpbridge"
)

func createServeCommand(g *GlobalFlags) *cobra.Command {
	var mode string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		Long: `Run the bridge daemon: load settings, restore persisted state, expose the
HTTP API and supervise the frp child process until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(g.ConfigPath, mode)
		},
	}
	serve.Flags().StringVar(&mode, "mode", "", "frp role: server or client (overrides settings file)")
	return serve
}

func runServe(configPath, mode string) error {
	cfg, err := frpbridge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Mode = mode
	}

	if err := frpbridge.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	bridge, err := frpbridge.New(cfg, nil)
	if err != nil {
		return err
	}
	if err := bridge.Serve(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return bridge.Close(ctx)
}
