package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/interfect/spartic/internal/agent"
	"github.com/interfect/spartic/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a Spartic node",
		Long:  "Start a Spartic node: one session per configured group, dialing and accepting the peers it names.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("create agent: %w", err)
			}

			fmt.Printf("Starting spartic node %s\n", a.ID().String())

			if err := a.Start(); err != nil {
				return fmt.Errorf("start agent: %w", err)
			}

			if cfg.Metrics.Enabled {
				go serveMetrics(cfg.Metrics.Address, cfg.Metrics.Path)
			}

			stats := a.Stats()
			fmt.Printf("Status: running (groups: %d)\n", stats.Groups)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./spartic.yaml", "path to configuration file")
	return cmd
}

func serveMetrics(address, path string) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	_ = http.ListenAndServe(address, mux)
}
