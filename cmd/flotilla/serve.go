package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/flotilla"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flotilla.DefaultConfig()
			if configPath != "" {
				loaded, err := flotilla.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			engine, err := flotilla.New(cfg)
			if err != nil {
				return err
			}
			srv := engine.Serve()
			engine.StartReconciler()
			slog.Info("flotilla serving", "listen", cfg.Server.Listen)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			slog.Info("shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown", "error", err)
			}
			return engine.Close()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	return cmd
}
