package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gbear605/manifold/internal/server"
)

const shutdownTimeout = 30 * time.Second

// serveCmd runs the gateway until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP and realtime server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info().
		Str("config", configPath).
		Str("addr", cfg.Addr()).
		Str("storage", cfg.Storage.Path).
		Bool("documentApi", cfg.UsesDocumentAPI()).
		Bool("cache", cfg.IsCacheEnabled()).
		Msg("starting manifold-gateway")

	srv, err := server.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return err
	}
	return nil
}
