package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/driftworks/boardsync/internal/config"
	"github.com/driftworks/boardsync/internal/relay"
)

func main() {
	_ = godotenv.Load()
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.LoadRelay()
	if cfg.Secret == "" {
		logger.Fatal().Msg("BOARDSYNC_JWT_SECRET is required")
	}

	backend, err := relay.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		logger.Fatal().Err(err).Str("dsn", cfg.StateDSN).Msg("failed to build state backend")
	}

	server, err := relay.NewServer(relay.ServerOptions{
		Secret:  cfg.Secret,
		Backend: backend,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build relay server")
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Addr).Msg("boardsync relay listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}

	// Flush workspace snapshots before exit.
	server.Close()
	_ = backend.Close()
	logger.Info().Msg("boardsync relay stopped")
}
