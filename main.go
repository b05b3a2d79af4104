package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func main() {
	cfg := LoadConfig()
	setupLogging(cfg.LogLevel)

	log.Info().
		Str("addr", cfg.Addr()).
		Str("db_path", cfg.DBPath).
		Msg("S3Chat server starting")

	db, err := NewDatabase(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.CreateTables(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create tables")
	}

	server := NewServer(db, cfg)

	// Seed the registry's directory view once the schema exists.
	if err := server.registry.LoadDirectory(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load user directory")
	}

	handler := corsMiddleware(cfg.AllowedOrigins, loggingMiddleware(server.RegisterRoutes()))

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: handler,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}
