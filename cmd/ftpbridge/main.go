package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/docdrop/ftpbridge/internal/auth"
	"github.com/docdrop/ftpbridge/internal/ftp"
	"github.com/docdrop/ftpbridge/internal/ingest"
	"github.com/docdrop/ftpbridge/internal/journal"
	"github.com/docdrop/ftpbridge/internal/ops"
	"github.com/docdrop/ftpbridge/internal/staging"
	"github.com/docdrop/ftpbridge/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()
	setupLogging(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().Msg("starting ftpbridge")

	// Fail fast on a bad ingestion URL or token before opening the
	// FTP listener.
	client := ingest.NewClient(cfg.Ingest.URL, cfg.Ingest.Token)
	healthCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := client.HealthCheck(healthCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reach ingestion service")
	}
	log.Info().Str("url", cfg.Ingest.URL).Msg("ingestion service reachable")

	jnl, err := journal.Open(&cfg.Journal)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open upload journal")
	}
	var recorder journal.Recorder
	if jnl != nil {
		defer jnl.Close()
		recorder = jnl
	}

	store, err := staging.NewStore(cfg.Staging.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize staging store")
	}

	bridge := ingest.NewBridge(client, recorder, &cfg.Ingest)
	authn := auth.NewStaticAuthenticator(&cfg.FTP)
	ftpServer := ftp.NewServer(&cfg.FTP, authn, store, bridge)

	errCh := make(chan error, 2)
	go func() {
		errCh <- ftpServer.ListenAndServe()
	}()

	var opsServer *ops.Server
	if cfg.Ops.ListenAddr != "" {
		opsServer = ops.NewServer(cfg.Ops.ListenAddr, client, ftpServer, jnl)
		go func() {
			errCh <- opsServer.ListenAndServe()
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.FTP.ShutdownGrace)
	defer cancel()

	if opsServer != nil {
		if err := opsServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("ops endpoint shutdown failed")
		}
	}
	if err := ftpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("FTP server forced to shut down")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
