package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"slateboard/api/internal/app"
	"slateboard/api/internal/attach"
	"slateboard/api/internal/blob"
	"slateboard/api/internal/config"
	"slateboard/api/internal/document"
	"slateboard/api/internal/presence"
	"slateboard/api/internal/ratelimit"
	"slateboard/api/internal/room"
	"slateboard/api/internal/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	dataStore := store.NewPostgresStore(db)

	blobs, err := blob.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatal().Err(err).Msg("object store connection failed")
	}

	snapshotKey, err := cfg.SnapshotKeyBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("snapshot key invalid")
	}
	codec, err := document.NewWhiteboardCodec(snapshotKey)
	if err != nil {
		log.Fatal().Err(err).Msg("snapshot codec init failed")
	}

	var limiter *ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		limiter, err = ratelimit.New(cfg.RedisURL, cfg.ConnRateLimit, cfg.ConnRateWindow, log)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer limiter.Close()
	} else {
		log.Warn().Msg("REDIS_URL not set, connection rate limiting disabled")
	}

	loader := &room.SnapshotLoader{Boards: dataStore, Blobs: blobs}
	registry := room.NewRegistry(loader, []document.Codec{codec}, log)
	scheduler := room.NewScheduler(registry, dataStore, blobs, cfg.SweepInterval, log)
	attachments := attach.NewService(blobs, log)
	hub := presence.NewHub()
	tracker := presence.NewTracker(registry, scheduler, attachments, hub, log)

	service := app.New(cfg, dataStore, registry, scheduler, tracker, attachments, hub, limiter, log)

	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(schedulerCtx)
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("slateboard realtime api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	// Stop the sweep loop; its final pass flushes every live room.
	stopScheduler()
	select {
	case <-schedulerDone:
	case <-time.After(30 * time.Second):
		log.Error().Msg("scheduler final sweep timed out")
	}
}
