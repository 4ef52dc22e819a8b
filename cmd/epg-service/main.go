package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/AntonSheinin/epg-service/internal/config"
	"github.com/AntonSheinin/epg-service/internal/downloader"
	"github.com/AntonSheinin/epg-service/internal/pipeline"
	"github.com/AntonSheinin/epg-service/internal/scheduler"
	"github.com/AntonSheinin/epg-service/internal/server"
	"github.com/AntonSheinin/epg-service/internal/storage"
	"github.com/AntonSheinin/epg-service/internal/xmltv"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath, log)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	pipe := pipeline.New(
		store,
		downloader.New(cfg.DownloadAttempts, cfg.DownloadBackoff, cfg.DownloadTimeout),
		xmltv.New(cfg.ParseTimeout, log),
		&pipeline.Gate{},
		pipeline.Options{
			Sources:     cfg.SourceURLs,
			ArchiveDays: cfg.ArchiveDays,
			FutureDays:  cfg.FutureDays,
			Concurrency: cfg.FetchConcurrency,
			Bulk: storage.BulkOptions{
				ChunkSize:            cfg.InsertChunkSize,
				CacheSizeKB:          cfg.DBCacheSizeKB,
				CheckpointRetries:    cfg.CheckpointRetries,
				CheckpointBackoff:    cfg.CheckpointBackoff,
				CheckpointBackoffMax: cfg.CheckpointBackoffMax,
			},
		},
		log,
	)

	sched := scheduler.New(pipe, cfg.FetchInterval, log)
	srv := server.New(store, pipe, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go sched.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("starting epg-service", "addr", cfg.ListenAddr, "sources", len(cfg.SourceURLs))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", "error", err)
		os.Exit(1)
	}

	log.Info("epg-service stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
