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

	"github.com/joho/godotenv"

	"github.com/Kdhungel/ai-newsletter-system/internal/analytics"
	"github.com/Kdhungel/ai-newsletter-system/internal/compose"
	"github.com/Kdhungel/ai-newsletter-system/internal/config"
	"github.com/Kdhungel/ai-newsletter-system/internal/dispatch"
	"github.com/Kdhungel/ai-newsletter-system/internal/mail"
	"github.com/Kdhungel/ai-newsletter-system/internal/metrics"
	"github.com/Kdhungel/ai-newsletter-system/internal/pipeline"
	"github.com/Kdhungel/ai-newsletter-system/internal/scheduler"
	"github.com/Kdhungel/ai-newsletter-system/internal/server"
	"github.com/Kdhungel/ai-newsletter-system/internal/source"
	"github.com/Kdhungel/ai-newsletter-system/internal/storage"
	"github.com/Kdhungel/ai-newsletter-system/internal/summarize"
	"github.com/Kdhungel/ai-newsletter-system/internal/tracking"
)

func main() {
	_ = godotenv.Load()

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

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	srcCfg, err := source.LoadConfig(cfg.SourcesPath)
	if err != nil {
		log.Error("load sources", "path", cfg.SourcesPath, "error", err)
		os.Exit(1)
	}
	sources := source.NewMulti(source.Build(srcCfg, http.DefaultClient), log)

	composer, err := compose.New(cfg.BaseURL)
	if err != nil {
		log.Error("create composer", "error", err)
		os.Exit(1)
	}

	var transport mail.Transport
	if cfg.SMTPConfigured() {
		transport = mail.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.FromAddress)
	} else {
		log.Warn("SMTP not configured, messages will be logged instead of sent")
		transport = mail.NewLog(log)
	}

	m := metrics.New()
	coordinator := dispatch.New(store, transport, m, log, dispatch.Config{
		Workers:          cfg.DispatchWorkers,
		MaxAttempts:      cfg.MaxSendAttempts,
		SendTimeout:      cfg.SendTimeout,
		FailureThreshold: cfg.FailureThreshold,
	})

	orch := pipeline.New(store, sources, summarize.NewHeuristic(0), composer, coordinator, m, log,
		pipeline.Config{MaxItems: cfg.MaxItems, MaxPerMessage: cfg.MaxPerMessage})

	aggregator := analytics.New(store, log)
	ledger := tracking.NewLedger(store, aggregator, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(ctx, store, ledger, aggregator, orch, m, log, cfg.FallbackURL)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sched := scheduler.New(orch, log, cfg.RunInterval)
	go sched.Run(ctx)

	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	log.Info("stopped")
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
