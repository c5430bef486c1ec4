package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitushen/modelprobe/internal/cache"
	"github.com/hitushen/modelprobe/internal/classify"
	"github.com/hitushen/modelprobe/internal/config"
	"github.com/hitushen/modelprobe/internal/logger"
	"github.com/hitushen/modelprobe/internal/models"
	"github.com/hitushen/modelprobe/internal/probe"
	"github.com/hitushen/modelprobe/internal/realtime"
	"github.com/hitushen/modelprobe/internal/server"
	"github.com/hitushen/modelprobe/internal/store"
	"github.com/hitushen/modelprobe/internal/verifier"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", false).Fatalf("config: %v", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	defer func() { _ = log.Sync() }()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.EnsureAdmin(ctx, cfg.AdminUser, cfg.AdminPassword); err != nil {
		log.Fatalf("ensure admin: %v", err)
	}

	tunables, err := classify.LoadTunables(cfg.ClassifierFile)
	if err != nil {
		log.Fatalf("classifier: %v", err)
	}

	probeCache, err := cache.Connect(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.CacheTTL,
	}, log)
	if err != nil {
		log.Warn("probe cache disabled", logger.Error(err))
	}
	defer probeCache.Close()

	responder := probe.NewResponder(log)
	responder.RetryDelay = cfg.RetryDelay
	prober := probe.NewProber(responder, classify.NewDetector(tunables), probe.Options{
		SystemPromptMaxWords: tunables.SystemPromptMaxWords,
	}, log)

	broker := realtime.NewBroker()
	batchPause := cfg.BatchPause
	if batchPause == 0 {
		batchPause = -1
	}
	manager := verifier.NewManager(st, prober, verifier.Options{
		BatchPause: batchPause,
		Scanner:    verifier.NewNaabuScanner(cfg.ScanTimeout),
		Cache:      probeCache,
		Broker:     broker,
		Logger:     log,
	})
	defer manager.Close()

	manager.StartTicker(cfg.VerifyInterval, verifier.RunOptions{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Mode:      models.ModeNormal,
	})
	manager.StartSweepTicker(cfg.SweepInterval, models.ModeNormal)

	srv := server.New(cfg, st, manager, broker, log)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("modelprobe listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	// 优雅地关闭服务
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", logger.Error(err))
	}
}
