package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/laylaymen/kriptobot-sub006/config"
	"github.com/laylaymen/kriptobot-sub006/internal/bus"
	"github.com/laylaymen/kriptobot-sub006/internal/feed"
	"github.com/laylaymen/kriptobot-sub006/internal/ratelimit"
	"github.com/laylaymen/kriptobot-sub006/internal/rawstore"
	"github.com/laylaymen/kriptobot-sub006/internal/rules"
	"github.com/laylaymen/kriptobot-sub006/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	}).Info("starting market data feed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	eventBus := bus.New()
	guard := rules.NewGuard()

	limiter := ratelimit.New(ratelimit.Config{
		BaseURL:           cfg.RateLimit.RESTBaseURL,
		WeightMax:         cfg.RateLimit.RequestWeightMax,
		WeightWindow:      time.Duration(cfg.RateLimit.RequestWeightWindowMs) * time.Millisecond,
		OrderCountMax:     cfg.RateLimit.OrderCountMax,
		OrderCountWindow:  time.Duration(cfg.RateLimit.OrderCountWindowMs) * time.Millisecond,
		RawRequestMax:     cfg.RateLimit.RawRequestMax,
		RawRequestWindow:  time.Duration(cfg.RateLimit.RawRequestWindowMs) * time.Millisecond,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.BurstSize,
		MinBackoff:        time.Duration(cfg.RateLimit.MinBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(cfg.RateLimit.MaxBackoffMs) * time.Millisecond,
		BackoffMultiplier: cfg.RateLimit.BackoffMultiplier,
		RequestTimeout:    time.Duration(cfg.RateLimit.RequestTimeoutMs) * time.Millisecond,
	})

	store, err := rawstore.NewStore(rawstore.Config{
		Root:           cfg.Storage.Root,
		Compress:       cfg.Storage.Compress,
		Partition:      cfg.Storage.Partition,
		FlushInterval:  time.Duration(cfg.Storage.FlushIntervalMs) * time.Millisecond,
		MaxBufferSize:  cfg.Storage.MaxBufferSize,
		FeatureHistory: cfg.Storage.FeatureHistory,
		S3:             cfg.Storage.S3,
	})
	if err != nil {
		log.WithError(err).Error("Failed to create raw store")
		os.Exit(1)
	}

	orchestrator := feed.NewOrchestrator(cfg, guard, limiter, store, eventBus)

	if err := limiter.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start rate limiter")
		os.Exit(1)
	}
	if err := store.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start raw store")
		os.Exit(1)
	}
	if err := orchestrator.Initialize(ctx); err != nil {
		log.WithError(err).Error("Failed to initialize feed orchestrator")
		os.Exit(1)
	}
	if err := orchestrator.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start feed orchestrator")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		// Producers stop first so the store's final flush sees every message.
		log.Info("stopping feed orchestrator")
		orchestrator.Stop()

		log.Info("stopping rate limiter")
		limiter.Stop()

		log.Info("stopping raw store")
		store.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("market data feed stopped")
}
