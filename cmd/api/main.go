package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/api"
	"github.com/Prekzursil/momentstudio-sub002/internal/config"
	"github.com/Prekzursil/momentstudio-sub002/internal/heartbeat"
	"github.com/Prekzursil/momentstudio-sub002/internal/logging"
	"github.com/Prekzursil/momentstudio-sub002/internal/queue"
	"github.com/Prekzursil/momentstudio-sub002/internal/ratelimit"
	"github.com/Prekzursil/momentstudio-sub002/internal/retry"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
	"github.com/Prekzursil/momentstudio-sub002/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrations.Run(cfg.PostgresDSN); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	rules, err := retry.ParseRules(cfg.RetryRulesJSON)
	if err != nil {
		logger.Fatal("parse retry rules", zap.Error(err))
	}
	resolver := retry.NewResolver(rules)

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, resolver)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	rdb := queue.NewClient(cfg)
	defer func() { _ = rdb.Close() }()

	broker := queue.NewBroker(ctx, rdb, logger, queue.WithReadyKey(cfg.ReadyListKey))
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	workers := heartbeat.NewReader(rdb, logger)

	server := api.New(logger, st, broker, limiter, workers)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
