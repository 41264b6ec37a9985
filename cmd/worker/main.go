package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/assets"
	"github.com/Prekzursil/momentstudio-sub002/internal/config"
	"github.com/Prekzursil/momentstudio-sub002/internal/heartbeat"
	"github.com/Prekzursil/momentstudio-sub002/internal/logging"
	"github.com/Prekzursil/momentstudio-sub002/internal/media"
	"github.com/Prekzursil/momentstudio-sub002/internal/models"
	"github.com/Prekzursil/momentstudio-sub002/internal/notify"
	"github.com/Prekzursil/momentstudio-sub002/internal/queue"
	"github.com/Prekzursil/momentstudio-sub002/internal/retry"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
	"github.com/Prekzursil/momentstudio-sub002/internal/telemetry"
	"github.com/Prekzursil/momentstudio-sub002/internal/worker"
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

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	pub := heartbeat.NewPublisher(rdb, logger, workerID, cfg.AppVersion,
		heartbeat.WithPublishInterval(cfg.HeartbeatInterval),
		heartbeat.WithTTL(cfg.HeartbeatTTL),
		heartbeat.WithBrokerStatus(broker.Available),
	)

	var sink notify.Sink = notify.Nop{}
	if cfg.EscalationWebhookURL != "" {
		sink = notify.NewWebhook(cfg.EscalationWebhookURL, cfg.EscalationWebhookSecret, nil)
	}

	assetStore, err := newAssetStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init asset store", zap.Error(err))
	}

	handlers := media.New(logger, assetStore, mediaOptions(cfg, st, logger, rdb)...)

	exec := worker.NewExecutor(st, logger,
		worker.WithHandlerTimeout(cfg.HandlerTimeout),
		worker.WithNotifier(sink),
		worker.WithTracker(pub),
	)
	exec.RegisterHandler(models.TypeIngest, handlers.Ingest)
	exec.RegisterHandler(models.TypeVariant, handlers.Variant)
	exec.RegisterHandler(models.TypeEdit, handlers.Edit)
	exec.RegisterHandler(models.TypeAITag, handlers.AITag)
	exec.RegisterHandler(models.TypeDuplicateScan, handlers.DuplicateScan)
	exec.RegisterHandler(models.TypeUsageReconcile, handlers.UsageReconcile)

	poller := worker.NewPoller(st, broker, exec, logger, workerID,
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithBatchSize(cfg.PollBatchSize),
		worker.WithLeaseTimeout(cfg.LeaseTimeout),
	)

	metricsServer := newMetricsServer(cfg.MetricsAddr)
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()
	for i := 0; i < cfg.WorkerCount; i++ {
		loop := worker.NewLoop(st, broker, exec, logger.With(zap.Int("loop", i)), workerID,
			worker.WithPopTimeout(cfg.BrokerPopTimeout),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("concurrency", cfg.WorkerCount),
	)

	<-ctx.Done()
	logger.Info("shutting down, waiting for in-flight jobs")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func newAssetStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (assets.Store, error) {
	if cfg.S3Bucket != "" {
		logger.Info("using s3 asset store", zap.String("bucket", cfg.S3Bucket))
		return assets.NewS3(ctx, assets.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	}
	logger.Info("using local asset store", zap.String("dir", cfg.AssetsDir))
	return assets.NewLocal(cfg.AssetsDir), nil
}

func mediaOptions(cfg config.Config, st store.Store, logger *zap.Logger, rdb *redis.Client) []media.Option {
	opts := []media.Option{
		media.WithDuplicateIndex(media.NewDuplicateIndex(rdb)),
		media.WithDownloadClient(&http.Client{Timeout: cfg.DownloadTimeout}),
		media.WithMaxBytes(cfg.AssetMaxBytes),
		media.WithPreviewWidth(cfg.PreviewWidth),
		media.WithProgress(func(ctx context.Context, jobID string, pct int) {
			err := st.SetProgress(ctx, jobID, pct)
			if err != nil && !errors.Is(err, store.ErrNotProcessing) {
				logger.Warn("progress update failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}),
	}
	if cfg.TaggerURL != "" {
		opts = append(opts, media.WithTagger(media.NewHTTPTagger(cfg.TaggerURL, nil)))
	}
	if cfg.UsageScannerURL != "" {
		opts = append(opts, media.WithUsageScanner(media.NewHTTPUsageScanner(cfg.UsageScannerURL, nil)))
	}
	return opts
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
