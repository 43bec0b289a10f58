// Package main wires together the ingest service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/api"
	"github.com/feedmill/ingestd/internal/clock/system"
	"github.com/feedmill/ingestd/internal/config"
	"github.com/feedmill/ingestd/internal/dispatcher"
	"github.com/feedmill/ingestd/internal/feedingest"
	"github.com/feedmill/ingestd/internal/id/uuid"
	"github.com/feedmill/ingestd/internal/ingest"
	lockmemory "github.com/feedmill/ingestd/internal/lock/memory"
	lockredis "github.com/feedmill/ingestd/internal/lock/redis"
	"github.com/feedmill/ingestd/internal/logging"
	"github.com/feedmill/ingestd/internal/metrics"
	"github.com/feedmill/ingestd/internal/orchestrator"
	queuememory "github.com/feedmill/ingestd/internal/queue/memory"
	queuepubsub "github.com/feedmill/ingestd/internal/queue/pubsub"
	"github.com/feedmill/ingestd/internal/scheduler"
	sinkgcs "github.com/feedmill/ingestd/internal/sink/gcs"
	sinklocal "github.com/feedmill/ingestd/internal/sink/local"
	sinkmemory "github.com/feedmill/ingestd/internal/sink/memory"
	storememory "github.com/feedmill/ingestd/internal/store/memory"
	storepostgres "github.com/feedmill/ingestd/internal/store/postgres"
	crontrigger "github.com/feedmill/ingestd/internal/trigger/cron"
	webworker "github.com/feedmill/ingestd/internal/worker/web"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, stop); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, stop context.CancelFunc) error {
	clock := system.New()
	idGen := uuid.NewUUIDGenerator()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build document store: %w", err)
	}
	defer closeStore()

	locker, err := buildLocker(cfg, clock)
	if err != nil {
		return fmt.Errorf("build locker: %w", err)
	}

	queue, closeQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}
	defer closeQueue()

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build content sink: %w", err)
	}

	worker := webworker.New(sink, webworker.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Timeout:        time.Duration(cfg.Crawler.TimeoutSeconds) * time.Second,
		PagesPerInvoke: cfg.Crawler.PagesPerInvoke,
	}, logger.Named("worker"))

	orchCfg := orchestrator.Config{WallClock: cfg.WallClock()}
	var orchestrators []*orchestrator.Orchestrator
	for i := 0; i < cfg.Orchestrator.Concurrency; i++ {
		orchestrators = append(orchestrators, orchestrator.New(
			queue,
			store,
			worker,
			locker,
			clock,
			orchCfg,
			logger.Named("orchestrator").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, locker, orchestrators,
		dispatcher.Config{LockTTL: cfg.LockTTL()}, logger.Named("dispatcher"))

	source := feedingest.NewHTTPSource(cfg.Feed.UserAgent,
		time.Duration(cfg.Feed.TimeoutSeconds)*time.Second)
	ingestor := feedingest.New(store, source, dispatch, idGen, clock, feedingest.Config{
		LinkLimit: cfg.Feed.LinkLimit,
		PageSize:  cfg.Scheduler.PageSize,
	}, logger.Named("feedingest"))

	triggers := crontrigger.New(ingestor.HandleTrigger, logger.Named("triggers"))
	triggers.Start()
	defer triggers.Stop()

	sched := scheduler.New(store, triggers, idGen, clock, scheduler.Config{
		Interval: time.Duration(cfg.Scheduler.IntervalHours) * time.Hour,
		PageSize: cfg.Scheduler.PageSize,
	}, logger.Named("scheduler"))

	apiServer := api.NewServer(store, dispatch, sched, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("orchestrators", cfg.Orchestrator.Concurrency))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildStore(ctx context.Context, cfg config.Config) (ingest.DocumentStore, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		store, err := storepostgres.New(ctx, storepostgres.Config{
			DSN:      cfg.Store.DSN,
			Table:    cfg.Store.Table,
			MaxConns: int32(cfg.Store.MaxOpenConns),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return storememory.NewDocumentStore(), func() {}, nil
	}
}

func buildLocker(cfg config.Config, clock ingest.Clock) (ingest.Locker, error) {
	switch cfg.Lock.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		return lockredis.New(client), nil
	default:
		return lockmemory.New(clock), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (ingest.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case "pubsub":
		q, err := queuepubsub.NewQueue(ctx, queuepubsub.Config{
			ProjectID:      cfg.Queue.ProjectID,
			TopicID:        cfg.Queue.TopicName,
			SubscriptionID: cfg.Queue.Subscription,
		}, logger.Named("queue"))
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	default:
		q := queuememory.NewQueue(cfg.Queue.Depth)
		return q, q.Close, nil
	}
}

func buildSink(ctx context.Context, cfg config.Config) (ingest.ContentSink, error) {
	switch cfg.Sink.Backend {
	case "local":
		return sinklocal.New(sinklocal.Config{BaseDir: cfg.Sink.BaseDir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return sinkgcs.New(client, sinkgcs.Config{Bucket: cfg.Sink.GCSBucket})
	default:
		return sinkmemory.New(), nil
	}
}
