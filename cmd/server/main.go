package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/broadcast-engine/internal/api"
	"github.com/ignite/broadcast-engine/internal/audience"
	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/pkg/distlock"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pmta"
	"github.com/ignite/broadcast-engine/internal/repository/postgres"
	"github.com/ignite/broadcast-engine/internal/segmentation"
	"github.com/ignite/broadcast-engine/internal/signedtoken"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
	"github.com/ignite/broadcast-engine/internal/tracking"
	"github.com/ignite/broadcast-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}

	codec, err := signedtoken.New(cfg.Tracking.Secret)
	if err != nil {
		logger.Error("token codec", "error", err)
		os.Exit(1)
	}
	links := tracking.NewEngine(codec, cfg.Tracking.Host,
		tracking.WithOptOutAttribute(cfg.Tracking.OptOutAttr),
		tracking.WithLinkTTL(cfg.Tracking.LinkTTL()))
	injector := pmta.NewInjectionClient(cfg.PMTA.InjectorURL, links,
		pmta.WithTimeout(time.Duration(cfg.PMTA.TimeoutSeconds)*time.Second),
		pmta.WithMaxAttempts(cfg.PMTA.MaxAttempts),
		pmta.WithConcurrency(cfg.PMTA.Concurrency))

	queue := taskqueue.NewQueue(rdb, cfg.Queue, taskqueue.WithMaxAttempts(cfg.Delivery.TaskMaxAttempts))
	broadcasts := postgres.NewBroadcastRepo(db)
	sending := postgres.NewSendingRepo(db)

	scheduler := worker.NewScheduler(worker.SchedulerDeps{
		Broadcasts: broadcasts,
		Segments:   segmentation.NewStore(db),
		Audiences:  audience.NewSource(db, cfg.Delivery.BatchSize),
		Queue:      queue,
		Locks:      distlock.NewFactory(rdb, db, cfg.Delivery.LockTTL()),
	}, worker.SchedulerConfigFrom(cfg.Delivery))

	handlers := api.NewHandlers(
		scheduler,
		worker.NewPickWinnerHandler(broadcasts, ""),
		worker.NewTransactionalSender(sending, postgres.NewSendRepo(db), injector),
		queue,
	)
	srv := api.NewServer(cfg.Server, handlers, api.NewHealthChecker(db, rdb, queue))

	go func() {
		logger.Info("api server listening", "addr", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down api server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown", "error", err)
	}
}
