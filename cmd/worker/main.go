package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/ingest"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pmta"
	"github.com/ignite/broadcast-engine/internal/repository/postgres"
	"github.com/ignite/broadcast-engine/internal/signedtoken"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
	"github.com/ignite/broadcast-engine/internal/tracking"
	"github.com/ignite/broadcast-engine/internal/worker"
)

// The worker runs the send task pool, the log queue consumer and, when an
// accounting directory is configured, the PMTA accounting feeder.
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

	broadcasts := postgres.NewBroadcastRepo(db)
	sends := postgres.NewSendRepo(db)
	sending := postgres.NewSendingRepo(db)

	// Send tasks
	queue := taskqueue.NewQueue(rdb, cfg.Queue, taskqueue.WithMaxAttempts(cfg.Delivery.TaskMaxAttempts))
	pool := taskqueue.NewPool(queue, cfg.Queue)
	pool.Register(worker.TaskSendContact, worker.NewSendContactHandler(worker.SendContactDeps{
		Broadcasts: broadcasts,
		Contacts:   postgres.NewContactRepo(db),
		Domains:    sending,
		Sends:      sends,
		Injector:   injector,
		Links:      links,
	}))
	pool.Register(worker.TaskPickWinner, worker.NewPickWinnerHandler(broadcasts, ""))
	pool.Start()

	// Log events
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
	if err != nil {
		logger.Error("aws config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	var opts []ingest.PipelineOption
	if cfg.Geo.CityDBPath != "" {
		locator, err := ingest.OpenGeoIP(cfg.Geo.CityDBPath)
		if err != nil {
			logger.Warn("geoip disabled", "path", cfg.Geo.CityDBPath, "error", err)
		} else {
			defer locator.Close()
			opts = append(opts, ingest.WithLocator(locator))
		}
	}
	pipeline := ingest.NewPipeline(sends, sending, postgres.NewEventRepo(db), opts...)

	var consumer *ingest.Consumer
	if cfg.SQS.LogQueueURL != "" {
		consumer = ingest.NewConsumer(sqsClient, cfg.SQS, pipeline)
		consumer.Start(ctx)
	} else {
		logger.Warn("log queue url not set, event ingestion disabled")
	}

	var feeder *pmta.AcctFeeder
	if cfg.PMTA.AcctDir != "" && cfg.SQS.LogQueueURL != "" {
		feeder = pmta.NewAcctFeeder(cfg.PMTA.AcctDir, ingest.NewPublisher(sqsClient, cfg.SQS.LogQueueURL))
		feeder.Start(ctx)
	}

	logger.Info("worker running",
		"queue", cfg.Queue.Name, "concurrency", cfg.Queue.Concurrency,
		"ingest", consumer != nil, "acct_feeder", feeder != nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down worker")

	if feeder != nil {
		feeder.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	pool.Stop()
	cancel()

	logger.Info("worker stopped", "stats", pool.Stats())
}
