package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/ingest"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/signedtoken"
	"github.com/ignite/broadcast-engine/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())
	defer logger.Sync()

	if cfg.SQS.LogQueueURL == "" {
		logger.Error("SQS_LOG_QUEUE_URL is required")
		os.Exit(1)
	}
	codec, err := signedtoken.New(cfg.Tracking.Secret)
	if err != nil {
		logger.Error("token codec", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.SQS.Region))
	if err != nil {
		logger.Error("aws config", "error", err)
		os.Exit(1)
	}
	pub := ingest.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.SQS.LogQueueURL)
	handler := tracking.NewHandler(codec, pub, cfg.Tracking.FallbackURL)

	srv := &http.Server{
		Addr:         cfg.Server.TrackingAddr(),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tracking service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("tracking listener failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down tracking service")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	pub.Wait()
}
