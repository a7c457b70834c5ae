package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pacecraft/enrichment/pkg/api"
	"github.com/pacecraft/enrichment/pkg/config"
	"github.com/pacecraft/enrichment/pkg/credentials"
	"github.com/pacecraft/enrichment/pkg/events"
	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/pipeline"
	"github.com/pacecraft/enrichment/pkg/queue"
	"github.com/pacecraft/enrichment/pkg/quota"
	"github.com/pacecraft/enrichment/pkg/scheduler"
	"github.com/pacecraft/enrichment/pkg/segmentation"
	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/trainingload"
	"github.com/pacecraft/enrichment/pkg/upstream"
	"github.com/pacecraft/enrichment/pkg/weather"
	"github.com/pacecraft/enrichment/pkg/webhook"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "enrichd",
	Short:   "enrichd enriches activities with segments, training load, and weather",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("enrichd version %s\nCommit: %s\n", Version, Commit))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	ctx := context.Background()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	quotaMgr, err := quota.New(cfg.RedisURL, cfg.QuotaDailyLimit, cfg.Quota15MinLimit)
	if err != nil {
		return fmt.Errorf("failed to create quota manager: %w", err)
	}
	defer quotaMgr.Close()

	credsMgr := credentials.New(store, cfg.UpstreamClientID, cfg.UpstreamClientSecret, "https://www.strava.com/oauth/token")
	upstreamClient := upstream.New(credsMgr, quotaMgr)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	q := queue.New(store)
	seg := segmentation.New(store)
	load := trainingload.New(store)
	wx := weather.New(store)
	enrichPipeline := pipeline.New(store, upstreamClient, seg, load, wx)

	sched := scheduler.New(scheduler.Config{
		ItemsPerUserPerCycle: cfg.ItemsPerUserPerCycle,
		BatchSize:            cfg.BatchSize,
		WorkerPoolSize:       cfg.WorkerPoolSize,
		CycleInterval:        time.Duration(cfg.CycleInterval) * time.Second,
	}, q, store, enrichPipeline, broker)
	sched.Start()

	redisOpt, err := redisClientOpt(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis URL: %w", err)
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	webhookHandler := webhook.NewHandler(cfg.WebhookVerifyToken, asynqClient)
	webhookProcessor := webhook.NewProcessor(store, q, upstreamClient, broker)

	asynqServer := asynq.NewServer(redisOpt, asynq.Config{Concurrency: cfg.WorkerPoolSize})
	mux := asynq.NewServeMux()
	webhookProcessor.RegisterHandlers(mux)
	if err := asynqServer.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	checkers := []api.Checker{
		api.NewPostgresChecker(store),
		api.NewRedisChecker(quotaMgr),
	}
	apiServer := api.New(store, q, checkers, webhookHandler.Routes, broker)

	httpServer := &http.Server{Addr: cfg.APIAddr, Handler: apiServer.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", cfg.APIAddr).Msg("api server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("fatal server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sched.Stop()
	asynqServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Logger.Error().Err(err).Msg("api server shutdown error")
	}

	log.Logger.Info().Msg("shutdown complete")
	return nil
}

func redisClientOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return asynq.RedisClientOpt{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	}, nil
}
