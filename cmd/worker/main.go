package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tunesync/internal/config"
	"tunesync/internal/db"
	"tunesync/internal/logging"
	"tunesync/internal/redis"
	"tunesync/internal/security"
	"tunesync/internal/slack"
	"tunesync/internal/spotify"
	"tunesync/internal/store"
	syncengine "tunesync/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel, "tunesync-worker")
	logger.Info("starting_worker", "poll_interval_ms", cfg.PollInterval.Milliseconds())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL (with retry)
	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	// Connect to Redis
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	if len(cfg.EncryptionKey) != security.KeySize {
		logger.Error("invalid_encryption_key", "length", len(cfg.EncryptionKey))
		os.Exit(1)
	}

	accounts := store.New(logger, dbConn)

	spotifyClient := spotify.NewClient(logger, cfg.SpotifyClientID, cfg.SpotifyClientSecret, spotify.ClientOptions{})
	tokens, err := spotify.NewTokenLifecycle(logger, spotifyClient, accounts, cfg.EncryptionKey)
	if err != nil {
		logger.Error("token_lifecycle_init_failed", "error", err)
		os.Exit(1)
	}

	slackClient := slack.NewClient(logger, slack.ClientOptions{})
	notifier := syncengine.NewReconnectNotifier(logger, slackClient, redisClient)
	detector := syncengine.NewOverrideDetector(logger, slackClient)

	retry := syncengine.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryBackoff
	publisher := syncengine.NewStatusPublisher(logger, slackClient, accounts, notifier, retry)

	policy := syncengine.ExpirationPolicy{
		PollInterval: cfg.PollInterval,
		Overhead:     cfg.ExpirationOverhead,
	}
	reconciler := syncengine.NewReconciler(logger, accounts, tokens, detector, publisher, policy)

	scheduler := syncengine.NewScheduler(logger, accounts, reconciler, cfg.PollInterval, cfg.SyncWorkerCount)
	scheduler.Start()

	logger.Info("worker_started", "workers", cfg.SyncWorkerCount)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	scheduler.Stop()

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("worker_stopped")
}
