package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tunesync/internal/api"
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

	logger := logging.New(cfg.LogLevel, "tunesync-api")
	logger.Info("starting_api", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL
	dbConn, err := db.New(ctx, cfg.DBDSN)
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

	// The manual-sync endpoint reuses the same reconciler wiring as the
	// worker, minus the scheduler.
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

	srv := api.NewServer(logger, dbConn, redisClient, cfg, accounts, reconciler, tokens)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_started", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("api_stopped")
}
