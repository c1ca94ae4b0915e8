package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"unisync/internal/config"
	"unisync/internal/logging"
	"unisync/internal/notify"
	"unisync/internal/queue"
	"unisync/internal/store"
)

// Worker drains the notification queue into user inboxes.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.Production())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		logger.Error("worker needs QUEUE_BACKEND=redis; the in-memory queue is drained by the api process")
		os.Exit(1)
	}

	docs, err := store.OpenDocuments(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer docs.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable yet, consumer will keep retrying", "addr", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, "")
	deliverer := notify.NewDeliverer(docs, logger)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Error("queue consume init failed", "error", err)
		os.Exit(1)
	}

	logger.Info("worker started, waiting for messages")
	for msg := range messages {
		if err := deliverer.Handle(ctx, msg); err != nil {
			logger.Warn("notification handling failed", "type", msg.Type, "error", err)
		}
	}
	logger.Info("worker stopped")
}
