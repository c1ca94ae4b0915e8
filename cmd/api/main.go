package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"unisync/internal/announcement"
	"unisync/internal/api"
	"unisync/internal/attendance"
	"unisync/internal/config"
	"unisync/internal/httpmiddleware"
	"unisync/internal/logging"
	"unisync/internal/notify"
	"unisync/internal/queue"
	"unisync/internal/reconcile"
	"unisync/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.Production())
	slog.SetDefault(logger)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docs, err := store.OpenDocuments(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer docs.Close()

	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case "memory":
		q = queue.NewInMemory(64)
		logger.Warn("in-memory queue: notifications stay in this process and are delivered here")
	case "redis":
		q = queue.NewRedisQueue(redisClient.Client, "")
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	var limiter httpmiddleware.Limiter
	switch cfg.RateLimitBackend {
	case "memory":
		limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	case "redis":
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	default:
		return fmt.Errorf("unknown rate limit backend %q", cfg.RateLimitBackend)
	}

	svc := attendance.NewService(attendance.NewRepository(docs), cfg.QRWindow, attendance.WithLogger(logger))
	deps := api.Deps{
		Config:        cfg,
		Logger:        logger,
		Store:         docs,
		Limiter:       limiter,
		Reconciler:    reconcile.New(docs, reconcile.WithLogger(logger), reconcile.WithAttendance(svc)),
		Attendance:    svc,
		Announcements: announcement.NewService(docs, notify.NewQueueNotifier(q), logger),
		Inbox:         notify.NewInbox(docs),
	}
	if redisClient != nil {
		deps.Redis = redisClient
	}

	// Without a shared queue there is no worker process to drain it.
	if mem, ok := q.(*queue.InMemory); ok {
		go consume(ctx, mem, notify.NewDeliverer(docs, logger), logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "error", err)
	}
	logger.Info("server exited")
	return nil
}

func consume(ctx context.Context, q queue.Queue, d *notify.Deliverer, logger *slog.Logger) {
	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Error("queue consume init failed", "error", err)
		return
	}
	for msg := range messages {
		if err := d.Handle(ctx, msg); err != nil {
			logger.Warn("notification handling failed", "error", err)
		}
	}
}
