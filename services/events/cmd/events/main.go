package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"veriscribe/internal/docclient"
	"veriscribe/internal/usertoken"
	"veriscribe/internal/util"
	"veriscribe/pkg/queue"
	"veriscribe/pkg/storage"
	"veriscribe/pkg/store"
	"veriscribe/services/events/internal/app"
	"veriscribe/services/events/internal/config"
	"veriscribe/services/events/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "events")

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	owners := docclient.NewClient(cfg.PapersURL)

	var archiveQueue *queue.ArchiveQueue
	var snapshots storage.SnapshotStore
	if cfg.Minio.Endpoint != "" {
		snapshots, err = storage.NewMinioSnapshotStore(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err != nil {
			util.Fatal("failed to init snapshot store", "err", err)
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			util.Fatal("failed to parse redis url", "err", err)
		}
		archiveQueue, err = queue.NewArchiveQueue(queue.ArchiveQueueConfig{
			Client:   redis.NewClient(opts),
			Consumer: util.NewID(),
		})
		if err != nil {
			util.Fatal("failed to init archive queue", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:             st,
		Owners:            owners,
		Queue:             archiveQueue,
		Snapshots:         snapshots,
		SnapshotThreshold: cfg.SnapshotThreshold,
		MaxBatch:          cfg.MaxBatch,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go appCore.StartArchiver(ctx)

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("events server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
