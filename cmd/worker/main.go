// Package main runs the background archive worker (HLS output to S3).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loopcast/backend/config"
	"github.com/loopcast/backend/internal/streams"
	"github.com/loopcast/backend/internal/worker"
	"github.com/loopcast/backend/pkg/database"
	"github.com/loopcast/backend/pkg/queue"
	"github.com/loopcast/backend/pkg/redis"
	"github.com/loopcast/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		RecordingsBucket:     cfg.AWS.RecordingsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	streamRepo := streams.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	archiver := worker.NewArchiver(streamRepo, s3Client, jobQueue, cfg.Ingest.HLSDir, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go archiver.Run(workerCtx)
	logger.Info("archive worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
