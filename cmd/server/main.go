// Package main runs the live broadcast server: HTTP control surface,
// viewer WebSocket endpoint, heartbeat sweeper and broadcast dispatcher.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loopcast/backend/config"
	"github.com/loopcast/backend/internal/ingest"
	"github.com/loopcast/backend/internal/middleware"
	"github.com/loopcast/backend/internal/realtime"
	"github.com/loopcast/backend/internal/streams"
	"github.com/loopcast/backend/pkg/database"
	"github.com/loopcast/backend/pkg/queue"
	"github.com/loopcast/backend/pkg/redis"
	"github.com/loopcast/backend/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	clock := clockwork.NewRealClock()

	// Core: registry, state cache, hub, periodic tasks
	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	registry := realtime.NewRegistry(cfg.Presence.HeartbeatGrace, clock)
	cache := realtime.NewStateCache()
	hub := realtime.NewHub(logger, pubsub)
	sweeper := realtime.NewSweeper(registry, hub, clock, cfg.Presence.SweepInterval, logger)
	dispatcher := realtime.NewDispatcher(registry, cache, hub, clock, cfg.Presence.DispatchInterval, logger)

	taskCtx, taskCancel := context.WithCancel(context.Background())
	defer taskCancel()
	go sweeper.Run(taskCtx)
	go dispatcher.Run(taskCtx)
	if err := pubsub.Subscribe(taskCtx, hub); err != nil {
		logger.Warn("stream event subscription disabled", zap.Error(err))
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	// Broadcast control
	relay := ingest.NewPipeline(cfg.Ingest, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	streamRepo := streams.NewRepository(pool)
	streamHandler := streams.NewHandler(streamRepo, cache, registry, dispatcher, relay, jobQueue, s3Client, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{
			"status":      "ok",
			"relay":       relay.Running(),
			"connections": hub.ConnectionCount(),
			"sessions":    registry.Size(),
		})
	})

	api := router.Group("/api")
	{
		api.GET("/live/current", streamHandler.Current)
		api.POST("/streams/start", streamHandler.Start)
		api.POST("/streams/stop", streamHandler.Stop)
		api.GET("/streams/:id/recording-url", streamHandler.RecordingURL)
	}

	// HLS segments for players
	router.Static("/hls", cfg.Ingest.HLSDir)

	// Viewer WebSocket
	router.GET("/ws", realtime.ServeWs(hub, registry, cache, clock, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	relay.Stop()
	taskCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
