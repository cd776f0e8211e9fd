package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"greencart/internal/api"
	"greencart/internal/app"
	"greencart/internal/broker"
	"greencart/internal/util"
	"greencart/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting greencart", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(util.TracerOptions{
		ServiceName:    cfg.Observ.ServiceName,
		Environment:    cfg.Server.Env,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		logger.Fatal("Failed to start", zap.Error(err))
	}
	defer a.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	replayConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReplay, cfg.Kafka.ConsumerGroup)
	replayWorker := worker.NewReplayWorker(replayConsumer, a.Webhooks)
	go func() {
		if err := replayWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Replay worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Cart:     a.Cart,
		Checkout: a.Checkout,
		Orders:   a.Orders,
		Payments: a.Payments,
		Refunds:  a.Refunds,
		Webhooks: a.Webhooks,
	}, a.Publisher, map[string]api.Pinger{
		"postgres": a.Store,
		"redis":    a.Redis,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := replayWorker.Stop(); err != nil {
		logger.Warn("Error stopping replay worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
