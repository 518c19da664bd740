package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/config"
	kafkax "github.com/Kramxie/FundamentalApparel-sub000/internal/kafka"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/postgres"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/recon"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/redisx"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	side := &recon.SideEffects{DB: db, Redis: rdb, Log: logger}

	group := getenv("WORKER_GROUP", "recon-worker")
	workers := mustAtoi(os.Getenv("WORKER_CONCURRENCY"), "8")

	// One consumer per topic; both feed the same side-effect handler set.
	reconciled := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicPaymentReconciled, workers)
	rejected := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicAllocationRejected, workers)

	go func() {
		logger.Info("consumer started",
			zap.String("group", group),
			zap.String("topic", orders.TopicPaymentReconciled),
			zap.Int("workers", workers))
		if err := reconciled.Start(ctx, side.HandlePaymentReconciled); err != nil {
			logger.Error("consumer exit", zap.String("topic", orders.TopicPaymentReconciled), zap.Error(err))
			cancel()
		}
	}()
	go func() {
		logger.Info("consumer started",
			zap.String("group", group),
			zap.String("topic", orders.TopicAllocationRejected),
			zap.Int("workers", workers))
		if err := rejected.Start(ctx, side.HandleAllocationRejected); err != nil {
			logger.Error("consumer exit", zap.String("topic", orders.TopicAllocationRejected), zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down consumers")
	cancel()
	time.Sleep(500 * time.Millisecond)
}
