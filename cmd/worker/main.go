package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mikrovm/internal/cache"
	"mikrovm/internal/config"
	"mikrovm/internal/controlplane"
	"mikrovm/internal/db"
	"mikrovm/internal/events"
	"mikrovm/internal/ippool"
	"mikrovm/internal/queue"
	"mikrovm/internal/vm"

	"github.com/sirupsen/logrus"
)

// Standalone workflow worker. Runs the same handlers the API server embeds,
// for deployments that scale workers independently (set WORKER_ENABLED=0 on
// the API side).
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logger := logrus.WithField("app", "mikrovm-worker")

	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	cp, err := controlplane.NewHTTPClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize control-plane client: %v", err)
		os.Exit(1)
	}

	runner := queue.NewRunner(&queue.Config{
		Redis:         cache.Client,
		Key:           cfg.Queue.Key,
		Concurrency:   cfg.Queue.Concurrency,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		SoftTimeLimit: time.Duration(cfg.Queue.SoftTimeLimitSec) * time.Second,
		HardTimeLimit: time.Duration(cfg.Queue.HardTimeLimitSec) * time.Second,
		Logger:        logger,
	})

	poolSvc := ippool.NewService(db.GetDB(), logger)
	notifier := events.NewNotifier(db.GetDB(), cache.Client, logger)
	workflows := vm.NewWorkflows(db.GetDB(), poolSvc, cp, notifier,
		time.Duration(cfg.Worker.RestartSettleSec)*time.Second, logger)
	workflows.Register(runner)

	runner.Start()
	log.Printf("✓ Worker started (queue=%s concurrency=%d)", cfg.Queue.Key, cfg.Queue.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down")
	runner.Stop()
}
