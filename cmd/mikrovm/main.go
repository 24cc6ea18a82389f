package main

import (
	"context"
	"log"
	"os"
	"time"

	v1 "mikrovm/api/v1"
	"mikrovm/internal/auth"
	"mikrovm/internal/cache"
	"mikrovm/internal/config"
	"mikrovm/internal/controlplane"
	"mikrovm/internal/db"
	"mikrovm/internal/events"
	"mikrovm/internal/ippool"
	"mikrovm/internal/queue"
	"mikrovm/internal/vm"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log.Println("✓ Configuration loaded")

	// 2. Logger
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logger := logrus.WithField("app", "mikrovm")

	// 3. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// 4. Initialize Redis
	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	// 5. Initialize JWT
	auth.Init(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.ExpireMinutes)

	// 6. Migrate and bootstrap the default pool and admin account
	if cfg.Migrate {
		if err := db.Migrate(db.GetDB()); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
			os.Exit(1)
		}
		log.Println("✓ Database migrated")
	}

	poolSvc := ippool.NewService(db.GetDB(), logger)
	if cfg.IPPool.BootstrapCIDR != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := poolSvc.EnsurePool(ctx, cfg.IPPool.DefaultPool, cfg.IPPool.BootstrapCIDR, cfg.IPPool.BootstrapGateway); err != nil {
			cancel()
			log.Fatalf("Failed to bootstrap default pool: %v", err)
			os.Exit(1)
		}
		cancel()
	}

	if cfg.Admin.Password != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := auth.EnsureAdmin(ctx, db.GetDB(), cfg.Admin.Username, cfg.Admin.Password); err != nil {
			cancel()
			log.Fatalf("Failed to bootstrap admin account: %v", err)
			os.Exit(1)
		}
		cancel()
		log.Printf("✓ Admin account '%s' ensured", cfg.Admin.Username)
	}

	// 7. Workflow runner and services
	runner := queue.NewRunner(&queue.Config{
		Redis:         cache.Client,
		Key:           cfg.Queue.Key,
		Concurrency:   cfg.Queue.Concurrency,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		SoftTimeLimit: time.Duration(cfg.Queue.SoftTimeLimitSec) * time.Second,
		HardTimeLimit: time.Duration(cfg.Queue.HardTimeLimitSec) * time.Second,
		Logger:        logger,
	})

	notifier := events.NewNotifier(db.GetDB(), cache.Client, logger)
	vmSvc := vm.NewService(db.GetDB(), runner, cfg.IPPool.DefaultPool, logger)

	// 8. Embedded worker (optional; disable to run workers separately)
	if cfg.Worker.Enabled {
		cp, err := controlplane.NewHTTPClient(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize control-plane client: %v", err)
			os.Exit(1)
		}
		workflows := vm.NewWorkflows(db.GetDB(), poolSvc, cp, notifier,
			time.Duration(cfg.Worker.RestartSettleSec)*time.Second, logger)
		workflows.Register(runner)
		runner.Start()
		defer runner.Stop()
		log.Printf("✓ Embedded worker started (concurrency=%d)", cfg.Queue.Concurrency)
	}

	// 9. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	v1.SetupRouter(r, db.GetDB(), cfg, v1.Services{
		VM:       vmSvc,
		IPPool:   poolSvc,
		Notifier: notifier,
	})

	log.Printf("✓ Server starting on %s", cfg.HTTPAddr)

	// Start server
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
