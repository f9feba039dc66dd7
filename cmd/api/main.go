package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/johnquangdev/discovery-sync/internal/adapter/handler"
	"github.com/johnquangdev/discovery-sync/internal/adapter/repository"
	"github.com/johnquangdev/discovery-sync/internal/domain/repositories"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/cache"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/database"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/external/crm"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/lock"
	"github.com/johnquangdev/discovery-sync/internal/usecase/crmsync"
	"github.com/johnquangdev/discovery-sync/internal/usecase/syncqueue"
	"github.com/johnquangdev/discovery-sync/pkg/config"
	"github.com/johnquangdev/discovery-sync/pkg/jwt"
	pkgvalidator "github.com/johnquangdev/discovery-sync/pkg/validator"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize Echo instance
	e := echo.New()
	e.Validator = pkgvalidator.New()
	e.HideBanner = true

	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} | ${id} | ${status} | ${method} ${uri} | ${latency_human}\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	logger.Info("🔧 Initializing dependencies...")

	// Sync task store
	var (
		taskRepo repositories.SyncTaskRepository
		db       *gorm.DB
	)
	switch cfg.Sync.Store {
	case config.QueueStorePostgres:
		logger.Info("📦 Connecting to database...")
		db, err = database.NewPostgresDB(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer database.CloseDB(db, logger)

		if cfg.Database.AutoMigrate {
			if cfg.IsProduction() {
				logger.Fatal("DB_AUTO_MIGRATE is enabled in production; run scripts/migrate.go instead")
			}
			if err := database.AutoMigrate(db, logger); err != nil {
				logger.Fatal("Failed to run migrations", zap.Error(err))
			}
		}
		taskRepo = repository.NewSyncTaskRepository(db)
	default:
		fileRepo, err := repository.NewFileTaskRepository(cfg.Sync.FilePath)
		if err != nil {
			logger.Fatal("Failed to open sync queue file", zap.String("path", cfg.Sync.FilePath), zap.Error(err))
		}
		logger.Info("📁 Using file-backed sync queue", zap.String("path", cfg.Sync.FilePath))
		taskRepo = fileRepo
	}

	// Per-record lock; Redis makes it hold across replicas
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.Enabled {
		logger.Info("📦 Connecting to Redis...")
		redisClient, err := cache.NewRedisClient(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, cfg.Redis.LockTTL, logger)
	}

	recordCache := cache.NewRecordCache(cache.Options{
		RecordTTL:  cfg.Sync.RecordCacheTTL,
		ListTTL:    cfg.Sync.ListCacheTTL,
		MaxEntries: cfg.Sync.CacheMaxEntries,
	})

	crmClient := crm.NewClient(cfg.CRM, logger)

	queue := syncqueue.NewQueue(taskRepo, crmClient, locker, recordCache, syncqueue.Options{
		MaxAttempts:   cfg.Sync.MaxAttempts,
		BaseDelay:     cfg.Sync.BaseBackoff,
		MaxDelay:      cfg.Sync.MaxBackoff,
		CallTimeout:   cfg.Sync.CallTimeout,
		Concurrency:   cfg.Sync.DrainConcurrency,
		DrainInterval: cfg.Sync.DrainInterval,
	}, logger)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if _, err := queue.Recover(rootCtx); err != nil {
		logger.Fatal("Failed to recover sync queue", zap.Error(err))
	}
	if err := queue.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start sync queue worker", zap.Error(err))
	}

	orchestrator := crmsync.NewOrchestrator(crmClient, crmClient, queue, recordCache, locker, cfg.Sync.CallTimeout, logger)

	var jwtManager *jwt.Manager
	if cfg.AuthEnabled() {
		jwtManager = jwt.NewManager(cfg.JWT.AccessSecret, cfg.JWT.Issuer)
	} else {
		logger.Warn("⚠️ JWT_ACCESS_SECRET not set, /v1 routes are open")
	}

	router := handler.NewRouter(cfg, handler.NewDiscoveryHandler(orchestrator, queue, logger), jwtManager, logger)
	router.Setup(e)

	// Start server
	go func() {
		addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
		logger.Info("🚀 Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("queue_store", cfg.Sync.Store),
		)

		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("❌ Server forced to shutdown", zap.Error(err))
	}
	if err := queue.Stop(); err != nil {
		logger.Error("❌ Failed to stop sync queue worker", zap.Error(err))
	}

	logger.Info("✅ Server stopped gracefully")
}
