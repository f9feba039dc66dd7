package main

import (
	"flag"
	"log"

	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"

	"github.com/johnquangdev/discovery-sync/internal/infrastructure/database"
	"github.com/johnquangdev/discovery-sync/pkg/config"
)

// Usage: go run scripts/migrate.go [-down] [-steps N] [-dir migrations]
func main() {
	down := flag.Bool("down", false, "roll back instead of applying")
	steps := flag.Int("steps", 0, "maximum number of migrations to run (0 = all)")
	dir := flag.String("dir", database.MigrationsDir, "directory holding the sql-migrate files")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.NewPostgresDB(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.CloseDB(db, logger)

	direction := migrate.Up
	if *down {
		direction = migrate.Down
		if *steps == 0 {
			*steps = 1
		}
	}

	logger.Info("🔄 Running migrations",
		zap.Bool("down", *down),
		zap.Int("steps", *steps),
		zap.String("dir", *dir),
	)
	if _, err := database.Migrate(db, *dir, direction, *steps, logger); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
}
