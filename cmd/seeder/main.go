package main

import (
	"context"
	"flag"

	"github.com/greenpoint/ledgerops/internal/config"
	"github.com/greenpoint/ledgerops/internal/logger"
	"github.com/greenpoint/ledgerops/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	loadUsers := flag.Int("load-users", 0, "Number of synthetic users to create for benchmarking")
	loadPrefix := flag.String("load-prefix", "bench", "Email prefix for synthetic users")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(".")
	if err != nil {
		logger.Fatalf("config load failed: %v", err)
	}
	logger.Init(cfg.LogLevel)

	if cfg.StoreDriver != config.DriverPostgres {
		logger.Fatalf("seeder needs STORE_DRIVER=%s, got %q", config.DriverPostgres, cfg.StoreDriver)
	}

	ctx := context.Background()
	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	logger.Info("--- Seeding Database ---")
	if err := db.Migrate(ctx); err != nil {
		logger.Fatalf("schema migration failed: %v", err)
	}

	report, err := db.Seed(ctx)
	if err != nil {
		logger.Fatalf("seed failed: %v", err)
	}
	logger.Infof("seeded %d categories, %d merchants, %d users (existing rows skipped)",
		report.Categories, report.Merchants, report.Users)

	if *loadUsers > 0 {
		copied, err := db.SeedLoadUsers(ctx, *loadPrefix, *loadUsers)
		if err != nil {
			logger.Fatalf("load user seed failed: %v", err)
		}
		if copied == 0 {
			logger.Infof("database already has %d %q users. Skipping.", *loadUsers, *loadPrefix)
			return
		}
		logger.Infof("successfully seeded %d load users", copied)
	}
}
