package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/config"
	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/observ"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrator", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations instead of migrating up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *down < 0 {
		return fmt.Errorf("-down must not be negative, got %d", *down)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// DATABASE_URL wins over the DB_* settings, as in most deploy tooling
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}.URL()
	}

	if *down > 0 {
		logger.Info("rolling back migrations", zap.Int("steps", *down))
		return db.MigrateDown(databaseURL, *down, logger)
	}

	logger.Info("applying migrations", zap.String("database", cfg.DBName))
	return db.MigrateUp(databaseURL, logger)
}
