// Command expenses-migrate brings the expense database schema up to date,
// adopting a database left by the earlier float-amount service if present.
package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"

	"expenses/internal/config"
	"expenses/internal/log"
	"expenses/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	dbPath := flag.String("db", cfg.SQLiteDBPath, "path to the SQLite database")
	flag.Parse()

	level, _ := log.ParseLevel(cfg.LogLevel)
	logger := log.New(log.Config{Level: level, Format: cfg.LogFormat, Component: log.ComponentMigrate})
	log.SetDefault(logger)

	if err := storage.RunMigrations(*dbPath); err != nil {
		logger.Error("Migration failed", log.FieldError, err, "path", *dbPath)
		os.Exit(1)
	}
	logger.Info("Database is up to date", "path", *dbPath)
}
