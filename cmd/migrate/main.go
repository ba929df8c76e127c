// Command migrate applies the escrowd schema (deals, crosschain_transactions)
// with goose.
//
// Usage:
//
//	go run ./cmd/migrate up            # apply all pending migrations
//	go run ./cmd/migrate down          # roll back the last migration
//	go run ./cmd/migrate status        # list applied and pending migrations
//	go run ./cmd/migrate version       # print the current schema version
//	go run ./cmd/migrate up-to 2       # migrate to a specific version
//
// DATABASE_URL is read from the environment or a local .env file.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/migrations"
)

var commands = map[string]bool{
	"up": true, "up-by-one": true, "up-to": true,
	"down": true, "down-to": true, "redo": true, "reset": true,
	"status": true, "version": true,
}

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if len(os.Args) < 2 || !commands[os.Args[1]] {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|up-by-one|up-to N|down|down-to N|redo|reset|status|version>")
		os.Exit(2)
	}

	if err := run(logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, command string, args []string) error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	start := time.Now()
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return err
	}
	logger.Info("migration complete", "command", command, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
