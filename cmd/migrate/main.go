// Command migrate applies the embedded goose migrations to DATABASE_URL.
//
//	migrate [-timeout 2m] up|down|status|version|redo|up-to N|down-to N
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/workescrow/internal/logging"
	"github.com/mbd888/workescrow/migrations"
)

func main() {
	os.Exit(run())
}

func run() int {
	timeout := flag.Duration("timeout", 2*time.Minute, "abort if the migration takes longer than this")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-timeout d] <up|down|status|version|redo|up-to N|down-to N>")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		return 2
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set dialect", "error", err)
		return 1
	}

	command, args := flag.Arg(0), flag.Args()[1:]
	start := time.Now()
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		return 1
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		logger.Warn("could not read schema version", "error", err)
	}
	logger.Info("migration complete", "command", command, "version", version, "tookMs", time.Since(start).Milliseconds())
	return 0
}
