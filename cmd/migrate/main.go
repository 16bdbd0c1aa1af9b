package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"amora-realtime/config"
	"amora-realtime/internal/domain/notification"
	"amora-realtime/internal/repository"
	"amora-realtime/pkg/database"
	"amora-realtime/pkg/logger"
)

const usage = `
Amora Realtime - Database CLI Tool

Usage:
  migrate [command] [flags]

Commands:
  up          Create every table and index (idempotent)
  status      Show database connection status and row counts
  seed-dev    Seed development profiles
  truncate    Truncate all tables (DANGEROUS)

Flags:
  -profiles string   Comma separated id:name pairs for seed-dev
                     (default "alice:Alice,bob:Bob,carol:Carol")

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go seed-dev -profiles "zoe:Zoe,adam:Adam"
`

var tables = []string{"profiles", "messages", "call_invitations", "call_logs", "notifications", "outbox_events"}

func main() {
	profiles := flag.String("profiles", "alice:Alice,bob:Bob,carol:Carol", "Profiles for seed-dev")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	cfg := config.LoadConfig()
	l := logger.New(cfg.LogMode)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg, l.Logger)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		runMigrationsUp(ctx, db)
	case "status":
		showStatus(ctx, db)
	case "seed-dev":
		runSeedDevelopment(ctx, db, *profiles)
	case "truncate":
		runTruncate(ctx, db)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp(ctx context.Context, db *sql.DB) {
	log.Println("Running migrations UP...")

	if err := repository.InitSchema(ctx, db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("Migrations completed successfully")
}

func showStatus(ctx context.Context, db *sql.DB) {
	log.Println("Checking database status...")

	if err := database.HealthCheck(ctx, db); err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Println("Database connection: OK")

	for _, table := range tables {
		var count int64
		err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			log.Printf("Table %-20s unavailable: %v", table, err)
			continue
		}
		log.Printf("Table %-20s exists (%d rows)", table, count)
	}
}

func runSeedDevelopment(ctx context.Context, db *sql.DB, pairs string) {
	log.Println("Seeding development profiles...")

	repo := repository.NewProfileRepository(db)
	for _, pair := range strings.Split(pairs, ",") {
		id, name, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" {
			log.Printf("Skipping malformed profile %q", pair)
			continue
		}
		if err := repo.Upsert(ctx, notification.Actor{ID: id, DisplayName: name}); err != nil {
			log.Fatalf("Seeding %s failed: %v", id, err)
		}
		log.Printf("Seeded profile %s", id)
	}
}

func runTruncate(ctx context.Context, db *sql.DB) {
	log.Println("Truncating all tables...")

	stmt := fmt.Sprintf("TRUNCATE %s", strings.Join(tables, ", "))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		log.Fatalf("Truncate failed: %v", err)
	}

	log.Println("Truncate completed")
}
