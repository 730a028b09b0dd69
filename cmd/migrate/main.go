// Command migrate runs the billing schema migrations via goose. The SQL
// files are embedded, so the binary works without a checkout:
//
//	migrate up          # Apply all pending migrations
//	migrate down        # Roll back the last migration
//	migrate status      # Show migration status
//	migrate version     # Show current schema version
//	migrate redo        # Roll back and re-apply last migration
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/condohq/seatbill/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.RunContext(context.Background(), args[0], db, ".", args[1:]...); err != nil {
		return fmt.Errorf("migration %s: %w", args[0], err)
	}
	return nil
}
