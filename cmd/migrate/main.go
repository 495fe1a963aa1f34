// Command migrate applies the gateway's embedded schema migrations without
// starting the gateway itself. The server runs the same migrations at
// startup; this binary exists for deploy pipelines that migrate first.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/mail-gateway/internal/migrate"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	listOnly := len(os.Args) > 1 && os.Args[1] == "--list"

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	if listOnly {
		listApplied(ctx, db)
		return
	}

	if err := migrate.Run(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("Migrations up to date")
}

func listApplied(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx,
		"SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			log.Fatalf("scan: %v", err)
		}
		fmt.Printf("  %s  %s\n", appliedAt.Format(time.RFC3339), version)
		n++
	}
	fmt.Printf("Total: %d migration(s) applied\n", n)
}
