// Command requeue-stale resets requests stranded in Processing back to
// Created so the scheduler picks them up again. Rows strand when a gateway
// process dies between claiming a batch and reconciling it; the dispatch
// pipeline never requeues on its own because a stranded row may already be
// on the stream, and resending is a human decision.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/mail-gateway/internal/email"
)

func main() {
	olderThan := flag.Duration("older-than", 30*time.Minute,
		"only requeue rows that entered Processing at least this long ago")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}

	store := email.NewStore(db)
	cutoff := time.Now().UTC().Add(-*olderThan)

	n, err := store.RequeueStale(ctx, cutoff)
	if err != nil {
		log.Fatalf("requeue: %v", err)
	}
	log.Printf("Requeued %d stale request(s) older than %v", n, *olderThan)
}
