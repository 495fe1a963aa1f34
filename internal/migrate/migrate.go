// Package migrate applies the embedded schema migrations at startup.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ignite/mail-gateway/internal/pkg/distlock"
)

//go:embed sql/*.sql
var migrationFS embed.FS

// migrationLockKey serializes replicas migrating the shared database.
const migrationLockKey = "mail-gateway.migrations"

// Run applies all embedded migrations that are not yet recorded in
// schema_migrations, in filename order, each inside its own transaction.
// Replicas starting together serialize on an advisory lock, so Run is safe
// on every startup.
func Run(ctx context.Context, db *sql.DB) error {
	lock := distlock.New(db, migrationLockKey)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer lock.Release(ctx)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFS.ReadDir("sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		done, err := alreadyApplied(ctx, db, name)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		data, err := migrationFS.ReadFile("sql/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if err := applyOne(ctx, db, name, string(data)); err != nil {
			return err
		}
		log.Printf("[Migrate] Applied %s", name)
		applied++
	}

	if applied > 0 {
		log.Printf("[Migrate] %d migration(s) applied", applied)
	}
	return nil
}

func alreadyApplied(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}

func applyOne(ctx context.Context, db *sql.DB, version, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
		version, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	return tx.Commit()
}
