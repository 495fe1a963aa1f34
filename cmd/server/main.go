// Command server runs the email dispatch gateway: the HTTP API and the
// dispatch scheduler in one process, sharing a Postgres pool and a
// JetStream producer.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/mail-gateway/internal/api"
	"github.com/ignite/mail-gateway/internal/config"
	"github.com/ignite/mail-gateway/internal/email"
	"github.com/ignite/mail-gateway/internal/migrate"
	"github.com/ignite/mail-gateway/internal/pkg/logger"
	"github.com/ignite/mail-gateway/internal/producer"
	"github.com/ignite/mail-gateway/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	logger.Info("gateway starting",
		"port", cfg.Server.Port,
		"batch_size", cfg.Scheduler.BatchSize,
		"interval_secs", cfg.Scheduler.IntervalSecs,
	)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Run(ctx, db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// A gateway that cannot publish must not start.
	prod, err := producer.New(ctx, cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to initialize producer: %v", err)
	}
	defer prod.Close()

	store := email.NewStore(db)

	sched := scheduler.New(store, prod, cfg.Server.Host,
		cfg.Scheduler.BatchSize, cfg.Scheduler.Interval())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	router := api.NewRouter(api.NewHandlers(store), cfg.Security.APIKey)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("[Server] HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Server] Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] HTTP shutdown error: %v", err)
	}

	// The scheduler finishes its in-flight batch before returning.
	wg.Wait()

	sent, failed := sched.Stats()
	logger.Info("gateway stopped", "total_sent", sent, "total_failed", failed)
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MinConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime())
	db.SetConnMaxIdleTime(cfg.IdleTimeout())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Printf("[Server] Connected to database (max_conns=%d)", cfg.MaxConnections)
	return db, nil
}
