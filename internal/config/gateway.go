package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway process.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	NATS      NATSConfig
	Scheduler SchedulerConfig
	Security  SecurityConfig
}

// ServerConfig holds HTTP server configuration.
// Host is the externally visible base URL used when composing tracking
// pixel links, not the bind address.
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig holds Postgres connection pool configuration.
type DatabaseConfig struct {
	URL             string
	MaxConnections  int
	MinConnections  int
	MaxLifetimeSecs int
	IdleTimeoutSecs int
}

// MaxLifetime returns the connection max lifetime as a duration.
func (c DatabaseConfig) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeSecs) * time.Second
}

// IdleTimeout returns the idle connection timeout as a duration.
func (c DatabaseConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// NATSConfig holds the JetStream producer configuration.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
}

// SchedulerConfig holds dispatch scheduler configuration.
type SchedulerConfig struct {
	BatchSize    int
	IntervalSecs int
}

// Interval returns the tick interval as a duration.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// SecurityConfig holds ingress authentication configuration.
type SecurityConfig struct {
	APIKey string
}

// Load reads configuration from environment variables. A .env file is
// loaded first if present, so secrets can live in .env locally and in
// real env vars on ECS.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	var err error
	if cfg.Server.Port, err = intEnv("SERVER_PORT", 3000); err != nil {
		return nil, err
	}
	cfg.Server.Host = stringEnv("SERVER_HOST", "http://localhost:3000")

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Database.MaxConnections, err = intEnv("DB_MAX_CONNECTIONS", 25); err != nil {
		return nil, err
	}
	if cfg.Database.MinConnections, err = intEnv("DB_MIN_CONNECTIONS", 5); err != nil {
		return nil, err
	}
	if cfg.Database.MaxLifetimeSecs, err = intEnv("DB_MAX_LIFETIME_SECS", 3600); err != nil {
		return nil, err
	}
	if cfg.Database.IdleTimeoutSecs, err = intEnv("DB_IDLE_TIMEOUT_SECS", 900); err != nil {
		return nil, err
	}

	cfg.NATS.URL = stringEnv("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATS.Stream = stringEnv("NATS_STREAM", "messages")
	cfg.NATS.Subject = stringEnv("NATS_SUBJECT", "messages.email")

	if cfg.Scheduler.BatchSize, err = intEnv("BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.Scheduler.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive")
	}
	if cfg.Scheduler.IntervalSecs, err = intEnv("SCHEDULER_INTERVAL", 60); err != nil {
		return nil, err
	}
	if cfg.Scheduler.IntervalSecs <= 0 {
		return nil, fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}

	cfg.Security.APIKey = os.Getenv("API_KEY")
	if cfg.Security.APIKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}

	return cfg, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return n, nil
}
