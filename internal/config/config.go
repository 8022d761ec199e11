// Package config loads runtime configuration from the environment.
// Priority: real environment variables > .env file > struct defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Infra configures the connection to the pub/sub broker and the
// liveness protocol timings shared by every service.
type Infra struct {
	Host string `env:"INFRA_HOST" envDefault:"redis"`
	Port int    `env:"INFRA_PORT" envDefault:"6379"`
	// Addr, when set, wins over Host+Port ("host:port").
	Addr string `env:"INFRA_ADDR"`

	Reconnect   time.Duration `env:"INFRA_RECONNECT" envDefault:"10s"`
	PingDelay   time.Duration `env:"INFRA_PING_DELAY" envDefault:"30s"`
	PingTimeout time.Duration `env:"INFRA_PING_TIMEOUT" envDefault:"2s"`
}

// BrokerAddr resolves the broker dial address.
func (c Infra) BrokerAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DB describes one MySQL endpoint.
type DB struct {
	Host     string
	User     string
	Password string
	Name     string
}

// Updater configures the incremental stats updater binary.
type Updater struct {
	Infra

	PipeSize  int `env:"PIPE_SIZE" envDefault:"100"`
	BatchSize int `env:"BATCH_SIZE" envDefault:"100"`

	// ScanRate caps warm-path source scanning in batches per second;
	// zero means unpaced.
	ScanRate float64 `env:"SCAN_RATE" envDefault:"0"`
	// GuardMemLimitMB pauses source scans while the process holds
	// more resident memory than this; zero disables the guard.
	GuardMemLimitMB int `env:"GUARD_MEM_LIMIT_MB" envDefault:"0"`

	// Internal (destination) database.
	DBHost string `env:"DB_IP" envDefault:"database"`
	DBUser string `env:"DB_USER" envDefault:"test"`
	DBPass string `env:"DB_PASS" envDefault:"test"`
	DBName string `env:"DB" envDefault:"api_data"`

	// External (source) database.
	A801Host string `env:"A801_IP" envDefault:"mockupdb"`
	A801User string `env:"A801_USER" envDefault:"test"`
	A801Pass string `env:"A801_PASS" envDefault:"test"`
	A801Name string `env:"A801_DB" envDefault:"atelier801_api"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Internal returns the destination DB endpoint.
func (c Updater) Internal() DB {
	return DB{Host: c.DBHost, User: c.DBUser, Password: c.DBPass, Name: c.DBName}
}

// External returns the source DB endpoint.
func (c Updater) External() DB {
	return DB{Host: c.A801Host, User: c.A801User, Password: c.A801Pass, Name: c.A801Name}
}

// Validate checks ranges that would otherwise fail deep inside a run.
func (c Updater) Validate() error {
	if c.PipeSize < 1 {
		return fmt.Errorf("PIPE_SIZE must be > 0, got %d", c.PipeSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.Reconnect < 0 {
		return fmt.Errorf("INFRA_RECONNECT must be >= 0, got %s", c.Reconnect)
	}
	return nil
}

// Service configures a service runtime binary.
type Service struct {
	Infra

	Workers     int    `env:"SERVICE_WORKERS" envDefault:"1"`
	WorkerIndex int    `env:"SERVICE_WORKER_INDEX" envDefault:"0"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Validate checks the worker layout.
func (c Service) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("SERVICE_WORKERS must be > 0, got %d", c.Workers)
	}
	if c.WorkerIndex < 0 || c.WorkerIndex >= c.Workers {
		return fmt.Errorf("SERVICE_WORKER_INDEX %d out of range [0,%d)", c.WorkerIndex, c.Workers)
	}
	return nil
}

// LoadUpdater reads the updater configuration.
func LoadUpdater() (Updater, error) {
	_ = godotenv.Load() // .env is optional

	var cfg Updater
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadService reads a service runtime configuration.
func LoadService() (Service, error) {
	_ = godotenv.Load()

	var cfg Service
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
