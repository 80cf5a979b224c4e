// Package store persists run records: in memory, in SQLite or in Postgres.
package store

import (
	"ciengine/internal/config"
	"ciengine/internal/run"
	"context"
	"fmt"
	"time"
)

// Store keeps runs keyed by id and numbered per definition in creation
// order. Implementations hand out copies; callers never share a *run.Run
// with the store.
type Store interface {
	// Create assigns r.Number (one past the definition's highest) and
	// inserts r. The id must be unused.
	Create(ctx context.Context, r *run.Run) error
	// Update replaces a stored run.
	Update(ctx context.Context, r *run.Run) error
	Get(ctx context.Context, id string) (*run.Run, error)
	// List returns matching runs, newest first.
	List(ctx context.Context, f run.Filter) ([]*run.Run, error)
	// DeleteFinishedBefore removes terminal runs that finished before
	// cutoff and returns their ids.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config selects the store.
type Config struct {
	Driver string // memory (default), sqlite3 or postgres
	DSN    string // sqlite3: file path; postgres: connection URL
}

// LoadConfigFromEnv loads store configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Driver: config.GetEnv("STORE_DRIVER", DriverMemory),
		DSN:    config.GetEnv("STORE_DSN", ""),
	}.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.Driver == "sqlite" {
		c.Driver = DriverSQLite
	}
	if c.Driver == DriverSQLite && c.DSN == "" {
		c.DSN = "ciengine.db"
	}
	return c
}

// New opens the configured store.
func New(ctx context.Context, cfg Config) (Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("STORE_DSN is required for the %s store", cfg.Driver)
		}
		return OpenSQL(ctx, cfg.Driver, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
