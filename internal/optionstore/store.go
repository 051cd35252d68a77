// Package optionstore provides the durable key/value state backing an import
// run: queue, stats, logs, identity mappings, abort flag and settings all live
// here under an importer-scoped namespace. Three backends are available
// (memory, file, postgres); all of them store values as JSON.
package optionstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownBackend is returned by Open for an unrecognized backend name.
	ErrUnknownBackend = errors.New("unknown option store backend")
)

// Store is the durable per-importer key/value state.
//
// Values are marshalled to JSON on Set and unmarshalled into out on Get, so
// any JSON-serializable type round-trips. Get reports found=false (and leaves
// out untouched) when the key is absent.
type Store interface {
	Get(ctx context.Context, key string, out any) (found bool, err error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key under the given prefix. It is how a new
	// import start clears all prior run state for one importer.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Namespace returns the key prefix under which all of an importer's run state
// is stored.
func Namespace(importerID string) string {
	return "importer:" + importerID + ":"
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "memory", "file" or "postgres".
	Backend string `yaml:"backend"`
	// Path is the state file location (file backend).
	Path string `yaml:"path"`
	// PostgresDSN is the connection string (postgres backend).
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Open builds the backend named by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return OpenFile(cfg.Path)
	case "postgres":
		return OpenPostgres(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
