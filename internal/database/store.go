// Package database selects and opens a storage backend from a URL.
package database

import (
	"context"
	"fmt"
	"io"
	"strings"

	"groupwarden/internal/database/boltstore"
	"groupwarden/internal/database/pgstore"
	"groupwarden/internal/database/redisstore"
	"groupwarden/internal/database/sqlitestore"
	"groupwarden/internal/moderation"
	"groupwarden/internal/relay"

	"github.com/rs/zerolog"
)

// Backend names reported on the status page.
const (
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Store is what the rest of the program needs from a storage backend.
type Store interface {
	moderation.Store
	relay.SelectionStore
}

// Backend is an opened storage backend.
type Backend struct {
	Name       string
	Records    moderation.Store
	Selections relay.SelectionStore

	closer io.Closer
}

// Close releases the backend's connection or file lock.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Config configures Open.
type Config struct {
	// URL picks the backend by prefix: postgres:// or postgresql://,
	// sqlite://<path>, redis:// or rediss://. Anything else, including the
	// empty string, is a bbolt file path (an optional bolt:// is stripped).
	URL string

	// Logger receives slow-query warnings from the postgres backend.
	Logger zerolog.Logger

	// MaxConns caps the postgres pool. Zero leaves the driver default.
	MaxConns int

	// RedisPrefix namespaces every redis key.
	RedisPrefix string
}

// Open opens the backend named by cfg.URL.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	url := cfg.URL
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		s, err := pgstore.Open(ctx, url, cfg.Logger, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return &Backend{Name: BackendPostgres, Records: s.Records(), Selections: s.Selections(), closer: s}, nil

	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite url has no path: %q", url)
		}
		s, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return &Backend{Name: BackendSQLite, Records: s.Records(), Selections: s.Selections(), closer: s}, nil

	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		s, err := redisstore.Open(ctx, url, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return &Backend{Name: BackendRedis, Records: s.Records(), Selections: s.Selections(), closer: s}, nil

	default:
		s, err := boltstore.Open(boltstore.Options{Path: strings.TrimPrefix(url, "bolt://")})
		if err != nil {
			return nil, err
		}
		return &Backend{Name: BackendBolt, Records: s.Records(), Selections: s.Selections(), closer: s}, nil
	}
}
