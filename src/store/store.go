// Package store persists the pipeline state blob under a fixed namespace.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound means nothing has been persisted under the namespace yet.
var ErrNotFound = errors.New("store: no persisted state")

// Store is a single-key blob store. Implementations must be safe for
// concurrent use.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
	Close() error
}

type Config struct {
	Backend     string
	Dir         string
	Namespace   string
	RedisURL    string
	PostgresDSN string
}

// Open builds the store named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir, cfg.Namespace)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, cfg.Namespace)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresDSN, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
