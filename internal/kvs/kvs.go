package kvs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hanpama/querydag/internal/config"
)

// ErrNotFound reports a key with no stored value.
var ErrNotFound = errors.New("kvs: key not found")

// Store is the read side of a key-value store. Implementations must be safe
// for concurrent use and return an error wrapping ErrNotFound for misses.
type Store interface {
	Get(ctx context.Context, key string) (any, error)
}

// Writer stores values. Values must be JSON-compatible.
type Writer interface {
	Set(ctx context.Context, key string, value any) error
}

// Backend is a store opened from configuration.
type Backend interface {
	Store
	Writer
	Close() error
}

// Open connects the backend selected by cfg.
func Open(ctx context.Context, cfg config.Store, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemory(nil), nil
	case config.BackendRedis:
		r, err := NewRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.BackendBadger:
		bcfg := DefaultBadgerConfig()
		bcfg.Path = cfg.BadgerPath
		bcfg.InMemory = cfg.BadgerInMemory
		bcfg.Logger = logger
		b, err := OpenBadger(bcfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("kvs: unknown backend %q", cfg.Backend)
	}
}
