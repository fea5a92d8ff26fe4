package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API the kernel consumes.
//
// Get returns a partial mapping: keys absent from the store are simply
// absent from the result, never an error.
type Store interface {
	Get(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, kv map[string][]byte) error
	Close() error
}
