// Package kv is the key/value collaborator behind access snapshot caching and short-lived
// server state. Values are opaque bytes with an optional time to live.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get for missing and expired keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is implemented by the memory, Postgres and Redis backends.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl of zero keeps the entry until it is deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and reports how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// DeleteExpired purges entries whose time to live has passed. Backends that expire
	// keys natively return zero.
	DeleteExpired(ctx context.Context) (int64, error)
	Close() error
}

// GetJSON reads key and decodes it into T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var v T
	data, err := s.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return v, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
