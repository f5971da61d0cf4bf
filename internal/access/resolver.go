// Package access resolves per-user permission and menu snapshots. Snapshots are cached in
// the KV store; cache misses are loaded through a single-flight group so a burst of
// requests for the same user costs one load.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/oxide-admin/server/internal/flight"
	"github.com/oxide-admin/server/internal/kv"
	"github.com/oxide-admin/server/internal/telemetry"
)

// DefaultTTL is how long a resolved snapshot stays cached.
const DefaultTTL = 30 * time.Minute

const tracerName = "github.com/oxide-admin/server/internal/access"

// Loader produces the snapshot of one user from the source of truth.
type Loader[S any] interface {
	Load(ctx context.Context, userID string) (S, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc[S any] func(ctx context.Context, userID string) (S, error)

func (f LoaderFunc[S]) Load(ctx context.Context, userID string) (S, error) {
	return f(ctx, userID)
}

// Resolver caches snapshots of type S under prefix+userID.
type Resolver[S any] struct {
	name   string
	prefix string
	ttl    time.Duration
	store  kv.Store
	loader Loader[S]
	group  *flight.Group[string, S]
	logger zerolog.Logger

	// gen advances on every Invalidate and Refresh. A load only caches its snapshot
	// if gen is unchanged since it started; genMu makes that check and the cache write
	// atomic with respect to the advance.
	genMu sync.RWMutex
	gen   uint64
}

// NewResolver builds a resolver. A non-positive ttl uses DefaultTTL.
func NewResolver[S any](name, prefix string, store kv.Store, loader Loader[S], ttl time.Duration, logger zerolog.Logger) *Resolver[S] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver[S]{
		name:   name,
		prefix: prefix,
		ttl:    ttl,
		store:  store,
		loader: loader,
		group:  flight.NewGroup[string, S](name + "_resolver"),
		logger: logger.With().Str("component", "access").Str("resolver", name).Logger(),
	}
}

func (r *Resolver[S]) key(userID string) string {
	return r.prefix + userID
}

// Resolve returns the cached snapshot for userID, loading and caching it on a miss.
// A cache that cannot be read or written degrades to loading from the source.
func (r *Resolver[S]) Resolve(ctx context.Context, userID string) (S, error) {
	cached, err := kv.GetJSON[S](ctx, r.store, r.key(userID))
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("snapshot cache read failed")
	}

	return r.group.Do(ctx, userID, func(ctx context.Context) (S, error) {
		return r.load(ctx, userID)
	})
}

func (r *Resolver[S]) load(ctx context.Context, userID string) (S, error) {
	ctx, span := telemetry.GetTracer(tracerName).Start(ctx, "access.load")
	span.SetAttributes(
		attribute.String("access.resolver", r.name),
		attribute.String("user.id", userID),
	)
	defer span.End()

	r.genMu.RLock()
	gen := r.gen
	r.genMu.RUnlock()

	snapshot, err := r.loader.Load(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return snapshot, fmt.Errorf("load %s snapshot for %s: %w", r.name, userID, err)
	}

	r.genMu.RLock()
	defer r.genMu.RUnlock()
	if r.gen != gen {
		r.logger.Debug().Str("user_id", userID).Msg("snapshot invalidated during load, not cached")
		return snapshot, nil
	}
	if err := kv.SetJSON(ctx, r.store, r.key(userID), snapshot, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("snapshot cache write failed")
	}
	return snapshot, nil
}

// Invalidate drops the cached snapshot of one user.
func (r *Resolver[S]) Invalidate(ctx context.Context, userID string) error {
	r.advance()
	if err := r.store.Delete(ctx, r.key(userID)); err != nil {
		return fmt.Errorf("invalidate %s snapshot for %s: %w", r.name, userID, err)
	}
	return nil
}

// Refresh drops every cached snapshot of this resolver.
func (r *Resolver[S]) Refresh(ctx context.Context) error {
	r.advance()
	n, err := r.store.DeletePrefix(ctx, r.prefix)
	if err != nil {
		return fmt.Errorf("refresh %s snapshots: %w", r.name, err)
	}
	r.logger.Debug().Int64("dropped", n).Msg("snapshot cache refreshed")
	return nil
}

func (r *Resolver[S]) advance() {
	r.genMu.Lock()
	r.gen++
	r.genMu.Unlock()
}
