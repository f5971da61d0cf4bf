// Package flight coalesces concurrent identical operations so that callers asking for the
// same key share a single execution and its outcome.
//
// A call group lives only while its execution is in flight: the first Do for a key starts
// the operation, later callers for the same key wait on it, and the group is deleted as
// soon as the result has been published. A call issued after completion always runs the
// operation again; nothing is cached here.
//
// Executions run to completion. The operation receives a context detached from the
// first caller's cancellation, so a waiter that gives up never aborts work that other
// waiters still expect.
package flight

import (
	"context"
	"hash/maphash"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/oxide-admin/server/internal/metrics"
)

const bucketCount = 32

type call[V any] struct {
	done    chan struct{}
	val     V
	err     *SharedError
	waiters atomic.Int64
}

type bucket[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

// Group deduplicates executions by key. Create it with NewGroup.
type Group[K comparable, V any] struct {
	name    string
	seed    maphash.Seed
	buckets [bucketCount]bucket[K, V]
}

// NewGroup returns an empty group. The name labels the group's metrics.
func NewGroup[K comparable, V any](name string) *Group[K, V] {
	g := &Group[K, V]{
		name: name,
		seed: maphash.MakeSeed(),
	}
	for i := range g.buckets {
		g.buckets[i].calls = make(map[K]*call[V])
	}
	return g
}

// Do executes fn once per in-flight key and returns its result to every concurrent caller.
//
// A non-nil error from fn is delivered to all waiters as the same *SharedError. A panic in
// fn is delivered as a *SharedError wrapping *PanicError. If ctx is cancelled before the
// result is ready, Do returns ctx.Err() and leaves the execution running for the others.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(context.Context) (V, error)) (V, error) {
	b := g.bucket(key)

	b.mu.Lock()
	c, ok := b.calls[key]
	if ok {
		c.waiters.Add(1)
		b.mu.Unlock()
		metrics.FlightCoalesced.WithLabelValues(g.name).Inc()
	} else {
		c = &call[V]{done: make(chan struct{})}
		c.waiters.Store(1)
		b.calls[key] = c
		b.mu.Unlock()
		metrics.FlightExecutions.WithLabelValues(g.name).Inc()
		go g.execute(context.WithoutCancel(ctx), b, key, c, fn)
	}

	select {
	case <-c.done:
		if c.err != nil {
			return c.val, c.err
		}
		return c.val, nil
	case <-ctx.Done():
		c.waiters.Add(-1)
		var zero V
		return zero, ctx.Err()
	}
}

// InFlight reports how many call groups are currently executing.
func (g *Group[K, V]) InFlight() int {
	n := 0
	for i := range g.buckets {
		b := &g.buckets[i]
		b.mu.Lock()
		n += len(b.calls)
		b.mu.Unlock()
	}
	return n
}

func (g *Group[K, V]) bucket(key K) *bucket[K, V] {
	return &g.buckets[maphash.Comparable(g.seed, key)%bucketCount]
}

func (g *Group[K, V]) execute(ctx context.Context, b *bucket[K, V], key K, c *call[V], fn func(context.Context) (V, error)) {
	returned := false
	defer func() {
		if !returned && c.err == nil {
			c.err = Share(ErrAborted)
		}
		b.mu.Lock()
		if b.calls[key] == c {
			delete(b.calls, key)
		}
		b.mu.Unlock()
		close(c.done)
	}()

	func() {
		defer func() {
			if returned {
				return
			}
			if r := recover(); r != nil {
				c.err = Share(&PanicError{Value: r, Stack: debug.Stack()})
				metrics.FlightPanics.WithLabelValues(g.name).Inc()
			}
		}()
		v, err := fn(ctx)
		c.val = v
		c.err = Share(err)
		returned = true
	}()
}
