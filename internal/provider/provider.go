// Package provider is the composition root's instance registry. Components are looked up
// by their Go type; factories run lazily on first lookup and their result is reused.
package provider

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrNotProvided is returned by Get when no instance or factory is registered for a type.
var ErrNotProvided = errors.New("provider: type not provided")

type entry struct {
	once    sync.Once
	factory func(*Provider) (any, error)
	value   any
	err     error
}

// Provider holds singletons keyed by type.
type Provider struct {
	mu      sync.RWMutex
	entries map[reflect.Type]*entry
}

// New returns an empty provider.
func New() *Provider {
	return &Provider{entries: make(map[reflect.Type]*entry)}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (p *Provider) put(t reflect.Type, e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[t] = e
}

// Supply registers an already constructed value for T, replacing any earlier registration.
func Supply[T any](p *Provider, v T) {
	e := &entry{value: v}
	e.once.Do(func() {})
	p.put(typeOf[T](), e)
}

// Factory registers a constructor for T. It runs at most once, on the first Get.
func Factory[T any](p *Provider, fn func(*Provider) (T, error)) {
	p.put(typeOf[T](), &entry{
		factory: func(p *Provider) (any, error) { return fn(p) },
	})
}

// Get returns the instance registered for T, constructing it if needed.
func Get[T any](p *Provider) (T, error) {
	var zero T
	t := typeOf[T]()

	p.mu.RLock()
	e, ok := p.entries[t]
	p.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotProvided, t)
	}

	e.once.Do(func() {
		e.value, e.err = e.factory(p)
	})
	if e.err != nil {
		return zero, fmt.Errorf("provider: construct %s: %w", t, e.err)
	}
	v, ok := e.value.(T)
	if !ok {
		return zero, fmt.Errorf("provider: %s holds %T", t, e.value)
	}
	return v, nil
}

// MustGet is Get for wiring code where a missing component is a programming error.
func MustGet[T any](p *Provider) T {
	v, err := Get[T](p)
	if err != nil {
		panic(err)
	}
	return v
}

// Has reports whether T has been registered.
func Has[T any](p *Provider) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[typeOf[T]()]
	return ok
}
