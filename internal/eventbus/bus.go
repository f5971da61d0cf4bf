// Package eventbus is the in-process domain event bus.
//
// Events are written to a single bounded ring shared by every subscriber. Each
// subscription owns a cursor into the ring and a goroutine that handles events in the
// order it reads them. Publishing never waits for subscribers: a subscriber that falls
// more than the ring capacity behind loses the overwritten events and is told how many
// it missed, while faster subscribers keep reading undisturbed.
//
// The set of subscriptions is fixed once the bus starts. Subscriber packages add
// themselves to a Registry from init and Start applies every registration.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/metrics"
	"github.com/oxide-admin/server/internal/provider"
)

// DefaultCapacity is the number of events retained for slow subscribers.
const DefaultCapacity = 64

var (
	// ErrStarted is returned when the subscriber topology is changed after Start.
	ErrStarted = errors.New("eventbus: bus already started")
	// ErrClosed is returned by Publish and Recv once the bus is closed.
	ErrClosed = errors.New("eventbus: bus closed")
)

// Event is an immutable domain event value.
type Event interface {
	EventName() string
}

// LaggedError tells a receiver that events were overwritten before it read them.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("eventbus: receiver lagged, %d events skipped", e.Skipped)
}

// Handler reacts to one event. Returned errors are logged and counted.
type Handler[E Event] func(ctx context.Context, event E) error

type subscription struct {
	name    string
	recv    *Receiver
	accepts func(Event) bool
	handle  func(context.Context, Event) error
}

// Bus is a bounded broadcast channel of events.
type Bus struct {
	logger   zerolog.Logger
	registry *Registry

	mu       sync.Mutex
	ring     []Event
	head     uint64 // sequence number of the next event written
	notify   chan struct{}
	subs     []*subscription
	starting bool
	started  bool
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithRegistry makes Start apply the registrations of r instead of DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(b *Bus) { b.registry = r }
}

// New creates a bus retaining up to capacity events. A non-positive capacity selects
// DefaultCapacity.
func New(capacity int, logger zerolog.Logger, opts ...Option) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		logger:   logger.With().Str("component", "eventbus").Logger(),
		registry: DefaultRegistry,
		ring:     make([]Event, capacity),
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Capacity returns the ring size.
func (b *Bus) Capacity() int {
	return len(b.ring)
}

// Publish appends event to the ring and wakes every receiver. It never blocks on
// subscribers. Publishing an event nobody subscribes to is not an error.
func (b *Bus) Publish(_ context.Context, event Event) error {
	if event == nil {
		return errors.New("eventbus: nil event")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.ring[b.head%uint64(len(b.ring))] = event
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})

	interested := 0
	for _, s := range b.subs {
		if s.accepts(event) {
			interested++
		}
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(event.EventName()).Inc()
	if interested == 0 {
		metrics.EventsUndelivered.Inc()
		b.logger.Debug().
			Str("event", event.EventName()).
			Msg("event published with no subscribers")
	}
	return nil
}

// Receiver returns a raw view of the ring starting at the next published event.
func (b *Bus) Receiver() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Receiver{bus: b, next: b.head}
}

// Subscribe registers handler for events of type E. E may be an interface type, in
// which case every event implementing it is delivered; use Event to receive everything.
// Subscriptions are only accepted before Start returns.
func Subscribe[E Event](b *Bus, name string, handler Handler[E]) error {
	if handler == nil {
		return fmt.Errorf("eventbus: subscriber %q has no handler", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrStarted
	}
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		if s.name == name {
			return fmt.Errorf("eventbus: duplicate subscriber %q", name)
		}
	}

	b.subs = append(b.subs, &subscription{
		name: name,
		recv: &Receiver{bus: b, next: b.head},
		accepts: func(ev Event) bool {
			_, ok := ev.(E)
			return ok
		},
		handle: func(ctx context.Context, ev Event) error {
			return handler(ctx, ev.(E))
		},
	})
	return nil
}

// Start applies every registration in the bus registry, seals the registry and starts
// one listener per subscription. A subscription sees events published after it was
// created, so events published before Start still reach subscriptions made earlier.
// If a registration fails, the subscriptions added by this call are dropped and Start
// may be retried.
func (b *Bus) Start(ctx context.Context, p *provider.Provider) error {
	b.mu.Lock()
	if b.started || b.starting {
		b.mu.Unlock()
		return ErrStarted
	}
	b.starting = true
	before := len(b.subs)
	b.mu.Unlock()

	for _, reg := range b.registry.seal() {
		if err := reg.Register(b, p); err != nil {
			b.mu.Lock()
			b.subs = b.subs[:before]
			b.starting = false
			b.mu.Unlock()
			return fmt.Errorf("eventbus: register %s: %w", reg.Name, err)
		}
		b.logger.Debug().Str("registration", reg.Name).Msg("subscriber registration applied")
	}

	b.mu.Lock()
	b.started = true
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		b.wg.Add(1)
		go b.listen(ctx, s)
	}
	b.logger.Info().Int("subscribers", len(subs)).Int("capacity", len(b.ring)).Msg("event bus started")
	return nil
}

// Subscribers lists subscription names in registration order.
func (b *Bus) Subscribers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		names = append(names, s.name)
	}
	return names
}

// Close rejects further publications, lets listeners drain the events they can still
// read and waits for them to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.notify)
		b.notify = make(chan struct{})
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) listen(ctx context.Context, s *subscription) {
	defer b.wg.Done()
	logger := b.logger.With().Str("subscriber", s.name).Logger()
	ctx = logger.WithContext(ctx)

	for {
		event, err := s.recv.Recv(ctx)
		if err != nil {
			var lagged *LaggedError
			if errors.As(err, &lagged) {
				metrics.EventsLagged.WithLabelValues(s.name).Add(float64(lagged.Skipped))
				logger.Warn().Uint64("skipped", lagged.Skipped).Msg("subscriber lagged behind event bus")
				continue
			}
			return
		}
		if !s.accepts(event) {
			continue
		}
		b.dispatch(ctx, logger, s, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, logger zerolog.Logger, s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventHandlerErrors.WithLabelValues(s.name, "panic").Inc()
			logger.Error().
				Str("event", event.EventName()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("subscriber panicked")
		}
	}()

	if err := s.handle(ctx, event); err != nil {
		metrics.EventHandlerErrors.WithLabelValues(s.name, "error").Inc()
		logger.Error().Err(err).Str("event", event.EventName()).Msg("subscriber failed to handle event")
	}
}

// Receiver is one reader's position in the ring.
type Receiver struct {
	bus  *Bus
	next uint64
}

// Recv returns the next event, blocking until one is published. A *LaggedError means
// events were overwritten before this receiver read them; the receiver has already
// moved to the oldest retained event and the next call continues from there. Recv
// returns ErrClosed once the bus is closed and every retained event has been read.
func (r *Receiver) Recv(ctx context.Context) (Event, error) {
	b := r.bus
	capacity := uint64(len(b.ring))
	for {
		b.mu.Lock()
		if r.next < b.head {
			var oldest uint64
			if b.head > capacity {
				oldest = b.head - capacity
			}
			if r.next < oldest {
				skipped := oldest - r.next
				r.next = oldest
				b.mu.Unlock()
				return nil, &LaggedError{Skipped: skipped}
			}
			event := b.ring[r.next%capacity]
			r.next++
			b.mu.Unlock()
			return event, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
