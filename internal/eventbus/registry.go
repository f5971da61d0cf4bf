package eventbus

import (
	"fmt"
	"sync"

	"github.com/oxide-admin/server/internal/provider"
)

// Registration adds one or more subscriptions to a bus. Register runs during Start,
// obtains its dependencies from the provider and calls Subscribe.
type Registration struct {
	Name     string
	Register func(bus *Bus, p *provider.Provider) error
}

// Registry collects registrations until a bus starts from it.
type Registry struct {
	mu      sync.Mutex
	sealed  bool
	entries []Registration
}

// DefaultRegistry is the process-wide registry filled by subscriber packages from init.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a registration. It fails on duplicates and once the registry is sealed.
func (r *Registry) Add(reg Registration) error {
	if reg.Name == "" || reg.Register == nil {
		return fmt.Errorf("eventbus: registration needs a name and a register func")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("eventbus: register %s: %w", reg.Name, ErrStarted)
	}
	for _, existing := range r.entries {
		if existing.Name == reg.Name {
			return fmt.Errorf("eventbus: duplicate registration %q", reg.Name)
		}
	}
	r.entries = append(r.entries, reg)
	return nil
}

// Names lists registration names in the order they were added.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.entries))
	for i, reg := range r.entries {
		names[i] = reg.Name
	}
	return names
}

func (r *Registry) seal() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	return append([]Registration(nil), r.entries...)
}

// MustRegister adds reg to DefaultRegistry and panics on failure. Call it from init.
func MustRegister(reg Registration) {
	if err := DefaultRegistry.Add(reg); err != nil {
		panic(err)
	}
}

// Registrations lists the names in DefaultRegistry.
func Registrations() []string {
	return DefaultRegistry.Names()
}
