package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Factory builds a fresh strategy instance with default parameters.
type Factory func() (Strategy, error)

// Registry maps strategy names to factories and caches one live
// instance per name. Registration happens once at composition time;
// afterwards the registry is read-mostly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Strategy
	log       *logrus.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Strategy),
		log:       log,
	}
}

// Register adds a factory under name. Duplicate names warn and the
// last registration wins.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		r.log.WithField("strategy", name).Warn("strategy already registered, overwriting")
	}
	r.factories[name] = f
	r.log.WithField("strategy", name).Debug("strategy registered")
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether name is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Get returns the cached instance for name, building it on first use
// (singleton per name).
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[name]; ok {
		return inst, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, r.notFoundLocked(name)
	}
	inst, err := f()
	if err != nil {
		return nil, fmt.Errorf("instantiate strategy %s: %w", name, err)
	}
	r.instances[name] = inst
	r.log.WithField("strategy", name).Info("strategy instance created")
	return inst, nil
}

// Create returns a fresh, uncached instance, optionally applying
// parameter overrides.
func (r *Registry) Create(name string, overrides map[string]any) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	var notFound error
	if !ok {
		notFound = r.notFoundLocked(name)
	}
	r.mu.RUnlock()
	if notFound != nil {
		return nil, notFound
	}
	inst, err := f()
	if err != nil {
		return nil, fmt.Errorf("instantiate strategy %s: %w", name, err)
	}
	if len(overrides) > 0 {
		UpdateParameters(inst, overrides)
	}
	return inst, nil
}

// Instances returns a copy of the live instance map.
func (r *Registry) Instances() map[string]Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Strategy, len(r.instances))
	for name, inst := range r.instances {
		out[name] = inst
	}
	return out
}

// Active returns the names of instances currently RUNNING, sorted.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, inst := range r.instances {
		if inst.Status() == StatusRunning {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Remove drops the cached instance, stopping it first if running.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[name]; ok {
		if inst.Status() == StatusRunning {
			inst.Stop()
		}
		delete(r.instances, name)
		r.log.WithField("strategy", name).Info("strategy instance removed")
	}
}

// Infos describes every registered strategy, instantiating nothing:
// cached instances report live state, the rest report defaults.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Info, 0, len(names))
	for _, name := range names {
		if inst, ok := r.instances[name]; ok {
			out = append(out, Describe(inst))
			continue
		}
		// Build a throwaway instance just to read its declaration.
		inst, err := r.factories[name]()
		if err != nil {
			r.log.WithField("strategy", name).WithError(err).Error("strategy info unavailable")
			out = append(out, Info{Name: name, Description: "error: " + err.Error(), Status: StatusError})
			continue
		}
		info := Describe(inst)
		info.Instantiated = false
		out = append(out, info)
	}
	return out
}

func (r *Registry) notFoundLocked(name string) error {
	available := make([]string, 0, len(r.factories))
	for n := range r.factories {
		available = append(available, n)
	}
	sort.Strings(available)
	return fmt.Errorf("strategy %q not found, available: %v", name, available)
}

// RegisterBuiltins wires the compiled-in strategies.
func RegisterBuiltins(r *Registry) {
	r.Register("sma_crossover", func() (Strategy, error) { return NewSMACrossover(10, 20) })
	r.Register("rsi_strategy", func() (Strategy, error) { return NewRSIStrategy(14, 70, 30) })
	r.Register("asia_range_reversal", func() (Strategy, error) { return NewAsiaRangeReversal() })
}
