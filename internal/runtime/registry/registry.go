// Package registry implements the capability-indexed dependency registry the
// configurator resolves late-bound components from: consumers, validators,
// lifecycle handlers, and connection-string providers.
package registry

import (
	"fmt"
	"sort"
	"sync"

	errs "github.com/lanebus/lanebus/internal/runtime/errors"
)

// Capability is the semantic discriminator of a registration. Resolving a
// name under the wrong capability fails even when the name is known.
type Capability string

const (
	Validator                Capability = "validator"
	ValidatorGroup           Capability = "validator-group"
	LifecycleHandler         Capability = "lifecycle-handler"
	ConnectionStringProvider Capability = "connection-string-provider"
	ProducerSelector         Capability = "producer-selector"
)

// ConsumerOf returns the capability tag for consumers of the given payload
// schema. The empty schema denotes the untyped dynamic payload.
func ConsumerOf(schema string) Capability {
	if schema == "" {
		schema = "dynamic"
	}
	return Capability("consumer:" + schema)
}

// Provider produces a component instance. Whether successive calls return
// the same instance is the provider's choice.
type Provider func() (any, error)

type entryKey struct {
	name       string
	capability Capability
}

// Registry maps (name, capability) pairs to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[entryKey]Provider
	byName    map[string][]Capability
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providers: make(map[entryKey]Provider),
		byName:    make(map[string][]Capability),
	}
}

// RegisterInstance registers a singleton: every resolution returns instance.
func (r *Registry) RegisterInstance(name string, capability Capability, instance any) {
	r.RegisterFactory(name, capability, func() (any, error) { return instance, nil })
}

// RegisterFactory registers a provider invoked on every resolution. The
// provider decides between singleton and transient behaviour.
func (r *Registry) RegisterFactory(name string, capability Capability, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entryKey{name: name, capability: capability}
	if _, exists := r.providers[key]; !exists {
		r.byName[name] = append(r.byName[name], capability)
	}
	r.providers[key] = provider
}

// Resolve returns the component registered under (name, capability).
func (r *Registry) Resolve(name string, capability Capability) (any, error) {
	r.mu.RLock()
	provider, ok := r.providers[entryKey{name: name, capability: capability}]
	others := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		err := errs.ErrUnknownName
		if len(others) > 0 {
			err = fmt.Errorf("%w: registered as %v", errs.ErrCapabilityMismatch, others)
		}
		return nil, &errs.ResolutionError{Name: name, Capability: string(capability), Err: err}
	}

	instance, err := provider()
	if err != nil {
		return nil, &errs.ResolutionError{Name: name, Capability: string(capability), Err: err}
	}
	return instance, nil
}

// Has reports whether (name, capability) is registered.
func (r *Registry) Has(name string, capability Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[entryKey{name: name, capability: capability}]
	return ok
}

// Names returns the sorted list of registered component names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
