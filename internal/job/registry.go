package job

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"conductor/internal/apperrors"
)

// Factory creates a fresh, unbound Job value for one instance.
type Factory func() Job

type registration struct {
	factory     Factory
	description Description
}

// Registry maps job type names to factories. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]registration),
	}
}

// Register adds a job type. The factory is invoked once to describe the
// job's bindable fields; registering the same name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return apperrors.Validation("type", "job type name is required")
	}
	if factory == nil {
		return apperrors.Validation("factory", "factory is required")
	}

	fields, err := inspect(factory())
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	desc := Description{Name: name, Params: make([]ParamDescription, 0, len(fields))}
	for _, f := range fields {
		desc.Params = append(desc.Params, f.describe())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[name]; exists {
		return apperrors.Conflict("type", name, fmt.Sprintf("job type %q is already registered", name))
	}
	r.types[name] = registration{factory: factory, description: desc}
	return nil
}

// MustRegister is Register for static setup; it panics on error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Names returns registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Describe returns the parameter description of a type.
func (r *Registry) Describe(name string) (Description, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[name]
	if !ok {
		return Description{}, apperrors.NotRegistered(name)
	}
	desc := reg.description
	desc.Params = slices.Clone(desc.Params)
	return desc, nil
}

// create returns a fresh Job for name.
func (r *Registry) create(name string) (Job, error) {
	r.mu.RLock()
	reg, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotRegistered(name)
	}
	j := reg.factory()
	if j == nil {
		return nil, apperrors.Internal("create "+name, errors.New("factory returned nil"))
	}
	return j, nil
}
