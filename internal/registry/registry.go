// Package registry maps task-type identifiers to handler implementations.
// Handlers are unaware of claiming, leasing and retry; that separation is
// what keeps new task types addable without touching the worker engine.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"scrapeq/internal/results"
)

var (
	// ErrDuplicateRegistration reports an attempt to bind a different
	// handler to an already-registered type.
	ErrDuplicateRegistration = errors.New("duplicate handler registration")
	// ErrUnknownType reports a type with no registered handler.
	ErrUnknownType = errors.New("unknown task type")
)

// Descriptor identifies a handler implementation.
type Descriptor struct {
	Name    string
	Type    string
	Version string
}

// Handler executes one task type. Validate must be side-effect free; Execute
// returns the records to persist, which must be idempotent under the result
// store's (source, external_id) dedup since a retried task may run it twice.
type Handler interface {
	Descriptor() Descriptor
	Validate(payload json.RawMessage) error
	Execute(ctx context.Context, payload json.RawMessage) ([]results.Record, error)
}

// Deps are the shared collaborators injected into every handler. Handlers
// construct nothing global themselves.
type Deps struct {
	Results *results.Store
	Logger  *slog.Logger
}

// Constructor builds a handler with its dependencies injected.
type Constructor func(Deps) Handler

type registration struct {
	desc Descriptor
	ctor Constructor
}

// Registry is an explicit instance handed to the worker engine at startup;
// there is no process-wide registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

func New() *Registry {
	return &Registry{handlers: map[string]registration{}}
}

// Register binds a task type to a constructor. Re-registering the same type
// with an identical descriptor is a no-op, so repeated wiring from several
// entry points is harmless; binding a different handler to a bound type is a
// configuration error.
func (r *Registry) Register(desc Descriptor, ctor Constructor) error {
	if desc.Type == "" {
		return fmt.Errorf("handler descriptor has empty type")
	}
	if ctor == nil {
		return fmt.Errorf("nil constructor for type %q", desc.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handlers[desc.Type]; ok {
		if existing.desc == desc {
			return nil
		}
		return fmt.Errorf("%w: type %q already bound to %s/%s",
			ErrDuplicateRegistration, desc.Type, existing.desc.Name, existing.desc.Version)
	}
	r.handlers[desc.Type] = registration{desc: desc, ctor: ctor}
	return nil
}

// Create instantiates the handler bound to taskType with deps injected.
func (r *Registry) Create(taskType string, deps Deps) (Handler, error) {
	r.mu.RLock()
	reg, ok := r.handlers[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, taskType)
	}
	return reg.ctor(deps), nil
}

// Types lists every registered task type. The worker engine claims only
// these.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
