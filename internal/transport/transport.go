package transport

import (
	"context"
	"sync"

	"github.com/cascadeio/cascade/pkg/schema"
)

// Transport is a callable handle to an external collaborator. Call must
// honor the context deadline; the engine races it against the step timeout.
type Transport interface {
	Call(ctx context.Context, action string, params map[string]any) (any, error)
}

// ActorResolver maps a step's actor reference to a callable transport.
// Resolution failure surfaces as an invocation failure on the step.
type ActorResolver interface {
	Resolve(ref string) (Transport, error)
}

// Func adapts a plain function to the Transport interface.
type Func func(ctx context.Context, action string, params map[string]any) (any, error)

func (f Func) Call(ctx context.Context, action string, params map[string]any) (any, error) {
	return f(ctx, action, params)
}

// Registry is an in-memory ActorResolver mapping references to transports.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]Transport
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actors: make(map[string]Transport)}
}

// Register binds an actor reference to a transport, replacing any previous
// binding for the same reference.
func (r *Registry) Register(ref string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[ref] = t
}

// Resolve returns the transport bound to the reference.
func (r *Registry) Resolve(ref string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.actors[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "actor %q not registered", ref)
	}
	return t, nil
}
