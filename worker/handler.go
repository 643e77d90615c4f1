package worker

import (
	"context"
	"sync"

	"github.com/opctl/controlplane/errors"
)

// Handler executes one job's payload. Adapted from pulse/async/handler.go's
// JobHandler interface, narrowed to a single Execute method since retry and
// timeout policy now live in the pool rather than per-handler.
type Handler interface {
	Execute(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Execute(ctx context.Context, job *Job) error { return f(ctx, job) }

// Registry maps handler names to their Handler, looked up by Job.HandlerName
// at dispatch time. Grounded on pulse/async/handler.go's HandlerRegistry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

var ErrHandlerNotFound = errors.New("worker: handler not registered")

func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, errors.Wrapf(ErrHandlerNotFound, "handler %q", name)
	}
	return h, nil
}
