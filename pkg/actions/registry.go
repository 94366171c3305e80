package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/labctl/pkg/engine"
)

// HandlerFunc is an in-process action implementation.
type HandlerFunc func(ctx context.Context, payload map[string]interface{}) (engine.ActionResult, error)

// Registry dispatches invocations to in-process handlers. It backs local
// development and tests where no action gateway is running.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

var _ engine.ActionInvoker = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds name to fn, replacing any previous handler.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// SetFallback sets the handler used for names nothing is registered under.
func (r *Registry) SetFallback(fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the handler registered for name, or the fallback. An unknown name
// without a fallback is an InvocationError, the same as an unreachable remote action.
func (r *Registry) Invoke(ctx context.Context, name string, payload map[string]interface{}) (engine.ActionResult, error) {
	r.mu.RLock()
	fn, ok := r.handlers[name]
	if !ok && r.fallback != nil {
		fn, ok = r.fallback, true
	}
	r.mu.RUnlock()
	if !ok {
		return engine.ActionResult{}, engine.NewInvocationError(name, fmt.Errorf("no handler registered"))
	}
	if err := ctx.Err(); err != nil {
		return engine.ActionResult{}, engine.NewInvocationError(name, err)
	}
	return fn(ctx, payload)
}

// Succeed returns a handler that always answers 200 with body.
func Succeed(body string) HandlerFunc {
	return func(context.Context, map[string]interface{}) (engine.ActionResult, error) {
		return engine.ActionResult{StatusCode: 200, Body: body}, nil
	}
}
