package shim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-lambda-go/lambda"
)

// Registry maps handler identifiers (the function's _HANDLER setting) to
// handlers. It is filled once at cold start.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]lambda.Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]lambda.Handler)}
}

// Register adds handler under name. handler may be any function signature
// accepted by lambda.Start, or a lambda.Handler.
func (r *Registry) Register(name string, handler interface{}) {
	h, ok := handler.(lambda.Handler)
	if !ok {
		h = lambda.NewHandler(handler)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup resolves name. An empty name resolves to the only registered handler
// when exactly one exists.
func (r *Registry) Lookup(name string) (lambda.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		if len(r.handlers) == 1 {
			for _, h := range r.handlers {
				return h, nil
			}
		}
		return nil, ErrNoHandler
	}
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (registered: %v)", ErrUnknownHandler, name, r.names())
	}
	return h, nil
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
