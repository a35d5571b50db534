package messaging

import (
	"context"
	"sync"
)

// Mapping binds a routing pattern to a handler
type Mapping struct {
	Pattern *Pattern
	Handler Handler
}

// Registry holds the pattern-to-handler bindings of a service.
//
// Bindings are kept in registration order, which is also the order handlers
// run in when several patterns match the same routing key.
type Registry struct {
	mu       sync.RWMutex
	mappings []Mapping
	index    map[string]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
	}
}

// Register binds handler to pattern.
// Registering the same pattern twice returns a *DuplicatePatternError.
func (r *Registry) Register(pattern string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	compiled, err := CompilePattern(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[pattern]; exists {
		return &DuplicatePatternError{Pattern: pattern}
	}

	r.index[pattern] = len(r.mappings)
	r.mappings = append(r.mappings, Mapping{Pattern: compiled, Handler: handler})
	return nil
}

// RegisterFunc registers a function as a handler
func (r *Registry) RegisterFunc(pattern string, fn func(ctx context.Context, body []byte) error) error {
	if fn == nil {
		return ErrNilHandler
	}
	return r.Register(pattern, HandlerFunc(fn))
}

// All returns a copy of all mappings in registration order
func (r *Registry) All() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Mapping, len(r.mappings))
	copy(result, r.mappings)
	return result
}

// MatchAll returns every mapping whose pattern matches routingKey, in registration order
func (r *Registry) MatchAll(routingKey string) []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Mapping
	for _, m := range r.mappings {
		if m.Pattern.Match(routingKey) {
			matched = append(matched, m)
		}
	}
	return matched
}

// Patterns returns the registered patterns in registration order
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make([]string, len(r.mappings))
	for i, m := range r.mappings {
		patterns[i] = m.Pattern.String()
	}
	return patterns
}

// Len returns the number of registered mappings
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mappings)
}
