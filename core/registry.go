package core

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// Registry is the ordered set of handlers owned by a worker. Iteration
// always runs over a snapshot, so handlers may be added or removed while
// an evaluation is in progress.
type Registry struct {
	mu       sync.RWMutex
	handlers []*Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends h; registration order is evaluation order.
func (r *Registry) Add(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Remove discards h. It reports whether h was registered.
func (r *Registry) Remove(h *Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.handlers, h)
	if i < 0 {
		return false
	}
	r.handlers = slices.Delete(r.handlers, i, i+1)
	return true
}

// Lookup returns the first handler bound to queue, or nil.
func (r *Registry) Lookup(queue string) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.queue == queue {
			return h
		}
	}
	return nil
}

// Handlers returns a snapshot in registration order.
func (r *Registry) Handlers() []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// EvaluateAll calls Evaluate on every handler in registration order. A
// failing handler does not prevent the others from being evaluated.
func (r *Registry) EvaluateAll(ctx context.Context) error {
	var errs []error
	for _, h := range r.Handlers() {
		if err := h.Evaluate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
