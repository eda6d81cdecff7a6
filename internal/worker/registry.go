// Package worker implements the dispatch engine: the handler registry, the
// per-job state machine, and the worker pool that drains the broker queue.
package worker

import (
	"fmt"

	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

// Registry maps job kinds to handlers. It is built at process startup and
// must not be mutated after the pool starts; no locking is done.
type Registry struct {
	handlers map[domain.JobKind]domain.Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobKind]domain.Handler)}
}

// Register binds a handler to a kind, replacing any previous binding.
func (r *Registry) Register(kind domain.JobKind, h domain.Handler) {
	r.handlers[kind] = h
}

// Lookup returns the handler for kind or ErrUnknownKind.
func (r *Registry) Lookup(kind domain.JobKind) (domain.Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("op=registry.lookup: %w: %s", domain.ErrUnknownKind, kind)
	}
	return h, nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []domain.JobKind {
	out := make([]domain.JobKind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// DefaultRegistry returns a registry with the builtin handlers for every
// known job kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.KindEmail, HandleEmail)
	r.Register(domain.KindDataProcessing, HandleDataProcessing)
	r.Register(domain.KindReportGeneration, HandleReportGeneration)
	r.Register(domain.KindImageProcessing, HandleImageProcessing)
	r.Register(domain.KindWebhook, HandleWebhook)
	return r
}
