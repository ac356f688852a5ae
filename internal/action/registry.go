package action

import (
	"context"
	"slices"

	"github.com/linnemanlabs/warden/internal/finding"
)

// Handler performs one kind of externally visible effect.
type Handler interface {
	Kind() string

	// Key identifies the effect for idempotency, e.g. the address being
	// blocked. An empty key disables result caching for the call.
	Key(f *finding.Finding) string

	Execute(ctx context.Context, f *finding.Finding) (map[string]any, error)
}

// Registry holds the handlers the executor may dispatch to.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds handlers, keyed by Kind. A later registration replaces an earlier one.
func (r *Registry) Register(hs ...Handler) {
	for _, h := range hs {
		r.handlers[h.Kind()] = h
	}
}

// Get retrieves a handler by kind.
func (r *Registry) Get(kind string) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Missing returns the kinds in want that have no handler.
func (r *Registry) Missing(want []string) []string {
	var out []string
	for _, k := range want {
		if _, ok := r.handlers[k]; !ok && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}
