// Package registry holds the process-wide method table: a flat,
// append-only map from "{service}/{method}" to a handler, populated only
// during service initialization and frozen once the dispatcher starts.
// Reads are lock-free after Freeze.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nodeforge/fabric/internal/errkind"
	"github.com/nodeforge/fabric/internal/model"
)

// Handler is the signature every registered method must implement: it
// receives the caller's raw JSON-RPC params and returns a result value (to
// be re-marshaled) or an error.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Entry is one registered method: its metadata plus the handler reference.
type Entry struct {
	Service string
	Method  string
	Meta    model.MethodMeta
	Handler Handler
}

// Registry is the process-wide method table. Use New; the zero value is not
// usable.
type Registry struct {
	mu      sync.Mutex // guards writes only; held during Register/Freeze
	entries map[string]Entry
	frozen  atomic.Bool
}

// New returns an empty, unfrozen Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds service/method to the table. It fails with
// errkind.DuplicateMethod on key collision and is itself a programming
// error (not retriable) if called after Freeze.
func (r *Registry) Register(service, method string, meta model.MethodMeta, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return errkind.New(errkind.DuplicateMethod, fmt.Sprintf("registry frozen, cannot register %s/%s", service, method))
	}

	key := model.MethodKey(service, method)
	if _, exists := r.entries[key]; exists {
		return errkind.New(errkind.DuplicateMethod, key)
	}
	r.entries[key] = Entry{Service: service, Method: method, Meta: meta, Handler: h}
	return nil
}

// Freeze closes the registry to further registration. The lifecycle
// orchestrator calls this immediately before the dispatcher starts
// serving, so no registration can succeed once requests are in flight.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the Entry for "{service}/{method}", lock-free, or
// errkind.MethodNotFound.
func (r *Registry) Lookup(service, method string) (Entry, error) {
	key := model.MethodKey(service, method)
	e, ok := r.lookupKey(key)
	if !ok {
		return Entry{}, errkind.New(errkind.MethodNotFound, key)
	}
	return e, nil
}

func (r *Registry) lookupKey(key string) (Entry, bool) {
	// Reads never mutate r.entries after Freeze, and even before Freeze the
	// only writer is Register under r.mu; a plain map read is safe for this
	// append-only table once serving starts.
	e, ok := r.entries[key]
	return e, ok
}

// Summaries returns the per-service method name lists used to populate a
// NodeInfo.Services gossip summary.
func (r *Registry) Summaries() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string)
	for _, e := range r.entries {
		out[e.Service] = append(out[e.Service], e.Method)
	}
	return out
}
