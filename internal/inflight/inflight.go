// Package inflight tracks the executions running in this host.
//
// The registry is advisory coordination state: it lives in memory and is
// empty after a restart. Durable state is reconciled by the recovery scan.
package inflight

import (
	"context"
	"slices"
	"sync"

	"github.com/CZERTAINLY/Foreman/internal/model"
)

type handle struct {
	cancel context.CancelCauseFunc
}

// Registry maps a process id to the cancel function of its execution.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
}

func New() *Registry {
	return &Registry{handles: make(map[string]*handle)}
}

// Acquire registers an execution of id and returns its context together
// with a release func, which must be called once the execution is over.
// It returns false when id is already registered.
func (r *Registry) Acquire(parent context.Context, id string) (context.Context, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[id]; ok {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancelCause(parent)
	h := &handle{cancel: cancel}
	r.handles[id] = h

	release := func() {
		r.mu.Lock()
		if r.handles[id] == h {
			delete(r.handles, id)
		}
		r.mu.Unlock()
		cancel(nil)
	}
	return ctx, release, true
}

// Cancel signals the execution of id with model.ErrCancelRequested. It
// returns false when nothing is registered under id.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel(model.ErrCancelRequested)
	return true
}

func (r *Registry) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

// IDs returns the registered ids sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ret := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ret = append(ret, id)
	}
	r.mu.Unlock()
	slices.Sort(ret)
	return ret
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
