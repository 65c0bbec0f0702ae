// Package sdkclient lazily builds provider SDK clients once per name.
package sdkclient

import (
	"context"
	"fmt"
	"sync"
)

// Factory builds a client. It is called again on the next Get if it fails.
type Factory[C any] func(ctx context.Context) (C, error)

type entry[C any] struct {
	mu     sync.Mutex
	client C
	ready  bool
}

// Registry caches one client per name. Concurrent first calls for the same name
// build the client once; a failed build is not remembered.
type Registry[C any] struct {
	mu      sync.Mutex
	entries map[string]*entry[C]
}

func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{entries: make(map[string]*entry[C])}
}

// Get returns the cached client for name, building it with factory on first use.
func (r *Registry[C]) Get(ctx context.Context, name string, factory Factory[C]) (C, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		e = &entry[C]{}
		r.entries[name] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return e.client, nil
	}

	client, err := factory(ctx)
	if err != nil {
		var zero C
		return zero, fmt.Errorf("init %s client: %w", name, err)
	}
	e.client, e.ready = client, true
	return client, nil
}

// Reset drops the cached client so the next Get rebuilds it.
func (r *Registry[C]) Reset(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}
