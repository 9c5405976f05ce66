// Package stats is a registry of named monotonically increasing counters.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type Counter struct {
	name string
	v    atomic.Uint64
}

func (c *Counter) Inc()           { c.v.Add(1) }
func (c *Counter) Add(n uint64)   { c.v.Add(n) }
func (c *Counter) Load() uint64   { return c.v.Load() }
func (c *Counter) String() string { return fmt.Sprintf("%s: %d", c.name, c.Load()) }

type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// Create returns the counter called name, creating it at zero if needed.
func (r *Registry) Create(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name}
	r.counters[name] = c
	return c
}

func (r *Registry) Get(name string) (*Counter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	return c, ok
}

// Snapshot copies the values of every counter whose name starts with prefix.
func (r *Registry) Snapshot(prefix string) map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64)
	for name, c := range r.counters {
		if strings.HasPrefix(name, prefix) {
			out[name] = c.Load()
		}
	}
	return out
}

func (r *Registry) String() string {
	snap := r.Snapshot("")
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s: %d\n", name, snap[name])
	}
	return sb.String()
}
