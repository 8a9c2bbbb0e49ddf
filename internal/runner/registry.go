package runner

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrRunnerExists   = errors.New("runner already registered")
	ErrRunnerNotFound = errors.New("runner not found")
)

// Registry holds the runners that are currently live. The lock guards
// membership only; runners are never processed under it.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

func (g *Registry) Add(r *Runner) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runners[r.ID()]; ok {
		return ErrRunnerExists
	}
	g.runners[r.ID()] = r
	return nil
}

func (g *Registry) Get(id string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[id]
	return r, ok
}

// Remove deletes id and returns the runner that was registered.
func (g *Registry) Remove(id string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[id]
	delete(g.runners, id)
	return r, ok
}

// List returns the runners ordered by id.
func (g *Registry) List() []*Runner {
	g.mu.RLock()
	out := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Statuses snapshots every runner.
func (g *Registry) Statuses() []Status {
	runners := g.List()
	out := make([]Status, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Status())
	}
	return out
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runners)
}
