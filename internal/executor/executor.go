package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Ramazan2220/warmq/internal/model"
)

// Executor runs one warmup session against one account and reports what
// happened. Implementations must be safe for concurrent use; the scheduler
// calls Run from multiple workers.
type Executor interface {
	Name() string
	Run(ctx context.Context, accountID int64, settings model.Settings) (*model.SessionResult, error)
}

// Registry maps executor names to implementations. Swapping the session
// engine is a config change plus a Register call at wiring time, not a
// runtime mutation of the scheduler.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	r.executors[e.Name()] = e
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("executor %q not registered (have %v)", name, r.namesLocked())
	}
	return e, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
