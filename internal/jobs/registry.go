package jobs

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc implements the work for one job type. Handlers are supplied by
// other subsystems (repository analysis, AI broker, data migrations) and are
// opaque to the manager beyond this signature.
//
// A handler may return a *Result for precise user-facing messaging, a plain
// error, or both nils for an implicit success. Cooperative cancellation is a
// contract handler authors must honor: a handler that never calls
// exec.UpdateProgress or exec.CheckCancelled cannot be cancelled before its
// natural completion.
type HandlerFunc func(ctx context.Context, exec *Execution, projectID string, params map[string]any) (*Result, error)

// registry maps job types to handlers. It is populated while the manager is
// being wired up and read-only once workers run, so lookups take only a
// read lock.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]HandlerFunc)}
}

func (r *registry) register(jobType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *registry) get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *registry) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
