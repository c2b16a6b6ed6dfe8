package extract

import (
	"sync"
	"sync/atomic"
)

// Handle carries the pause/cancel flags for one running job. The page loop
// reads the flags at loop boundaries only; a page that has started always
// commits or fails before the job yields.
type Handle struct {
	jobID     string
	paused    atomic.Bool
	cancelled atomic.Bool
}

func (h *Handle) JobID() string { return h.jobID }

func (h *Handle) RequestPause()  { h.paused.Store(true) }
func (h *Handle) RequestCancel() { h.cancelled.Store(true) }

func (h *Handle) PauseRequested() bool  { return h.paused.Load() }
func (h *Handle) CancelRequested() bool { return h.cancelled.Load() }

// Registry maps job IDs to their control handles. Handles exist only while
// the job's goroutine runs; a pause or cancel for an unregistered job is a
// caller error surfaced as a missing handle.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Acquire registers a handle for jobID. It returns false when the job is
// already running, which guards against double-starting a job goroutine.
func (r *Registry) Acquire(jobID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[jobID]; ok {
		return nil, false
	}
	h := &Handle{jobID: jobID}
	r.handles[jobID] = h
	return h, true
}

func (r *Registry) Release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, jobID)
}

func (r *Registry) Get(jobID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[jobID]
	return h, ok
}

func (r *Registry) Running(jobID string) bool {
	_, ok := r.Get(jobID)
	return ok
}
