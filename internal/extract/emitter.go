package extract

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType identifies a progress event kind.
type EventType string

const (
	EventJobStarted    EventType = "job_started"
	EventPageProcessed EventType = "page_processed"
	EventRecipeFound   EventType = "recipe_found"
	EventCostUpdate    EventType = "cost_update"
	EventJobPaused     EventType = "job_paused"
	EventJobResumed    EventType = "job_resumed"
	EventJobCompleted  EventType = "job_completed"
	EventJobFailed     EventType = "job_failed"
	EventJobCancelled  EventType = "job_cancelled"
)

// Event is one progress notification. Page and TotalPages are 1-based for
// display; Data carries event-specific fields (recipe title, cost so far).
type Event struct {
	Type       EventType      `json:"type"`
	JobID      string         `json:"job_id"`
	CookbookID string         `json:"cookbook_id,omitempty"`
	Page       int            `json:"page,omitempty"`
	TotalPages int            `json:"total_pages,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

type subscriber struct {
	id int
	fn func(Event)
}

// Emitter is an in-memory fan-out of job progress events. Events are
// delivered synchronously in subscription order; a panicking subscriber is
// isolated and never takes the extraction goroutine down. Events are
// best-effort and carry no durable state; the store is the source of truth.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscriber // job ID -> subscribers
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[string][]subscriber)}
}

// Subscribe registers fn for events of jobID and returns an unsubscribe
// function. fn runs on the emitting goroutine; keep it fast.
func (e *Emitter) Subscribe(jobID string, fn func(Event)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[jobID] = append(e.subs[jobID], subscriber{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[jobID]
		for i, s := range list {
			if s.id == id {
				e.subs[jobID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(e.subs[jobID]) == 0 {
			delete(e.subs, jobID)
		}
	}
}

// HasListeners reports whether anyone is watching jobID. The engine skips
// building per-page event payloads when nobody listens.
func (e *Emitter) HasListeners(jobID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[jobID]) > 0
}

// Emit delivers ev to all subscribers of ev.JobID.
func (e *Emitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.mu.RLock()
	list := make([]subscriber, len(e.subs[ev.JobID]))
	copy(list, e.subs[ev.JobID])
	e.mu.RUnlock()

	for _, s := range list {
		deliver(s, ev)
	}
}

func deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job_id", ev.JobID).
				Str("event", string(ev.Type)).Msg("event subscriber panicked")
		}
	}()
	s.fn(ev)
}
