package runner

import (
	"sync"
	"time"

	"github.com/dgnsrekt/browsersuite/internal/api"
	"github.com/dgnsrekt/browsersuite/internal/console"
	"github.com/google/uuid"
)

// Tracker records the progress of the current run for the status API.
type Tracker struct {
	mu     sync.Mutex
	status api.Status
}

// NewTracker returns a tracker in the pending state.
func NewTracker() *Tracker {
	return &Tracker{status: api.Status{State: api.StatePending}}
}

// Status implements api.StatusSource.
func (t *Tracker) Status() api.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// start resets the status for a new run and returns its id.
func (t *Tracker) start(url string) string {
	now := time.Now().UTC()
	id := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = api.Status{State: api.StateRunning, RunID: id, URL: url, StartedAt: &now}
	return id
}

func (t *Tracker) observe(console.Message) {
	t.mu.Lock()
	t.status.Messages++
	t.mu.Unlock()
}

func (t *Tracker) finish(r result) string {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.FinishedAt = &now
	t.status.EndMarker = r.endMarker
	t.status.Passed = r.passed()
	t.status.Coverage = r.coverage
	switch {
	case r.err != nil:
		t.status.State = api.StateError
		t.status.Error = r.err.Error()
	case r.passed():
		t.status.State = api.StatePassed
	default:
		t.status.State = api.StateFailed
	}
	return t.status.State
}
