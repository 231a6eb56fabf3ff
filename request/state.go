package request

import (
	"sync"

	"github.com/google/uuid"
	tmplscout "github.com/tmplscout/tmplscout"
)

// State is the lifecycle stage of a tracked request.
type State int

const (
	StatePending State = iota
	StateDeduped
	StateQueued
	StateExecuting
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDeduped:
		return "deduped"
	case StateQueued:
		return "queued"
	case StateExecuting:
		return "executing"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// trackedRequest follows one logical call through its lifecycle. The ID
// correlates log lines across dedup, batching and retries.
type trackedRequest struct {
	id          string
	fingerprint tmplscout.Hash

	mu       sync.Mutex
	state    State
	attempts int
}

func newTrackedRequest(fingerprint tmplscout.Hash) *trackedRequest {
	return &trackedRequest{
		id:          uuid.New().String(),
		fingerprint: fingerprint,
		state:       StatePending,
	}
}

func (t *trackedRequest) transition(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *trackedRequest) recordAttempt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
}

func (t *trackedRequest) snapshot() (State, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.attempts
}
