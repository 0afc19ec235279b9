package events

import (
	"errors"
	"fmt"
	"time"
)

// EventVersion1 is the current schema version. Later versions only add
// fields.
const EventVersion1 = 1

// Run outcomes carried by RunCompletedEvent.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// RunCompletedEvent is published when a generation run finishes, whatever
// its outcome.
type RunCompletedEvent struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Outcome string `json:"outcome"`

	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Cached  int `json:"cached"`
	Skipped int `json:"skipped"`

	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Validate checks that the event is well formed.
func (e *RunCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.RunID == "" {
		return errors.New("run_id is required")
	}
	if e.Outcome != OutcomeCompleted && e.Outcome != OutcomeFailed {
		return fmt.Errorf("invalid outcome: %s (must be completed or failed)", e.Outcome)
	}
	if e.Total < 0 || e.Success < 0 || e.Failed < 0 || e.Cached < 0 || e.Skipped < 0 {
		return errors.New("counters cannot be negative")
	}
	if e.Success+e.Failed+e.Cached+e.Skipped > e.Total {
		return fmt.Errorf("counters exceed total %d", e.Total)
	}
	if e.Duration < 0 {
		return errors.New("duration cannot be negative")
	}
	if e.CompletedAt.IsZero() {
		return errors.New("completed_at cannot be zero")
	}
	return nil
}

// CacheClearedEvent is published after every entry was deleted by an
// operator.
type CacheClearedEvent struct {
	Version   int    `json:"version"`
	RequestID string `json:"request_id"`
	ClearedBy string `json:"cleared_by"`

	// Regenerate asks the generation service to start a fresh run.
	Regenerate bool      `json:"regenerate"`
	ClearedAt  time.Time `json:"cleared_at"`
}

func (e *CacheClearedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	if e.ClearedAt.IsZero() {
		return errors.New("cleared_at cannot be zero")
	}
	return nil
}
