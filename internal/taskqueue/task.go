package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is the stored form of a unit of work.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"` // attempts already made
	MaxAttempts int             `json:"max_attempts"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// Job describes a task to enqueue.
type Job struct {
	Type    string
	Payload any

	// Delay postpones the first run.
	Delay time.Duration
	// MaxAttempts defaults to the queue's setting when zero.
	MaxAttempts int
	// DedupKey, when set, makes enqueueing idempotent for the dedup TTL.
	DedupKey string
}
