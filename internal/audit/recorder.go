// Package audit records task lifecycle transitions for rtq.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fentz26/rtq/internal/models"
)

// Lifecycle actions.
const (
	ActionSubmit       = "task.submit"
	ActionClaim        = "task.claim"
	ActionFinish       = "task.finish"
	ActionCleanup      = "task.cleanup"
	ActionSpawnFailed  = "task.spawn_failed"
	ActionDecodeFailed = "task.decode_failed"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// EventStore is the persistence the recorder needs.
type EventStore interface {
	RecordEvent(ctx context.Context, ev *models.Event) error
}

// Recorder writes lifecycle events to the audit trail.
type Recorder struct {
	store EventStore
}

// NewRecorder creates a new recorder.
func NewRecorder(s EventStore) *Recorder {
	return &Recorder{store: s}
}

// Record writes an event for a state-mutating action.
func (r *Recorder) Record(ctx context.Context, action string, taskID models.TaskID, inputs interface{}, outcome, details string) (*models.Event, error) {
	ev := &models.Event{
		Action:     action,
		TaskID:     taskID,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.store.RecordEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
