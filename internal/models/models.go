// Package models defines the core domain types for rtq.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskID identifies a task across the pending, working and finished collections.
type TaskID int64

// State names one of the three task collections.
type State string

const (
	StatePending  State = "pending"
	StateWorking  State = "working"
	StateFinished State = "finished"
)

// Exit reasons recorded on finished tasks.
const (
	ExitReasonNormal      = "normal exit"
	ExitReasonCleanup     = "cleanup"
	ExitReasonTimeout     = "timeout"
	ExitReasonSpawnFailed = "spawn_failed"
	ExitReasonInterrupted = "interrupted"
)

// ExitCodeUnknown is recorded when no real exit status exists.
const ExitCodeUnknown = -1

// TimeFormat is used when timestamps are shown to users.
const TimeFormat = "2006-01-02 15:04:05"

// TaskCommand is the argv and environment captured at submission.
type TaskCommand struct {
	EnvVars map[string]string `json:"env_vars"`
	Command []string          `json:"command"`
}

// SerializationError reports a command blob that could not be encoded or decoded.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("task command: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// EncodeCommand serializes a TaskCommand into the text stored with each task.
func EncodeCommand(cmd TaskCommand) (string, error) {
	if len(cmd.Command) == 0 {
		return "", &SerializationError{Err: fmt.Errorf("empty command line")}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", &SerializationError{Err: err}
	}
	return string(data), nil
}

// DecodeCommand parses a stored command blob.
func DecodeCommand(blob string) (*TaskCommand, error) {
	var cmd TaskCommand
	if err := json.Unmarshal([]byte(blob), &cmd); err != nil {
		return nil, &SerializationError{Err: err}
	}
	if len(cmd.Command) == 0 || cmd.Command[0] == "" {
		return nil, &SerializationError{Err: fmt.Errorf("empty command line")}
	}
	if cmd.EnvVars == nil {
		cmd.EnvVars = map[string]string{}
	}
	return &cmd, nil
}

// PendingTask is work that has been submitted but not claimed.
type PendingTask struct {
	ID          TaskID    `json:"id"`
	Command     string    `json:"command"`
	MaxRunSec   int64     `json:"max_run_sec"`
	TimeCreated time.Time `json:"time_created"`
}

// WorkingTask is work claimed by the daemon.
type WorkingTask struct {
	ID          TaskID    `json:"id"`
	Command     string    `json:"command"`
	MaxRunSec   int64     `json:"max_run_sec"`
	TimeCreated time.Time `json:"time_created"`
	TimeStarted time.Time `json:"time_started"`
}

// FinishedTask is the terminal record of a task.
type FinishedTask struct {
	ID           TaskID    `json:"id"`
	Command      string    `json:"command"`
	MaxRunSec    int64     `json:"max_run_sec"`
	TimeCreated  time.Time `json:"time_created"`
	TimeStarted  time.Time `json:"time_started"`
	TimeFinished time.Time `json:"time_finished"`
	ExitReason   string    `json:"exit_reason"`
	ExitCode     int       `json:"exit_code"`
	Success      bool      `json:"success"`
}

// NewWorkingTask promotes a pending task.
func NewWorkingTask(p *PendingTask, started time.Time) *WorkingTask {
	return &WorkingTask{
		ID:          p.ID,
		Command:     p.Command,
		MaxRunSec:   p.MaxRunSec,
		TimeCreated: p.TimeCreated,
		TimeStarted: started,
	}
}

// NewFinishedTask closes out a working task.
func NewFinishedTask(w *WorkingTask, finished time.Time, reason string, exitCode int, success bool) *FinishedTask {
	return &FinishedTask{
		ID:           w.ID,
		Command:      w.Command,
		MaxRunSec:    w.MaxRunSec,
		TimeCreated:  w.TimeCreated,
		TimeStarted:  w.TimeStarted,
		TimeFinished: finished,
		ExitReason:   reason,
		ExitCode:     exitCode,
		Success:      success,
	}
}

// Counts summarizes the size of each collection.
type Counts struct {
	Pending  int `json:"pending"`
	Working  int `json:"working"`
	Finished int `json:"finished"`
}

// Holder identifies the process taking a lock.
type Holder struct {
	ID       string `json:"holder_id"`
	Hostname string `json:"hostname"`
	Pid      int    `json:"pid"`
}

// Lock is an advisory, expiring lock on a named resource.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	Hostname   string    `json:"hostname"`
	Pid        int       `json:"pid"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Event is one entry of the task lifecycle audit trail.
type Event struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	TaskID     TaskID    `json:"task_id"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
