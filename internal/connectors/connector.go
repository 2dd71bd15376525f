// Package connectors defines the connector interface for launching task processes.
package connectors

import (
	"context"
	"time"
)

// ExecSpec describes one child process.
type ExecSpec struct {
	// Argv is the command line; Argv[0] is the executable.
	Argv []string
	// Env fully replaces the environment of the child.
	Env map[string]string
	// Dir is the working directory; stdout.log and stderr.log are written here.
	Dir string
}

// Limits controls how a running process is monitored.
type Limits struct {
	// MaxRunSec is the time limit in seconds. Zero means no limit.
	MaxRunSec int64
	// MonitorInterval is how often the process is checked.
	MonitorInterval time.Duration
}

// ExecResult holds the outcome of a finished process.
type ExecResult struct {
	Pid         int       `json:"pid"`
	ExitCode    int       `json:"exit_code"`
	Success     bool      `json:"success"`
	TimedOut    bool      `json:"timed_out"`
	Interrupted bool      `json:"interrupted"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Process is a started child.
type Process interface {
	Pid() int
	// Wait monitors the child until it exits. The child is killed when the
	// time limit passes or ctx is cancelled; Wait still returns only once it
	// has been reaped.
	Wait(ctx context.Context, limits Limits) (*ExecResult, error)
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Start launches a process without waiting for it.
	Start(spec ExecSpec) (Process, error)
}
