package models

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeCommand(t *testing.T) {
	blob, err := EncodeCommand(TaskCommand{
		EnvVars: map[string]string{"HOME": "/home/u", "PATH": "/bin"},
		Command: []string{"sh", "-c", "exit 0"},
	})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}

	cmd, err := DecodeCommand(blob)
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	if len(cmd.Command) != 3 || cmd.Command[2] != "exit 0" {
		t.Errorf("Unexpected argv: %v", cmd.Command)
	}
	if cmd.EnvVars["HOME"] != "/home/u" {
		t.Errorf("Unexpected env: %v", cmd.EnvVars)
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"not json", "sleep 1"},
		{"empty argv", `{"env_vars":{},"command":[]}`},
		{"empty executable", `{"env_vars":{},"command":[""]}`},
		{"wrong type", `{"command":"ls"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand(tt.blob)
			var serr *SerializationError
			if !errors.As(err, &serr) {
				t.Errorf("Expected SerializationError, got %v", err)
			}
		})
	}
}

func TestDecodeCommandNilEnv(t *testing.T) {
	cmd, err := DecodeCommand(`{"command":["true"]}`)
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	if cmd.EnvVars == nil {
		t.Error("Expected empty, non-nil environment")
	}
}

func TestEncodeCommandRejectsEmpty(t *testing.T) {
	if _, err := EncodeCommand(TaskCommand{}); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestNewTaskID(t *testing.T) {
	now := time.Now()
	seen := make(map[TaskID]bool)
	for i := 0; i < 1000; i++ {
		id := NewTaskID(now)
		if id <= 0 {
			t.Fatalf("Expected positive id, got %d", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate id %d", id)
		}
		seen[id] = true
	}

	if got := NewTaskID(now).Time().UnixMilli(); got != now.UnixMilli() {
		t.Errorf("Expected embedded time %d, got %d", now.UnixMilli(), got)
	}

	later := NewTaskID(now.Add(time.Millisecond))
	earlier := NewTaskID(now)
	if later <= earlier {
		t.Errorf("Expected ids to be time ordered: %d <= %d", later, earlier)
	}
}

func TestLifecycleConstructors(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	p := &PendingTask{ID: 42, Command: "{}", MaxRunSec: 5, TimeCreated: created}

	started := time.Now()
	w := NewWorkingTask(p, started)
	if w.ID != 42 || w.MaxRunSec != 5 || !w.TimeCreated.Equal(created) || !w.TimeStarted.Equal(started) {
		t.Errorf("Unexpected working task: %+v", w)
	}

	f := NewFinishedTask(w, started.Add(time.Second), ExitReasonNormal, 3, false)
	if f.ID != 42 || f.ExitCode != 3 || f.Success || f.ExitReason != ExitReasonNormal {
		t.Errorf("Unexpected finished task: %+v", f)
	}
}
