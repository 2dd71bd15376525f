package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/rtq/internal/models"
)

// TaskItem is a task from any of the three collections, flattened for display.
type TaskItem struct {
	ID         models.TaskID
	State      models.State
	Argv       []string
	MaxRunSec  int64
	Created    time.Time
	Started    time.Time
	Finished   time.Time
	ExitReason string
	ExitCode   int
	Success    bool
}

// FilterValue implements list.Item.
func (i TaskItem) FilterValue() string { return i.CommandLine() }

// Title implements list.DefaultItem.
func (i TaskItem) Title() string { return fmt.Sprintf("%d  %s", i.ID, i.CommandLine()) }

// Description implements list.DefaultItem.
func (i TaskItem) Description() string {
	switch i.State {
	case models.StateWorking:
		return fmt.Sprintf("%s • started %s", formatState(i), formatTime(i.Started))
	case models.StateFinished:
		return fmt.Sprintf("%s • %s (%d) • %s", formatState(i), i.ExitReason, i.ExitCode, formatTime(i.Finished))
	default:
		return fmt.Sprintf("%s • queued %s", formatState(i), formatTime(i.Created))
	}
}

// CommandLine joins the argument vector for display.
func (i TaskItem) CommandLine() string {
	if len(i.Argv) == 0 {
		return "<invalid command>"
	}
	return strings.Join(i.Argv, " ")
}

func pendingItem(t models.PendingTask) TaskItem {
	return TaskItem{
		ID:        t.ID,
		State:     models.StatePending,
		Argv:      argv(t.Command),
		MaxRunSec: t.MaxRunSec,
		Created:   t.TimeCreated,
	}
}

func workingItem(t models.WorkingTask) TaskItem {
	return TaskItem{
		ID:        t.ID,
		State:     models.StateWorking,
		Argv:      argv(t.Command),
		MaxRunSec: t.MaxRunSec,
		Created:   t.TimeCreated,
		Started:   t.TimeStarted,
	}
}

func finishedItem(t models.FinishedTask) TaskItem {
	return TaskItem{
		ID:         t.ID,
		State:      models.StateFinished,
		Argv:       argv(t.Command),
		MaxRunSec:  t.MaxRunSec,
		Created:    t.TimeCreated,
		Started:    t.TimeStarted,
		Finished:   t.TimeFinished,
		ExitReason: t.ExitReason,
		ExitCode:   t.ExitCode,
		Success:    t.Success,
	}
}

func argv(blob string) []string {
	cmd, err := models.DecodeCommand(blob)
	if err != nil {
		return nil
	}
	return cmd.Command
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(models.TimeFormat)
}
