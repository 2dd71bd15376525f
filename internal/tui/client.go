package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/rtq/internal/config"
	"github.com/fentz26/rtq/internal/daemon"
	"github.com/fentz26/rtq/internal/models"
	"github.com/fentz26/rtq/internal/store"
)

// MaxOutputBytes bounds how much of a task's output file is loaded.
const MaxOutputBytes = 16 * 1024

// Snapshot is the queue state at one refresh.
type Snapshot struct {
	Tasks  []TaskItem
	Counts models.Counts
	Daemon *models.Lock
	At     time.Time
}

// DaemonAlive reports whether a daemon currently holds the store lock.
func (s *Snapshot) DaemonAlive() bool {
	return s.Daemon != nil && s.Daemon.ExpiresAt.After(s.At)
}

// Client reads queue state straight from the task store.
type Client struct {
	store *store.Store
	cfg   *config.Config
}

// NewClient creates a client over an open store.
func NewClient(s *store.Store, cfg *config.Config) *Client {
	return &Client{store: s, cfg: cfg}
}

// Snapshot loads working, pending and the most recent finished tasks, in that order.
func (c *Client) Snapshot(ctx context.Context, finishedLimit int) (*Snapshot, error) {
	working, err := c.store.ListWorking(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	finished, err := c.store.ListFinished(ctx, finishedLimit)
	if err != nil {
		return nil, err
	}
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	lock, err := c.store.GetLock(ctx, daemon.LockResource)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Tasks:  make([]TaskItem, 0, len(working)+len(pending)+len(finished)),
		Counts: *counts,
		Daemon: lock,
		At:     time.Now(),
	}
	for _, t := range working {
		snap.Tasks = append(snap.Tasks, workingItem(t))
	}
	for _, t := range pending {
		snap.Tasks = append(snap.Tasks, pendingItem(t))
	}
	for _, t := range finished {
		snap.Tasks = append(snap.Tasks, finishedItem(t))
	}
	return snap, nil
}

// Events returns the audit trail of a task.
func (c *Client) Events(ctx context.Context, id models.TaskID) ([]models.Event, error) {
	return c.store.ListEvents(ctx, id)
}

// Output returns the tail of a task's stdout or stderr file. A task that has
// not started, or a file that does not exist yet, yields an empty string.
func (c *Client) Output(item TaskItem, name string) (string, error) {
	if item.Started.IsZero() {
		return "", nil
	}
	path := filepath.Join(c.cfg.TaskDir(item.Started, item.ID), name)
	return tailFile(path, MaxOutputBytes)
}

func tailFile(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > max {
		if _, err := f.Seek(info.Size()-max, io.SeekStart); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
