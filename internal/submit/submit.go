// Package submit turns a command line into a pending task.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fentz26/rtq/internal/audit"
	"github.com/fentz26/rtq/internal/models"
	"github.com/fentz26/rtq/internal/store"
)

// maxAttempts bounds retries when a generated id collides.
const maxAttempts = 5

// Request describes one submission.
type Request struct {
	// Argv is the command to run; Argv[0] is the executable.
	Argv []string
	// Environ is the environment in os.Environ form.
	Environ []string
	// MaxRunSec is the time limit; 0 means none.
	MaxRunSec int64
}

// Client inserts tasks into the pending collection.
type Client struct {
	store *store.Store
	audit  *audit.Recorder
	logger *log.Logger
	now    func() time.Time
}

// New creates a submission client. recorder may be nil.
func New(s *store.Store, recorder *audit.Recorder) *Client {
	return &Client{store: s, audit: recorder, logger: log.Default(), now: time.Now}
}

// Submit stores req as a pending task and returns it.
func (c *Client) Submit(ctx context.Context, req Request) (*models.PendingTask, error) {
	if req.MaxRunSec < 0 {
		return nil, fmt.Errorf("max run seconds must not be negative")
	}

	blob, err := models.EncodeCommand(models.TaskCommand{
		EnvVars: EnvMap(req.Environ),
		Command: req.Argv,
	})
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		now := c.now()
		task := &models.PendingTask{
			ID:          models.NewTaskID(now),
			Command:     blob,
			MaxRunSec:   req.MaxRunSec,
			TimeCreated: now,
		}

		err := c.store.InsertPending(ctx, task)
		if errors.Is(err, store.ErrDuplicateID) && attempt < maxAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		if c.audit != nil {
			_, err := c.audit.Record(ctx, audit.ActionSubmit, task.ID, map[string]interface{}{
				"argv":        req.Argv,
				"max_run_sec": req.MaxRunSec,
			}, audit.OutcomeSuccess, strings.Join(req.Argv, " "))
			if err != nil {
				c.logger.Printf("audit %s for task %d: %v", audit.ActionSubmit, task.ID, err)
			}
		}
		return task, nil
	}
}

// EnvMap converts KEY=VALUE pairs into a map. Later duplicates win, entries
// without '=' are dropped.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}
