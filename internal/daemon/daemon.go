// Package daemon runs the single-task poll loop that executes queued commands.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fentz26/rtq/internal/audit"
	"github.com/fentz26/rtq/internal/config"
	"github.com/fentz26/rtq/internal/connectors"
	"github.com/fentz26/rtq/internal/models"
	"github.com/fentz26/rtq/internal/store"
	"github.com/google/uuid"
)

// LockResource is the lock every daemon must hold on its store.
const LockResource = "daemon"

// Stats is a snapshot of daemon activity.
type Stats struct {
	HolderID  string        `json:"holder_id"`
	Current   models.TaskID `json:"current,omitempty"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
}

// Daemon claims pending tasks one at a time and runs them to completion.
type Daemon struct {
	store     *store.Store
	audit     *audit.Recorder
	connector connectors.Connector
	cfg       *config.Config
	logger    *log.Logger
	holder    models.Holder
	now       func() time.Time

	mu        sync.Mutex
	current   models.TaskID
	processed int
	failed    int
	lockErr   error
}

// New creates a new daemon. A nil logger uses the standard logger.
func New(s *store.Store, recorder *audit.Recorder, conn connectors.Connector, cfg *config.Config, logger *log.Logger) *Daemon {
	if logger == nil {
		logger = log.Default()
	}
	hostname, _ := os.Hostname()
	return &Daemon{
		store:     s,
		audit:     recorder,
		connector: conn,
		cfg:       cfg,
		logger:    logger,
		holder: models.Holder{
			ID:       fmt.Sprintf("rtqd-%d-%s", os.Getpid(), uuid.New().String()),
			Hostname: hostname,
			Pid:      os.Getpid(),
		},
		now: time.Now,
	}
}

// Startup takes the store lock and converts tasks orphaned by a previous
// daemon into finished "cleanup" records.
func (d *Daemon) Startup(ctx context.Context) error {
	if err := d.acquireLock(ctx); err != nil {
		return err
	}

	cleaned, err := d.store.ReconcileOrphans(ctx, d.now())
	if err != nil {
		d.store.ReleaseLock(context.WithoutCancel(ctx), LockResource, d.holder.ID)
		return fmt.Errorf("reconcile orphaned tasks: %w", err)
	}
	for _, f := range cleaned {
		d.logger.Printf("cleaned up orphaned task %d (started %s)", f.ID, f.TimeStarted.Local().Format(models.TimeFormat))
		d.record(ctx, audit.ActionCleanup, f.ID, audit.OutcomeFailure, f.ExitReason)
	}
	return nil
}

// acquireLock takes the daemon lock. A lock held by a process on this host
// that no longer exists is broken instead of waiting for it to expire.
func (d *Daemon) acquireLock(ctx context.Context) error {
	lock, err := d.store.AcquireLock(ctx, LockResource, d.holder, d.cfg.LockTTL)
	if errors.Is(err, store.ErrResourceLocked) && d.staleLock(lock) {
		d.logger.Printf("daemon lock holder %s (pid %d) is gone, taking over", lock.HolderID, lock.Pid)
		if err := d.store.BreakLock(ctx, LockResource, lock.HolderID); err != nil && !errors.Is(err, store.ErrLockNotHeld) {
			return fmt.Errorf("break stale daemon lock: %w", err)
		}
		lock, err = d.store.AcquireLock(ctx, LockResource, d.holder, d.cfg.LockTTL)
	}
	if errors.Is(err, store.ErrResourceLocked) {
		return fmt.Errorf("another daemon (%s, pid %d) holds the store until %s: %w",
			lock.HolderID, lock.Pid, lock.ExpiresAt.Local().Format(models.TimeFormat), err)
	}
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	return nil
}

func (d *Daemon) staleLock(lock *models.Lock) bool {
	return lock != nil && lock.Pid > 0 && lock.Hostname == d.holder.Hostname && !processAlive(lock.Pid)
}

// Run performs Startup and then polls until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	return d.withLock(ctx, d.loop)
}

// RunSingle performs Startup, runs at most one pending task while keeping
// the lock alive, and releases the lock. It reports whether a task was run.
func (d *Daemon) RunSingle(ctx context.Context) (bool, error) {
	var (
		processed bool
		runErr    error
	)
	err := d.withLock(ctx, func(ctx context.Context) {
		processed, runErr = d.RunOnce(ctx)
	})
	if err != nil {
		return processed, err
	}
	return processed, runErr
}

// withLock runs body between Startup and lock release, renewing the lock in
// the background. Losing the lock cancels the context passed to body.
func (d *Daemon) withLock(ctx context.Context, body func(context.Context)) error {
	if err := d.Startup(ctx); err != nil {
		return err
	}
	d.logger.Printf("rtqd started as %s", d.holder.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.heartbeat(ctx, cancel)
	}()

	body(ctx)

	cancel()
	wg.Wait()
	if err := d.store.ReleaseLock(context.Background(), LockResource, d.holder.ID); err != nil {
		d.logger.Printf("release daemon lock: %v", err)
	}
	d.logger.Println("rtqd stopped")

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockErr
}

func (d *Daemon) loop(ctx context.Context) {
	for {
		processed, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Printf("poll: %v", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// heartbeat renews the store lock until ctx ends. Losing the lock to
// another daemon stops this one.
func (d *Daemon) heartbeat(ctx context.Context, stop context.CancelFunc) {
	interval := d.cfg.LockTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := d.store.RenewLock(ctx, LockResource, d.holder.ID, d.cfg.LockTTL)
		if errors.Is(err, store.ErrLockNotHeld) {
			_, err = d.store.AcquireLock(ctx, LockResource, d.holder, d.cfg.LockTTL)
		}
		if errors.Is(err, store.ErrResourceLocked) {
			d.mu.Lock()
			d.lockErr = fmt.Errorf("daemon lock taken over: %w", err)
			d.mu.Unlock()
			d.logger.Printf("lost daemon lock, stopping")
			stop()
			return
		}
		if err != nil && ctx.Err() == nil {
			d.logger.Printf("renew daemon lock: %v", err)
		}
	}
}

// RunOnce claims and executes at most one pending task. It reports whether a
// task was claimed.
func (d *Daemon) RunOnce(ctx context.Context) (bool, error) {
	task, err := d.store.ClaimNext(ctx, d.now())
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	d.logger.Printf("claimed task %d", task.ID)
	d.record(ctx, audit.ActionClaim, task.ID, audit.OutcomeSuccess, "")

	d.mu.Lock()
	d.current = task.ID
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.current = 0
		d.mu.Unlock()
	}()

	finished, err := d.execute(ctx, task)

	d.mu.Lock()
	d.processed++
	if finished == nil || !finished.Success {
		d.failed++
	}
	d.mu.Unlock()
	return true, err
}

// execute runs a claimed task and records its finished form. A command blob
// that cannot be decoded leaves the task in working for inspection.
func (d *Daemon) execute(ctx context.Context, task *models.WorkingTask) (*models.FinishedTask, error) {
	// Completion must be recorded even while shutting down.
	persistCtx := context.WithoutCancel(ctx)

	cmd, err := models.DecodeCommand(task.Command)
	if err != nil {
		d.logger.Printf("task %d: %v; left in working state", task.ID, err)
		d.record(persistCtx, audit.ActionDecodeFailed, task.ID, audit.OutcomeFailure, err.Error())
		return nil, fmt.Errorf("task %d: %w", task.ID, err)
	}
	d.logger.Printf("task %d command %q", task.ID, cmd.Command)

	dir := d.cfg.TaskDir(task.TimeStarted, task.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return d.spawnFailed(persistCtx, task, fmt.Errorf("create task dir: %w", err))
	}

	proc, err := d.connector.Start(connectors.ExecSpec{
		Argv: cmd.Command,
		Env:  cmd.EnvVars,
		Dir:  dir,
	})
	if err != nil {
		return d.spawnFailed(persistCtx, task, err)
	}

	res, err := proc.Wait(ctx, connectors.Limits{
		MaxRunSec:       task.MaxRunSec,
		MonitorInterval: d.cfg.MonitorInterval,
	})
	if err != nil {
		d.logger.Printf("task %d: error when attempting to wait: %v", task.ID, err)
	}
	if res == nil {
		res = &connectors.ExecResult{ExitCode: models.ExitCodeUnknown}
	}

	reason := models.ExitReasonNormal
	switch {
	case res.TimedOut:
		reason = models.ExitReasonTimeout
	case res.Interrupted:
		reason = models.ExitReasonInterrupted
	}
	success := res.Success && reason == models.ExitReasonNormal

	finished := models.NewFinishedTask(task, d.now(), reason, res.ExitCode, success)
	if err := d.complete(persistCtx, finished); err != nil {
		return nil, err
	}
	d.logger.Printf("task %d finished: %s, exit code %d (%s)", task.ID, reason, res.ExitCode, res.Status)
	return finished, nil
}

func (d *Daemon) spawnFailed(ctx context.Context, task *models.WorkingTask, cause error) (*models.FinishedTask, error) {
	d.logger.Printf("failed to run task %d: %v", task.ID, cause)
	d.record(ctx, audit.ActionSpawnFailed, task.ID, audit.OutcomeFailure, cause.Error())

	finished := models.NewFinishedTask(task, d.now(), models.ExitReasonSpawnFailed, models.ExitCodeUnknown, false)
	if err := d.complete(ctx, finished); err != nil {
		return nil, err
	}
	return finished, nil
}

func (d *Daemon) complete(ctx context.Context, finished *models.FinishedTask) error {
	err := d.store.Complete(ctx, finished)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Printf("task %d is no longer in working; another daemon took it over, result dropped", finished.ID)
	}
	if err != nil {
		return fmt.Errorf("complete task %d: %w", finished.ID, err)
	}
	outcome := audit.OutcomeFailure
	if finished.Success {
		outcome = audit.OutcomeSuccess
	}
	d.record(ctx, audit.ActionFinish, finished.ID, outcome, finished.ExitReason)
	return nil
}

func (d *Daemon) record(ctx context.Context, action string, id models.TaskID, outcome, details string) {
	if d.audit == nil {
		return
	}
	inputs := map[string]interface{}{"task_id": id, "holder_id": d.holder.ID}
	if _, err := d.audit.Record(ctx, action, id, inputs, outcome, details); err != nil {
		d.logger.Printf("audit %s for task %d: %v", action, id, err)
	}
}

// Stats returns current daemon statistics.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		HolderID:  d.holder.ID,
		Current:   d.current,
		Processed: d.processed,
		Failed:    d.failed,
	}
}
