package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/rtq/internal/audit"
	"github.com/fentz26/rtq/internal/config"
	"github.com/fentz26/rtq/internal/connectors"
	"github.com/fentz26/rtq/internal/connectors/localexec"
	"github.com/fentz26/rtq/internal/models"
	"github.com/fentz26/rtq/internal/store"
	"github.com/fentz26/rtq/internal/submit"
)

// mockConnector implements a simple mock connector for testing.
type mockConnector struct {
	startErr error
	duration time.Duration
	exitCode int

	mu        sync.Mutex
	active    int
	maxActive int
	started   []connectors.ExecSpec
}

func (m *mockConnector) Name() string {
	return "mock"
}

func (m *mockConnector) Start(spec connectors.ExecSpec) (connectors.Process, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.mu.Lock()
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	m.started = append(m.started, spec)
	m.mu.Unlock()
	return &mockProcess{conn: m}, nil
}

type mockProcess struct {
	conn *mockConnector
}

func (p *mockProcess) Pid() int { return 1 }

func (p *mockProcess) Wait(ctx context.Context, limits connectors.Limits) (*connectors.ExecResult, error) {
	defer func() {
		p.conn.mu.Lock()
		p.conn.active--
		p.conn.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return &connectors.ExecResult{ExitCode: -1, Interrupted: true}, nil
	case <-time.After(p.conn.duration):
	}
	return &connectors.ExecResult{
		ExitCode: p.conn.exitCode,
		Success:  p.conn.exitCode == 0,
		Status:   "mock",
	}, nil
}

func TestRunOnceEmpty(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	d := newTestDaemon(t, s, &mockConnector{})
	processed, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if processed {
		t.Error("Expected nothing to be processed")
	}
}

func TestRunOnceNormalExit(t *testing.T) {
	requireShell(t)
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	d := newTestDaemon(t, s, localexec.New(nil))
	task := submitTask(t, s, 0, "/bin/sh", "-c", "echo hello; exit 0")

	processed, err := d.RunOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}

	f, err := s.GetFinished(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetFinished failed: %v", err)
	}
	if f.ExitReason != models.ExitReasonNormal || f.ExitCode != 0 || !f.Success {
		t.Errorf("Unexpected finished task: %+v", f)
	}

	dir := d.cfg.TaskDir(f.TimeStarted, task.ID)
	for _, name := range []string{localexec.StdoutFile, localexec.StderrFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s in task dir: %v", name, err)
		}
	}
	stderr, _ := os.ReadFile(filepath.Join(dir, localexec.StderrFile))
	if len(stderr) != 0 {
		t.Errorf("Expected empty stderr.log, got %q", stderr)
	}

	counts, _ := s.Counts(ctx)
	if counts.Pending != 0 || counts.Working != 0 || counts.Finished != 1 {
		t.Errorf("Unexpected counts: %+v", counts)
	}

	events, _ := s.ListEvents(ctx, task.ID)
	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	want := []string{audit.ActionSubmit, audit.ActionClaim, audit.ActionFinish}
	if len(actions) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("Event %d = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestRunOnceRecordsRealExitCode(t *testing.T) {
	requireShell(t)
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	d := newTestDaemon(t, s, localexec.New(nil))
	task := submitTask(t, s, 0, "/bin/sh", "-c", "exit 7")

	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	f, _ := s.GetFinished(ctx, task.ID)
	if f.ExitReason != models.ExitReasonNormal || f.ExitCode != 7 || f.Success {
		t.Errorf("Expected failed normal exit with code 7, got %+v", f)
	}
	if st := d.Stats(); st.Processed != 1 || st.Failed != 1 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestRunOnceTimeout(t *testing.T) {
	requireShell(t)
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	d := newTestDaemon(t, s, localexec.New(nil))
	task := submitTask(t, s, 1, "/bin/sh", "-c", "exec sleep 30")

	start := time.Now()
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Timeout enforcement took %v", elapsed)
	}

	f, _ := s.GetFinished(ctx, task.ID)
	if f.ExitReason != models.ExitReasonTimeout || f.Success || f.ExitCode != -1 {
		t.Errorf("Expected timeout record, got %+v", f)
	}
}

func TestRunOnceSpawnFailure(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	d := newTestDaemon(t, s, localexec.New(nil))
	task := submitTask(t, s, 0, "/nonexistent/binary")

	processed, err := d.RunOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}

	f, err := s.GetFinished(ctx, task.ID)
	if err != nil {
		t.Fatalf("Expected a finished record for a spawn failure: %v", err)
	}
	if f.ExitReason != models.ExitReasonSpawnFailed || f.ExitCode != -1 || f.Success {
		t.Errorf("Unexpected finished task: %+v", f)
	}
	working, _ := s.ListWorking(ctx)
	if len(working) != 0 {
		t.Errorf("Expected no working tasks, got %d", len(working))
	}
}

func TestRunOnceDecodeFailureStaysWorking(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	conn := &mockConnector{}
	d := newTestDaemon(t, s, conn)
	s.InsertPending(ctx, &models.PendingTask{ID: 99, Command: "not json", TimeCreated: time.Now()})

	processed, err := d.RunOnce(ctx)
	if !processed {
		t.Fatal("Expected task to be claimed")
	}
	var serr *models.SerializationError
	if !errors.As(err, &serr) {
		t.Errorf("Expected SerializationError, got %v", err)
	}

	working, _ := s.ListWorking(ctx)
	if len(working) != 1 || working[0].ID != 99 {
		t.Errorf("Expected task 99 to stay working, got %+v", working)
	}
	if len(conn.started) != 0 {
		t.Error("Undecodable task must not be started")
	}
}

func TestRunDrainsQueueSingleFlight(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	// A task left in working by a crashed daemon.
	orphan := models.NewWorkingTask(&models.PendingTask{ID: 1, Command: "{}", TimeCreated: time.Now()}, time.Now())
	if err := s.InsertWorking(ctx, orphan); err != nil {
		t.Fatalf("InsertWorking failed: %v", err)
	}

	var ids []models.TaskID
	for i := 0; i < 4; i++ {
		ids = append(ids, submitTask(t, s, 0, "true").ID)
	}

	conn := &mockConnector{duration: 50 * time.Millisecond}
	d := newTestDaemon(t, s, conn)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	waitFor(t, 10*time.Second, func() bool {
		c, _ := s.Counts(ctx)
		return c.Finished == 5
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	f, _ := s.GetFinished(ctx, 1)
	if f == nil || f.ExitReason != models.ExitReasonCleanup || f.ExitCode != -1 {
		t.Errorf("Expected orphan to be cleaned up, got %+v", f)
	}
	for _, id := range ids {
		f, err := s.GetFinished(ctx, id)
		if err != nil {
			t.Errorf("Task %d not finished: %v", id, err)
			continue
		}
		if f.ExitReason != models.ExitReasonNormal || !f.Success {
			t.Errorf("Unexpected finished task: %+v", f)
		}
	}

	counts, _ := s.Counts(ctx)
	if counts.Pending != 0 || counts.Working != 0 {
		t.Errorf("Expected empty pending/working, got %+v", counts)
	}
	if conn.maxActive != 1 {
		t.Errorf("Expected one task at a time, saw %d concurrently", conn.maxActive)
	}
	if lock, _ := s.GetLock(ctx, LockResource); lock != nil {
		t.Errorf("Expected lock to be released on shutdown, got %+v", lock)
	}
}

func TestRunInterruptedOnShutdown(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	conn := &mockConnector{duration: time.Minute}
	d := newTestDaemon(t, s, conn)
	task := submitTask(t, s, 0, "sleep", "60")

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	waitFor(t, 5*time.Second, func() bool {
		return d.Stats().Current == task.ID
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	f, err := s.GetFinished(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetFinished failed: %v", err)
	}
	if f.ExitReason != models.ExitReasonInterrupted || f.Success {
		t.Errorf("Expected interrupted record, got %+v", f)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	first := newTestDaemon(t, s, &mockConnector{})
	if err := first.Startup(ctx); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}

	second := newTestDaemon(t, s, &mockConnector{})
	err := second.Run(ctx)
	if !errors.Is(err, store.ErrResourceLocked) {
		t.Errorf("Expected ErrResourceLocked, got %v", err)
	}
}

func TestRunSingleKeepsLockWhileTaskRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	first := newTestDaemon(t, s, &mockConnector{duration: 1500 * time.Millisecond})
	first.cfg.LockTTL = 300 * time.Millisecond
	task := submitTask(t, s, 0, "sleep", "1.5")

	type result struct {
		processed bool
		err       error
	}
	done := make(chan result, 1)
	go func() {
		processed, err := first.RunSingle(ctx)
		done <- result{processed, err}
	}()

	waitFor(t, 5*time.Second, func() bool {
		return first.Stats().Current == task.ID
	})
	// Well past the TTL of the lock taken at startup.
	time.Sleep(700 * time.Millisecond)

	second := newTestDaemon(t, s, &mockConnector{})
	second.cfg.LockTTL = 300 * time.Millisecond
	if err := second.Startup(ctx); !errors.Is(err, store.ErrResourceLocked) {
		t.Fatalf("Expected ErrResourceLocked while the task runs, got %v", err)
	}
	counts, _ := s.Counts(ctx)
	if counts.Working != 1 || counts.Finished != 0 {
		t.Errorf("Running task must stay in working, got %+v", counts)
	}

	res := <-done
	if res.err != nil || !res.processed {
		t.Fatalf("RunSingle = %v, %v", res.processed, res.err)
	}
	f, err := s.GetFinished(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetFinished failed: %v", err)
	}
	if f.ExitReason != models.ExitReasonNormal || !f.Success {
		t.Errorf("Unexpected finished task: %+v", f)
	}
	if lock, _ := s.GetLock(ctx, LockResource); lock != nil {
		t.Errorf("Expected lock to be released, got %+v", lock)
	}
}

func TestRunSingleEmptyQueue(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	d := newTestDaemon(t, s, &mockConnector{})
	processed, err := d.RunSingle(context.Background())
	if err != nil || processed {
		t.Errorf("RunSingle = %v, %v", processed, err)
	}
}

func TestStartupTakesOverLockOfDeadProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process liveness is not checked on windows")
	}
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	d := newTestDaemon(t, s, &mockConnector{})

	// A daemon that was killed mid-task: unexpired lock, task left in working.
	crashed := models.Holder{ID: "rtqd-crashed", Hostname: d.holder.Hostname, Pid: deadPid(t)}
	if _, err := s.AcquireLock(ctx, LockResource, crashed, time.Hour); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	task := submitTask(t, s, 0, "sleep", "60")
	if w, err := s.ClaimNext(ctx, time.Now()); err != nil || w == nil {
		t.Fatalf("ClaimNext: %+v, %v", w, err)
	}

	if err := d.Startup(ctx); err != nil {
		t.Fatalf("Startup after crash failed: %v", err)
	}

	f, err := s.GetFinished(ctx, task.ID)
	if err != nil {
		t.Fatalf("Expected orphan to be reconciled: %v", err)
	}
	if f.ExitReason != models.ExitReasonCleanup || f.ExitCode != -1 {
		t.Errorf("Unexpected finished task: %+v", f)
	}
	lock, _ := s.GetLock(ctx, LockResource)
	if lock == nil || lock.HolderID != d.holder.ID {
		t.Errorf("Expected lock to move to the new daemon, got %+v", lock)
	}
}

func TestStartupRespectsLiveOrRemoteHolder(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process liveness is not checked on windows")
	}
	ctx := context.Background()
	hostname, _ := os.Hostname()

	tests := []struct {
		name   string
		holder models.Holder
	}{
		{"live pid on this host", models.Holder{ID: "rtqd-live", Hostname: hostname, Pid: os.Getpid()}},
		{"dead pid on another host", models.Holder{ID: "rtqd-remote", Hostname: hostname + "-other", Pid: deadPid(t)}},
		{"no pid recorded", models.Holder{ID: "rtqd-old", Hostname: hostname}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			defer s.Close()

			if _, err := s.AcquireLock(ctx, LockResource, tt.holder, time.Hour); err != nil {
				t.Fatalf("AcquireLock failed: %v", err)
			}
			d := newTestDaemon(t, s, &mockConnector{})
			if err := d.Startup(ctx); !errors.Is(err, store.ErrResourceLocked) {
				t.Errorf("Expected ErrResourceLocked, got %v", err)
			}
		})
	}
}

func TestRunStopsWhenLockTakenOver(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	d := newTestDaemon(t, s, &mockConnector{})
	d.cfg.LockTTL = 300 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		lock, _ := s.GetLock(ctx, LockResource)
		return lock != nil && lock.HolderID == d.holder.ID
	})

	other := models.Holder{ID: "rtqd-other", Hostname: d.holder.Hostname, Pid: os.Getpid()}
	// The heartbeat may re-take a free lock between the two calls; retry.
	waitFor(t, 5*time.Second, func() bool {
		s.BreakLock(ctx, LockResource, d.holder.ID)
		_, err := s.AcquireLock(ctx, LockResource, other, time.Hour)
		return err == nil
	})

	select {
	case err := <-done:
		if !errors.Is(err, store.ErrResourceLocked) {
			t.Errorf("Expected ErrResourceLocked, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after losing the lock")
	}

	lock, _ := s.GetLock(ctx, LockResource)
	if lock == nil || lock.HolderID != other.ID {
		t.Errorf("Run must not release a lock it no longer holds, got %+v", lock)
	}
}

func TestRunOnceLostOwnership(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	d := newTestDaemon(t, s, &mockConnector{duration: 300 * time.Millisecond})
	task := submitTask(t, s, 0, "true")

	done := make(chan error, 1)
	go func() {
		_, err := d.RunOnce(ctx)
		done <- err
	}()

	waitFor(t, 5*time.Second, func() bool {
		return d.Stats().Current == task.ID
	})
	if err := s.RemoveWorking(ctx, task.ID); err != nil {
		t.Fatalf("RemoveWorking failed: %v", err)
	}

	if err := <-done; !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetFinished(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected no finished record, got %v", err)
	}
}

// deadPid returns the pid of a process that has already exited and been reaped.
func deadPid(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run short-lived process: %v", err)
	}
	return cmd.Process.Pid
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func submitTask(t *testing.T, s *store.Store, maxRunSec int64, argv ...string) *models.PendingTask {
	t.Helper()
	task, err := submit.New(s, audit.NewRecorder(s)).Submit(context.Background(), submit.Request{
		Argv:      argv,
		Environ:   []string{"PATH=/usr/local/bin:/usr/bin:/bin"},
		MaxRunSec: maxRunSec,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return task
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timeout after %v", timeout)
		case <-ticker.C:
		}
	}
}

func newTestDaemon(t *testing.T, s *store.Store, conn connectors.Connector) *Daemon {
	cfg := &config.Config{
		WorkDir:         t.TempDir(),
		PollInterval:    20 * time.Millisecond,
		MonitorInterval: 50 * time.Millisecond,
		LockTTL:         time.Second,
	}
	return New(s, audit.NewRecorder(s), conn, cfg, log.New(io.Discard, "", 0))
}

func newTestStore(t *testing.T) *store.Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
