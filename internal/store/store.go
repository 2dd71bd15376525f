// Package store provides SQLite-backed persistence for rtq.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/rtq/internal/models"
	_ "modernc.org/sqlite"
)

// Sentinel errors for store operations.
var (
	ErrDuplicateID    = errors.New("task id already exists")
	ErrNotFound       = errors.New("task not found")
	ErrResourceLocked = errors.New("resource already locked")
	ErrLockNotHeld    = errors.New("lock not held by this holder")
)

// Store provides access to the rtq SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_tasks (
		id INTEGER PRIMARY KEY,
		command TEXT NOT NULL,
		max_run_sec INTEGER,
		time_created DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS working_tasks (
		id INTEGER PRIMARY KEY,
		command TEXT NOT NULL,
		max_run_sec INTEGER,
		time_created DATETIME NOT NULL,
		time_started DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS finished_tasks (
		id INTEGER PRIMARY KEY,
		command TEXT NOT NULL,
		max_run_sec INTEGER,
		time_created DATETIME NOT NULL,
		time_started DATETIME NOT NULL,
		time_finished DATETIME NOT NULL,
		exit_reason TEXT NOT NULL,
		exit_code INTEGER,
		success INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS locks (
		resource_id TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Lock rows gained holder host and pid; older databases lack the columns.
	for _, stmt := range []string{
		`ALTER TABLE locks ADD COLUMN hostname TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE locks ADD COLUMN pid INTEGER NOT NULL DEFAULT 0`,
	} {
		if _, err := s.db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a primary key or UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "PRIMARY KEY")
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// --- Pending Operations ---

// InsertPending appends a pending task. The id must not exist in any collection.
func (s *Store) InsertPending(ctx context.Context, task *models.PendingTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM working_tasks WHERE id = ?) + (SELECT COUNT(*) FROM finished_tasks WHERE id = ?)`,
		task.ID, task.ID,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("check task id: %w", err)
	}
	if n > 0 {
		return ErrDuplicateID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_tasks (id, command, max_run_sec, time_created) VALUES (?, ?, ?, ?)`,
		task.ID, task.Command, task.MaxRunSec, task.TimeCreated.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert pending task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadNextPending returns the pending task with the lowest id without removing it.
// It returns nil when nothing is pending.
func (s *Store) LoadNextPending(ctx context.Context) (*models.PendingTask, error) {
	return loadNextPending(ctx, s.db)
}

func loadNextPending(ctx context.Context, q execer) (*models.PendingTask, error) {
	task := &models.PendingTask{}
	var maxRunSec sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT id, command, max_run_sec, time_created FROM pending_tasks ORDER BY id LIMIT 1`,
	).Scan(&task.ID, &task.Command, &maxRunSec, &task.TimeCreated)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query pending task: %w", err)
	}
	task.MaxRunSec = maxRunSec.Int64
	return task, nil
}

// ListPending returns all pending tasks in id order.
func (s *Store) ListPending(ctx context.Context) ([]models.PendingTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, max_run_sec, time_created FROM pending_tasks ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.PendingTask
	for rows.Next() {
		var task models.PendingTask
		var maxRunSec sql.NullInt64
		if err := rows.Scan(&task.ID, &task.Command, &maxRunSec, &task.TimeCreated); err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		task.MaxRunSec = maxRunSec.Int64
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// RemovePending deletes a pending task. Removing an absent id is not an error.
func (s *Store) RemovePending(ctx context.Context, id models.TaskID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending task: %w", err)
	}
	return nil
}

// --- Working Operations ---

// InsertWorking appends a working task.
func (s *Store) InsertWorking(ctx context.Context, task *models.WorkingTask) error {
	return insertWorking(ctx, s.db, task)
}

func insertWorking(ctx context.Context, q execer, task *models.WorkingTask) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO working_tasks (id, command, max_run_sec, time_created, time_started) VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.Command, task.MaxRunSec, task.TimeCreated.UTC(), task.TimeStarted.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert working task: %w", err)
	}
	return nil
}

// ListWorking returns all working tasks in id order.
func (s *Store) ListWorking(ctx context.Context) ([]models.WorkingTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, max_run_sec, time_created, time_started FROM working_tasks ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query working tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.WorkingTask
	for rows.Next() {
		var task models.WorkingTask
		var maxRunSec sql.NullInt64
		if err := rows.Scan(&task.ID, &task.Command, &maxRunSec, &task.TimeCreated, &task.TimeStarted); err != nil {
			return nil, fmt.Errorf("scan working task: %w", err)
		}
		task.MaxRunSec = maxRunSec.Int64
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// RemoveWorking deletes a working task. Removing an absent id is not an error.
func (s *Store) RemoveWorking(ctx context.Context, id models.TaskID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM working_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete working task: %w", err)
	}
	return nil
}

// ClaimNext atomically moves the lowest pending task into working.
// It returns nil when nothing is pending.
func (s *Store) ClaimNext(ctx context.Context, started time.Time) (*models.WorkingTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	pending, err := loadNextPending(ctx, tx)
	if err != nil || pending == nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM pending_tasks WHERE id = ?`, pending.ID)
	if err != nil {
		return nil, fmt.Errorf("delete pending task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, nil
	}

	working := models.NewWorkingTask(pending, started)
	if err := insertWorking(ctx, tx, working); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return working, nil
}

// --- Finished Operations ---

// InsertFinished appends a finished task.
func (s *Store) InsertFinished(ctx context.Context, task *models.FinishedTask) error {
	return insertFinished(ctx, s.db, task)
}

func insertFinished(ctx context.Context, q execer, task *models.FinishedTask) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO finished_tasks (id, command, max_run_sec, time_created, time_started, time_finished, exit_reason, exit_code, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Command, task.MaxRunSec, task.TimeCreated.UTC(), task.TimeStarted.UTC(),
		task.TimeFinished.UTC(), task.ExitReason, task.ExitCode, task.Success,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert finished task: %w", err)
	}
	return nil
}

const finishedColumns = `id, command, max_run_sec, time_created, time_started, time_finished, exit_reason, exit_code, success`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFinished(row scanner) (*models.FinishedTask, error) {
	task := &models.FinishedTask{}
	var maxRunSec, exitCode sql.NullInt64
	err := row.Scan(&task.ID, &task.Command, &maxRunSec, &task.TimeCreated, &task.TimeStarted,
		&task.TimeFinished, &task.ExitReason, &exitCode, &task.Success)
	if err != nil {
		return nil, err
	}
	task.MaxRunSec = maxRunSec.Int64
	task.ExitCode = int(exitCode.Int64)
	return task, nil
}

// GetFinished retrieves a finished task by id.
func (s *Store) GetFinished(ctx context.Context, id models.TaskID) (*models.FinishedTask, error) {
	task, err := scanFinished(s.db.QueryRowContext(ctx,
		`SELECT `+finishedColumns+` FROM finished_tasks WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query finished task: %w", err)
	}
	return task, nil
}

// ListFinished returns the most recently finished tasks. A limit <= 0 returns all.
func (s *Store) ListFinished(ctx context.Context, limit int) ([]models.FinishedTask, error) {
	query := `SELECT ` + finishedColumns + ` FROM finished_tasks ORDER BY time_finished DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query finished tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.FinishedTask
	for rows.Next() {
		task, err := scanFinished(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finished task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Complete atomically removes the working task and records its finished form.
// It returns ErrNotFound when the task is no longer in working.
func (s *Store) Complete(ctx context.Context, task *models.FinishedTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM working_tasks WHERE id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("delete working task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	if err := insertFinished(ctx, tx, task); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ReconcileOrphans converts every working task into a finished task with the
// "cleanup" reason. It is run once at daemon startup, before anything is claimed.
func (s *Store) ReconcileOrphans(ctx context.Context, now time.Time) ([]models.FinishedTask, error) {
	working, err := s.ListWorking(ctx)
	if err != nil {
		return nil, err
	}

	var cleaned []models.FinishedTask
	for i := range working {
		finished := models.NewFinishedTask(&working[i], now, models.ExitReasonCleanup, models.ExitCodeUnknown, false)
		err := s.Complete(ctx, finished)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if errors.Is(err, ErrDuplicateID) {
			// Already terminal; only the stale working row is left to drop.
			if err := s.RemoveWorking(ctx, finished.ID); err != nil {
				return cleaned, err
			}
			continue
		}
		if err != nil {
			return cleaned, fmt.Errorf("reconcile task %d: %w", finished.ID, err)
		}
		cleaned = append(cleaned, *finished)
	}
	return cleaned, nil
}

// Counts returns the number of tasks in each collection.
func (s *Store) Counts(ctx context.Context) (*models.Counts, error) {
	c := &models.Counts{}
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM pending_tasks), (SELECT COUNT(*) FROM working_tasks), (SELECT COUNT(*) FROM finished_tasks)`,
	).Scan(&c.Pending, &c.Working, &c.Finished)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return c, nil
}

// --- Lock Operations ---

// AcquireLock takes an expiring lock on a resource. An expired lock, or one
// already held by the same holder, is taken over.
func (s *Store) AcquireLock(ctx context.Context, resourceID string, holder models.Holder, ttl time.Duration) (*models.Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	existing, err := getLock(ctx, tx, resourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.HolderID != holder.ID && existing.ExpiresAt.After(now) {
		return existing, ErrResourceLocked
	}

	lock := &models.Lock{
		ResourceID: resourceID,
		HolderID:   holder.ID,
		Hostname:   holder.Hostname,
		Pid:        holder.Pid,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO locks (resource_id, holder_id, hostname, pid, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		lock.ResourceID, lock.HolderID, lock.Hostname, lock.Pid, lock.CreatedAt, lock.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lock, nil
}

// RenewLock extends a held lock (heartbeat).
func (s *Store) RenewLock(ctx context.Context, resourceID, holderID string, ttl time.Duration) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE resource_id = ? AND holder_id = ?`,
		time.Now().UTC().Add(ttl), resourceID, holderID,
	)
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// BreakLock removes a lock that is still held by holderID, whether or not it
// has expired. Callers use it to clear a lock whose holder is known to be dead.
func (s *Store) BreakLock(ctx context.Context, resourceID, holderID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE resource_id = ? AND holder_id = ?`, resourceID, holderID)
	if err != nil {
		return fmt.Errorf("break lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// ReleaseLock drops a lock if it is held by holderID.
func (s *Store) ReleaseLock(ctx context.Context, resourceID, holderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE resource_id = ? AND holder_id = ?`, resourceID, holderID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// GetLock returns the current lock on a resource, expired or not, or nil.
func (s *Store) GetLock(ctx context.Context, resourceID string) (*models.Lock, error) {
	return getLock(ctx, s.db, resourceID)
}

func getLock(ctx context.Context, q execer, resourceID string) (*models.Lock, error) {
	lock := &models.Lock{}
	err := q.QueryRowContext(ctx,
		`SELECT resource_id, holder_id, hostname, pid, created_at, expires_at FROM locks WHERE resource_id = ?`,
		resourceID,
	).Scan(&lock.ResourceID, &lock.HolderID, &lock.Hostname, &lock.Pid, &lock.CreatedAt, &lock.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	return lock, nil
}

// --- Event Operations ---

// RecordEvent appends an entry to the lifecycle audit trail.
func (s *Store) RecordEvent(ctx context.Context, ev *models.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (action, task_id, inputs_hash, outcome, details, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Action, ev.TaskID, ev.InputsHash, ev.Outcome, ev.Details, ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	ev.ID, _ = result.LastInsertId()
	return nil
}

// ListEvents returns the audit trail for a task, oldest first.
func (s *Store) ListEvents(ctx context.Context, taskID models.TaskID) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, task_id, inputs_hash, outcome, details, timestamp FROM events WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.TaskID, &ev.InputsHash, &ev.Outcome, &details, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Details = details.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
