// Package localexec runs task commands as local child processes.
package localexec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/rtq/internal/connectors"
)

// Output file names inside the task directory.
const (
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"
)

// DefaultMonitorInterval is used when Limits.MonitorInterval is unset.
const DefaultMonitorInterval = time.Second

// SpawnError reports a child that could not be started.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutKillError reports a kill signal that could not be delivered.
type TimeoutKillError struct {
	Pid int
	Err error
}

func (e *TimeoutKillError) Error() string {
	return fmt.Sprintf("kill pid %d: %v", e.Pid, e.Err)
}

func (e *TimeoutKillError) Unwrap() error { return e.Err }

// LocalExec implements the Connector interface for local processes.
type LocalExec struct {
	logger *log.Logger
}

// New creates a new LocalExec connector. A nil logger uses the standard logger.
func New(logger *log.Logger) *LocalExec {
	if logger == nil {
		logger = log.Default()
	}
	return &LocalExec{logger: logger}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// Start launches spec.Argv with exactly spec.Env as its environment.
func (l *LocalExec) Start(spec connectors.ExecSpec) (connectors.Process, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, &SpawnError{Executable: "", Err: errors.New("empty command line")}
	}

	path, err := lookPath(spec.Argv[0], spec.Env["PATH"], spec.Dir)
	if err != nil {
		return nil, &SpawnError{Executable: spec.Argv[0], Err: err}
	}

	stdout, err := os.Create(filepath.Join(spec.Dir, StdoutFile))
	if err != nil {
		return nil, &SpawnError{Executable: spec.Argv[0], Err: err}
	}
	defer stdout.Close()

	stderr, err := os.Create(filepath.Join(spec.Dir, StderrFile))
	if err != nil {
		return nil, &SpawnError{Executable: spec.Argv[0], Err: err}
	}
	defer stderr.Close()

	cmd := &exec.Cmd{
		Path:   path,
		Args:   spec.Argv,
		Env:    environ(spec.Env),
		Dir:    spec.Dir,
		Stdout: stdout,
		Stderr: stderr,
	}
	configureChildProc(cmd)

	l.logger.Printf("starting command. workdir %s command line %q", spec.Dir, spec.Argv)
	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Executable: spec.Argv[0], Err: err}
	}

	p := &process{
		cmd:       cmd,
		logger:    l.logger,
		startedAt: startedAt,
		done:      make(chan error, 1),
	}
	go func() {
		p.done <- cmd.Wait()
	}()
	return p, nil
}

// environ renders env as a sorted KEY=VALUE list. The result is never nil so
// that the child never inherits the daemon's environment.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// lookPath resolves name against the captured PATH rather than the daemon's.
func lookPath(name, pathEnv, dir string) (string, error) {
	if strings.Contains(name, string(os.PathSeparator)) {
		p := name
		if !filepath.IsAbs(p) && dir != "" {
			p = filepath.Join(dir, p)
		}
		if err := checkExecutable(p); err != nil {
			return "", err
		}
		return name, nil
	}

	for _, d := range filepath.SplitList(pathEnv) {
		if d == "" {
			d = "."
		}
		candidate := filepath.Join(d, name)
		if !filepath.IsAbs(candidate) && dir != "" {
			candidate = filepath.Join(dir, candidate)
		}
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode()&0111 == 0 {
		return os.ErrPermission
	}
	return nil
}

type process struct {
	cmd       *exec.Cmd
	logger    *log.Logger
	startedAt time.Time
	done      chan error
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Wait(ctx context.Context, limits connectors.Limits) (*connectors.ExecResult, error) {
	interval := limits.MonitorInterval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	var deadline time.Time
	if limits.MaxRunSec > 0 {
		deadline = p.startedAt.Add(time.Duration(limits.MaxRunSec) * time.Second)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	var timedOut, interrupted, killed bool

	for {
		select {
		case err := <-p.done:
			return p.result(err, timedOut, interrupted)

		case <-ctxDone:
			ctxDone = nil
			interrupted = true
			if !killed {
				p.logger.Printf("interrupted, killing pid %d", p.Pid())
				killed = p.kill()
			}

		case now := <-ticker.C:
			if deadline.IsZero() || killed || now.Before(deadline) {
				continue
			}
			timedOut = true
			p.logger.Printf("pid %d exceeded %ds limit, killing", p.Pid(), limits.MaxRunSec)
			killed = p.kill()
		}
	}
}

func (p *process) kill() bool {
	if err := p.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return true
		}
		p.logger.Printf("failed to kill command: %v", &TimeoutKillError{Pid: p.Pid(), Err: err})
		return false
	}
	return true
}

func (p *process) result(waitErr error, timedOut, interrupted bool) (*connectors.ExecResult, error) {
	res := &connectors.ExecResult{
		Pid:         p.Pid(),
		ExitCode:    -1,
		TimedOut:    timedOut,
		Interrupted: interrupted,
		StartedAt:   p.startedAt,
		EndedAt:     time.Now(),
	}

	if state := p.cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		res.Success = state.Success()
		res.Status = state.String()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait: %w", waitErr)
	}

	if res.Success {
		p.logger.Printf("child exited normally")
	} else {
		p.logger.Printf("command failure. exit status: %s", res.Status)
	}
	return res, nil
}
