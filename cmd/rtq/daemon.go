package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fentz26/rtq/internal/audit"
	"github.com/fentz26/rtq/internal/config"
	"github.com/fentz26/rtq/internal/connectors/localexec"
	"github.com/fentz26/rtq/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	runOnce   bool
	logStderr bool
	detach    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the rtq daemon (rtqd)",
	Long: `Starts the daemon that executes queued tasks one at a time. On startup it
finishes tasks left running by a previous daemon as "cleanup".`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&runOnce, "once", false, "Run at most one pending task and exit")
	daemonCmd.Flags().BoolVar(&logStderr, "log-stderr", false, "Log to stderr instead of a log file")
	daemonCmd.Flags().BoolVar(&detach, "detach", false, "Start the daemon in the background and return")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if detach {
		return startDetached()
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logger, closeLog, err := openDaemonLog(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	d := daemon.New(s, audit.NewRecorder(s), localexec.New(logger), cfg, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if runOnce {
		processed, err := d.RunSingle(ctx)
		if err != nil {
			return err
		}
		if !processed {
			fmt.Println("no pending tasks")
		}
		return nil
	}

	return d.Run(ctx)
}

// openDaemonLog creates rtqd_<timestamp>.log in the log directory, or returns
// a stderr logger when --log-stderr is set.
func openDaemonLog(cfg *config.Config) (*log.Logger, func(), error) {
	if logStderr {
		return log.New(os.Stderr, "rtqd ", log.LstdFlags), func() {}, nil
	}

	name := filepath.Join(cfg.LogDir(), fmt.Sprintf("rtqd_%s.log", time.Now().Format("2006-01-02T15:04:05")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("create daemon log: %w", err)
	}

	fmt.Printf("rtqd log file: %s\n", name)
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}

// startDetached re-runs "rtq daemon" in its own session and returns.
func startDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, "daemon")
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	fmt.Printf("rtqd started in background (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}
