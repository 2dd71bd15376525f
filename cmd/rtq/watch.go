package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/rtq/internal/daemon"
	"github.com/fentz26/rtq/internal/store"
	"github.com/fentz26/rtq/internal/tui"
	"github.com/spf13/cobra"
)

var (
	watchLimit    int
	watchInterval time.Duration
	watchStart    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of the task queue",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().IntVar(&watchLimit, "limit", 50, "Maximum finished tasks to load")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", tui.DefaultRefreshInterval, "Refresh interval")
	watchCmd.Flags().BoolVar(&watchStart, "start-daemon", false, "Start a background daemon if none is running")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if watchStart && !daemonRunning(cmd.Context(), s) {
		fmt.Println("rtqd not running. Starting background daemon...")
		if err := startDetached(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(tui.NewClient(s, cfg), watchLimit, watchInterval)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// daemonRunning reports whether an unexpired daemon lock exists.
func daemonRunning(ctx context.Context, s *store.Store) bool {
	lock, err := s.GetLock(ctx, daemon.LockResource)
	return err == nil && lock != nil && lock.ExpiresAt.After(time.Now())
}
