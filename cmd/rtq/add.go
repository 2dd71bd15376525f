package main

import (
	"fmt"
	"os"

	"github.com/fentz26/rtq/internal/audit"
	"github.com/fentz26/rtq/internal/submit"
	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add [flags] [--] <command> [args...]",
	Short: "Queue a command with the current environment",
	Long: `Queues a command for the daemon. The command runs later with exactly the
environment this invocation sees. Flags after the command name belong to the command.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

var maxRunSec int64

func init() {
	addCmd.Flags().SetInterspersed(false)
	addCmd.Flags().Int64Var(&maxRunSec, "max-run-sec", 0, "Kill the command after this many seconds (0 = no limit, default from config)")
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	limit := cfg.DefaultMaxRunSec
	if cmd.Flags().Changed("max-run-sec") {
		limit = maxRunSec
	}

	fmt.Printf("adding command %q\n", args)

	task, err := submit.New(s, audit.NewRecorder(s)).Submit(cmd.Context(), submit.Request{
		Argv:      args,
		Environ:   os.Environ(),
		MaxRunSec: limit,
	})
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	fmt.Printf("added task %d %q\n", task.ID, args)
	return nil
}
