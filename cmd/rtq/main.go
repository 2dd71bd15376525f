package main

import (
	"fmt"
	"os"

	"github.com/fentz26/rtq/internal/config"
	"github.com/fentz26/rtq/internal/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rtq",
	Short: "rtq - a single-node task queue",
	Long: `rtq queues shell commands in a local SQLite store. A daemon runs them one
at a time, capturing each command's output under the work directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore loads the configuration and opens the task store it points at.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open task store %s: %w", cfg.DBPath, err)
	}
	return cfg, s, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
