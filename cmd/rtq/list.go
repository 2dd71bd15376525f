package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/rtq/internal/connectors/localexec"
	"github.com/fentz26/rtq/internal/models"
	"github.com/fentz26/rtq/internal/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var (
	listState string
	listLimit int
)

var (
	statePending  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	stateWorking  = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	stateSuccess  = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	stateFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	sectionHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
)

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "Filter by state (pending, working, finished)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum finished tasks to show (0 = all)")
}

func runList(cmd *cobra.Command, args []string) error {
	switch models.State(listState) {
	case "", models.StatePending, models.StateWorking, models.StateFinished:
	default:
		return fmt.Errorf("unknown state %q", listState)
	}

	_, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	rows := [][]string{{"ID", "STATE", "COMMAND", "CREATED", "STARTED", "RESULT"}}

	if listState == "" || listState == string(models.StatePending) {
		pending, err := s.ListPending(ctx)
		if err != nil {
			return err
		}
		for _, t := range pending {
			rows = append(rows, []string{fmt.Sprint(t.ID), statePending.Render("pending"),
				truncate(commandLine(t.Command), 40), formatTime(t.TimeCreated), "", ""})
		}
	}

	if listState == "" || listState == string(models.StateWorking) {
		working, err := s.ListWorking(ctx)
		if err != nil {
			return err
		}
		for _, t := range working {
			rows = append(rows, []string{fmt.Sprint(t.ID), stateWorking.Render("working"),
				truncate(commandLine(t.Command), 40), formatTime(t.TimeCreated), formatTime(t.TimeStarted), ""})
		}
	}

	if listState == "" || listState == string(models.StateFinished) {
		finished, err := s.ListFinished(ctx, listLimit)
		if err != nil {
			return err
		}
		for _, t := range finished {
			rows = append(rows, []string{fmt.Sprint(t.ID), formatFinished(&t),
				truncate(commandLine(t.Command), 40), formatTime(t.TimeCreated), formatTime(t.TimeStarted),
				fmt.Sprintf("%s (%d)", t.ExitReason, t.ExitCode)})
		}
	}

	if len(rows) == 1 {
		fmt.Println("No tasks found")
		return nil
	}
	writeTable(os.Stdout, rows)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}
	id := models.TaskID(n)

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	var (
		command string
		started time.Time
		found   bool
	)

	pending, err := s.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, t := range pending {
		if t.ID == id {
			found, command = true, t.Command
			fmt.Printf("ID:          %d\n", t.ID)
			fmt.Printf("State:       %s\n", statePending.Render("pending"))
			fmt.Printf("Max Run:     %s\n", formatLimit(t.MaxRunSec))
			fmt.Printf("Created:     %s\n", formatTime(t.TimeCreated))
		}
	}

	if !found {
		working, err := s.ListWorking(ctx)
		if err != nil {
			return err
		}
		for _, t := range working {
			if t.ID == id {
				found, command, started = true, t.Command, t.TimeStarted
				fmt.Printf("ID:          %d\n", t.ID)
				fmt.Printf("State:       %s\n", stateWorking.Render("working"))
				fmt.Printf("Max Run:     %s\n", formatLimit(t.MaxRunSec))
				fmt.Printf("Created:     %s\n", formatTime(t.TimeCreated))
				fmt.Printf("Started:     %s\n", formatTime(t.TimeStarted))
			}
		}
	}

	if !found {
		t, err := s.GetFinished(ctx, id)
		if err == store.ErrNotFound {
			return fmt.Errorf("task %d not found", id)
		}
		if err != nil {
			return err
		}
		command, started = t.Command, t.TimeStarted
		fmt.Printf("ID:          %d\n", t.ID)
		fmt.Printf("State:       %s\n", formatFinished(t))
		fmt.Printf("Max Run:     %s\n", formatLimit(t.MaxRunSec))
		fmt.Printf("Created:     %s\n", formatTime(t.TimeCreated))
		fmt.Printf("Started:     %s\n", formatTime(t.TimeStarted))
		fmt.Printf("Finished:    %s\n", formatTime(t.TimeFinished))
		fmt.Printf("Exit Reason: %s\n", t.ExitReason)
		fmt.Printf("Exit Code:   %d\n", t.ExitCode)
	}

	fmt.Printf("Command:     %s\n", commandLine(command))
	if !started.IsZero() {
		dir := cfg.TaskDir(started, id)
		fmt.Printf("Stdout:      %s\n", filepath.Join(dir, localexec.StdoutFile))
		fmt.Printf("Stderr:      %s\n", filepath.Join(dir, localexec.StderrFile))
	}

	events, err := s.ListEvents(ctx, id)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println()
		fmt.Println(sectionHeader.Render("Events"))
		for _, ev := range events {
			line := fmt.Sprintf("  %s  %-18s %s", formatTime(ev.Timestamp), ev.Action, ev.Outcome)
			if ev.Details != "" {
				line += "  " + truncate(ev.Details, 60)
			}
			fmt.Println(line)
		}
	}
	return nil
}

// --- Helpers ---

func commandLine(blob string) string {
	cmd, err := models.DecodeCommand(blob)
	if err != nil {
		return "<invalid command>"
	}
	return strings.Join(cmd.Command, " ")
}

func formatFinished(t *models.FinishedTask) string {
	if t.Success {
		return stateSuccess.Render("finished")
	}
	return stateFailed.Render("finished")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(models.TimeFormat)
}

func formatLimit(sec int64) string {
	if sec == 0 {
		return "none"
	}
	return (time.Duration(sec) * time.Second).String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// writeTable prints rows in aligned columns. Widths are measured with
// lipgloss so styled cells line up with plain ones.
func writeTable(w io.Writer, rows [][]string) {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if cw := lipgloss.Width(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}
