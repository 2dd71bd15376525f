// Package tui provides the live terminal view of the task queue.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/rtq/internal/connectors/localexec"
	"github.com/fentz26/rtq/internal/models"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	daemonOnlineStyle = lipgloss.NewStyle().
				Foreground(successColor).
				Bold(true)

	daemonOfflineStyle = lipgloss.NewStyle().
				Foreground(errorColor)
)

// DefaultRefreshInterval is how often the view reloads the store.
const DefaultRefreshInterval = time.Second

const (
	modeList   = "list"
	modeDetail = "detail"
)

// App is the main TUI model.
type App struct {
	client        *Client
	list          *TaskListModel
	detail        *TaskDetailModel
	mode          string
	snapshot      *Snapshot
	err           error
	width         int
	height        int
	finishedLimit int
	interval      time.Duration
}

type snapshotMsg struct{ snap *Snapshot }

type detailMsg struct {
	task   TaskItem
	events []models.Event
	stdout string
	stderr string
}

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// New creates the app. finishedLimit bounds how many finished tasks are loaded.
func New(client *Client, finishedLimit int, interval time.Duration) *App {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &App{
		client:        client,
		list:          NewTaskListModel(),
		detail:        NewTaskDetailModel(),
		mode:          modeList,
		finishedLimit: finishedLimit,
		interval:      interval,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchSnapshot(), a.tick())
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		body := msg.Height - 4
		if body < 1 {
			body = 1
		}
		a.list.SetSize(msg.Width, body)
		a.detail.SetSize(msg.Width, body)
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{a.fetchSnapshot(), a.tick()}
		if a.mode == modeDetail {
			if t := a.detail.Task(); t != nil {
				cmds = append(cmds, a.fetchDetail(t.ID))
			}
		}
		return a, tea.Batch(cmds...)

	case snapshotMsg:
		a.snapshot = msg.snap
		a.err = nil
		return a, a.list.SetTasks(msg.snap.Tasks)

	case detailMsg:
		a.err = nil
		a.detail.SetTask(msg.task, msg.events, msg.stdout, msg.stderr)
		return a, nil

	case errMsg:
		a.err = msg.err
		return a, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return a, tea.Quit
		}
		if a.mode == modeDetail {
			return a, a.updateDetail(msg)
		}
		return a, a.updateList(msg)
	}

	if a.mode == modeDetail {
		return a, a.detail.Update(msg)
	}
	return a, a.list.Update(msg)
}

func (a *App) updateList(msg tea.KeyMsg) tea.Cmd {
	if a.list.Filtering() {
		return a.list.Update(msg)
	}
	switch msg.String() {
	case "q":
		return tea.Quit
	case "tab":
		return a.list.CycleFilter()
	case "r":
		return a.fetchSnapshot()
	case "enter":
		task := a.list.SelectedTask()
		if task == nil {
			return nil
		}
		a.mode = modeDetail
		a.detail.Clear()
		return a.fetchDetail(task.ID)
	}
	return a.list.Update(msg)
}

func (a *App) updateDetail(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "esc", "backspace":
		a.mode = modeList
		a.detail.Clear()
		return a.fetchSnapshot()
	case "r":
		if t := a.detail.Task(); t != nil {
			return a.fetchDetail(t.ID)
		}
		return nil
	}
	return a.detail.Update(msg)
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		snap, err := a.client.Snapshot(context.Background(), a.finishedLimit)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{snap}
	}
}

// fetchDetail reloads one task from a fresh snapshot so a task that moved
// between collections is shown in its new state.
func (a *App) fetchDetail(id models.TaskID) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		snap, err := a.client.Snapshot(ctx, a.finishedLimit)
		if err != nil {
			return errMsg{err}
		}
		var task *TaskItem
		for i := range snap.Tasks {
			if snap.Tasks[i].ID == id {
				task = &snap.Tasks[i]
				break
			}
		}
		if task == nil {
			return errMsg{fmt.Errorf("task %d not found", id)}
		}

		events, err := a.client.Events(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		stdout, err := a.client.Output(*task, localexec.StdoutFile)
		if err != nil {
			return errMsg{err}
		}
		stderr, err := a.client.Output(*task, localexec.StderrFile)
		if err != nil {
			return errMsg{err}
		}
		return detailMsg{task: *task, events: events, stdout: stdout, stderr: stderr}
	}
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("rtq"))
	b.WriteString(a.renderStatus())
	b.WriteString("\n")

	if a.mode == modeDetail {
		b.WriteString(a.detail.View())
	} else if a.snapshot == nil {
		b.WriteString("Loading tasks...")
	} else {
		b.WriteString(a.list.View())
	}
	b.WriteString("\n")

	if a.err != nil {
		b.WriteString(daemonOfflineStyle.Render("Error: " + a.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render(a.help()))
	return b.String()
}

func (a *App) renderStatus() string {
	if a.snapshot == nil {
		return ""
	}
	daemon := daemonOfflineStyle.Render("daemon offline")
	if a.snapshot.DaemonAlive() {
		daemon = daemonOnlineStyle.Render("daemon online")
	}
	c := a.snapshot.Counts
	return statusBarStyle.Render(fmt.Sprintf("pending %d • working %d • finished %d", c.Pending, c.Working, c.Finished)) +
		" " + daemon
}

func (a *App) help() string {
	if a.mode == modeDetail {
		return "↑/↓ scroll • r refresh • esc back • ctrl+c quit"
	}
	return "↑/↓ move • / search • tab state • enter details • r refresh • q quit"
}
