package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/rtq/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusWorking = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
)

func formatState(i TaskItem) string {
	switch i.State {
	case models.StatePending:
		return statusPending.Render("● pending")
	case models.StateWorking:
		return statusWorking.Render("● working")
	case models.StateFinished:
		if i.Success {
			return statusSuccess.Render("● finished")
		}
		return statusFailed.Render("● finished")
	default:
		return string(i.State)
	}
}

var filters = []models.State{"", models.StateWorking, models.StatePending, models.StateFinished}
var filterLabels = []string{"all", "working", "pending", "finished"}

// TaskListModel is the scrollable task list with a state filter.
type TaskListModel struct {
	list        list.Model
	tasks       []TaskItem
	filterIndex int
}

// NewTaskListModel creates an empty task list.
func NewTaskListModel() *TaskListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Tasks [all]"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)
	l.Styles.Title = listTitleStyle

	return &TaskListModel{list: l}
}

// SetSize sets the list dimensions.
func (m *TaskListModel) SetSize(w, h int) {
	m.list.SetSize(w, h)
}

// SetTasks replaces the task set and reapplies the state filter.
func (m *TaskListModel) SetTasks(tasks []TaskItem) tea.Cmd {
	m.tasks = tasks
	return m.apply()
}

// CycleFilter moves to the next state filter.
func (m *TaskListModel) CycleFilter() tea.Cmd {
	m.filterIndex = (m.filterIndex + 1) % len(filters)
	m.list.Title = fmt.Sprintf("Tasks [%s]", filterLabels[m.filterIndex])
	m.list.ResetSelected()
	return m.apply()
}

// Filter returns the active state filter; empty means all states.
func (m *TaskListModel) Filter() models.State {
	return filters[m.filterIndex]
}

// Filtering reports whether the user is typing a text filter.
func (m *TaskListModel) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// Visible returns the tasks passing the state filter.
func (m *TaskListModel) Visible() []TaskItem {
	items := m.list.Items()
	out := make([]TaskItem, len(items))
	for i, it := range items {
		out[i] = it.(TaskItem)
	}
	return out
}

// SelectedTask returns the highlighted task.
func (m *TaskListModel) SelectedTask() *TaskItem {
	if item := m.list.SelectedItem(); item != nil {
		task := item.(TaskItem)
		return &task
	}
	return nil
}

func (m *TaskListModel) apply() tea.Cmd {
	state := m.Filter()
	items := make([]list.Item, 0, len(m.tasks))
	for _, t := range m.tasks {
		if state == "" || t.State == state {
			items = append(items, t)
		}
	}
	return m.list.SetItems(items)
}

// Update forwards messages to the underlying list.
func (m *TaskListModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return cmd
}

// View renders the task list.
func (m *TaskListModel) View() string {
	return m.list.View()
}
