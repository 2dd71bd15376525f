package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/rtq/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// TaskDetailModel shows one task with its audit trail and output.
type TaskDetailModel struct {
	task     *TaskItem
	events   []models.Event
	stdout   string
	stderr   string
	viewport viewport.Model
}

// NewTaskDetailModel creates an empty detail view.
func NewTaskDetailModel() *TaskDetailModel {
	return &TaskDetailModel{viewport: viewport.New(80, 20)}
}

// SetSize sets the dimensions.
func (m *TaskDetailModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
	m.render()
}

// Task returns the task being shown, if any.
func (m *TaskDetailModel) Task() *TaskItem {
	return m.task
}

// SetTask replaces the shown task. The scroll position is kept when the
// same task is refreshed.
func (m *TaskDetailModel) SetTask(task TaskItem, events []models.Event, stdout, stderr string) {
	same := m.task != nil && m.task.ID == task.ID
	m.task = &task
	m.events = events
	m.stdout = stdout
	m.stderr = stderr
	m.render()
	if !same {
		m.viewport.GotoTop()
	}
}

// Clear drops the shown task.
func (m *TaskDetailModel) Clear() {
	m.task = nil
	m.events = nil
	m.stdout, m.stderr = "", ""
	m.viewport.SetContent("")
}

// Update handles scrolling.
func (m *TaskDetailModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return cmd
}

// View renders the task detail.
func (m *TaskDetailModel) View() string {
	if m.task == nil {
		return "Loading task details..."
	}
	return m.viewport.View()
}

func (m *TaskDetailModel) render() {
	if m.task == nil {
		return
	}
	t := m.task
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Task %d", t.ID)))
	b.WriteString("\n\n")

	b.WriteString(renderField("State", formatState(*t)))
	b.WriteString(renderField("Command", t.CommandLine()))
	limit := "none"
	if t.MaxRunSec > 0 {
		limit = (time.Duration(t.MaxRunSec) * time.Second).String()
	}
	b.WriteString(renderField("Max Run", limit))
	b.WriteString(renderField("Created", formatTime(t.Created)))
	if !t.Started.IsZero() {
		b.WriteString(renderField("Started", formatTime(t.Started)))
	}
	if t.State == models.StateFinished {
		b.WriteString(renderField("Finished", formatTime(t.Finished)))
		exit := statusFailed.Render(fmt.Sprintf("%d", t.ExitCode))
		if t.Success {
			exit = statusSuccess.Render(fmt.Sprintf("%d", t.ExitCode))
		}
		b.WriteString(renderField("Exit", fmt.Sprintf("%s (%s)", exit, t.ExitReason)))
	}

	if len(m.events) > 0 {
		b.WriteString(sectionStyle.Render("Events"))
		b.WriteString("\n")
		for _, ev := range m.events {
			line := fmt.Sprintf("  %s  %-18s %s", formatTime(ev.Timestamp), ev.Action, ev.Outcome)
			if ev.Details != "" {
				line += "  " + ev.Details
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString(sectionStyle.Render("stdout"))
	b.WriteString("\n")
	b.WriteString(outputBlock(m.stdout))
	b.WriteString(sectionStyle.Render("stderr"))
	b.WriteString("\n")
	b.WriteString(outputBlock(m.stderr))

	m.viewport.SetContent(b.String())
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func outputBlock(s string) string {
	if s == "" {
		return labelStyle.Render("  (empty)") + "\n"
	}
	s = strings.TrimRight(s, "\n")
	return "  " + strings.ReplaceAll(s, "\n", "\n  ") + "\n"
}
