// Package tui renders live flash progress with bubbletea. It is a pure
// consumer of coordinator events: the flash itself runs elsewhere and the
// view quits when the operation reaches a terminal state.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/sysadminkit/driveflash/pkg/flash"
)

// eventMsg wraps one coordinator event for the update loop.
type eventMsg struct{ event flash.Event }

// eventsClosedMsg signals the coordinator closed its stream.
type eventsClosedMsg struct{}

// waitForEvent pumps the next coordinator event into the program.
func waitForEvent(events <-chan flash.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

type driveStatus struct {
	done      bool
	failed    bool
	cancelled bool
	detail    string
}

// Model is the flash progress view.
type Model struct {
	events <-chan flash.Event
	cancel func()

	bar    progress.Model
	styles Styles

	image      string
	phase      flash.State
	current    flash.Progress
	drives     map[string]driveStatus
	result     *flash.Result
	cancelSent bool
}

// NewModel builds the view for one flash operation. cancel is invoked on
// ctrl+c; the view then waits for the coordinator to wind down.
func NewModel(image string, events <-chan flash.Event, cancel func()) Model {
	return Model{
		events: events,
		cancel: cancel,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		styles: DefaultStyles(),
		image:  image,
		phase:  flash.StateIdle,
		drives: make(map[string]driveStatus),
	}
}

// Result returns the final operation result, nil until completion.
func (m Model) Result() *flash.Result { return m.result }

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.cancelSent && m.cancel != nil {
				m.cancel()
				m.cancelSent = true
			}
			return m, nil
		}

	case eventMsg:
		return m.applyEvent(msg.event)

	case eventsClosedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) applyEvent(ev flash.Event) (tea.Model, tea.Cmd) {
	switch ev := ev.(type) {
	case flash.StateChanged:
		m.phase = ev.To

	case flash.ProgressUpdated:
		m.current = ev.Progress
		m.phase = ev.Progress.Phase

	case flash.DriveCompleted:
		detail := humanize.IBytes(uint64(ev.Result.BytesWritten))
		if v := ev.Result.Validation; v != nil {
			detail += fmt.Sprintf(", verified %s", v.Mode)
		}
		m.drives[ev.DevicePath] = driveStatus{done: true, detail: detail}

	case flash.DriveFailed:
		status := driveStatus{done: true, failed: true}
		if ev.Err != nil {
			status.detail = ev.Err.Error()
			if ev.Err == flash.ErrCancelled {
				status.failed = false
				status.cancelled = true
				status.detail = "cancelled"
			}
		}
		m.drives[ev.DevicePath] = status

	case flash.OperationError:
		// Terminal failure arrives via OperationCompleted right after.

	case flash.OperationCompleted:
		result := ev.Result
		m.result = &result
		m.phase = result.State
		return m, tea.Quit
	}
	return m, waitForEvent(m.events)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("driveflash"))
	b.WriteString("  ")
	b.WriteString(m.styles.Muted.Render(m.image))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("phase"))
	b.WriteString(m.styles.Phase.Render(m.phase.String()))
	if op := m.current.Operation; op != "" && !m.phase.Terminal() {
		b.WriteString(m.styles.Muted.Render("  " + op))
	}
	if m.cancelSent && !m.phase.Terminal() {
		b.WriteString(m.styles.Warning.Render("  (cancelling)"))
	}
	b.WriteString("\n")

	b.WriteString(m.styles.Label.Render("progress"))
	b.WriteString(m.bar.ViewAs(float64(m.current.Percent) / 100))
	b.WriteString(fmt.Sprintf(" %3d%%", m.current.Percent))
	b.WriteString("\n")

	b.WriteString(m.styles.Label.Render("written"))
	b.WriteString(m.styles.Value.Render(humanize.IBytes(uint64(m.current.BytesWritten))))
	if m.current.SpeedMBps > 0 {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  %.1f MiB/s", m.current.SpeedMBps)))
	}
	if done, failed := m.current.CompletedDrives, m.current.FailedDrives; done > 0 || failed > 0 {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  %d done, %d failed", done, failed)))
	}
	b.WriteString("\n")

	if len(m.drives) > 0 {
		b.WriteString("\n")
		paths := make([]string, 0, len(m.drives))
		for path := range m.drives {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			status := m.drives[path]
			marker := m.styles.Success.Render("ok")
			if status.failed {
				marker = m.styles.Error.Render("failed")
			} else if status.cancelled {
				marker = m.styles.Warning.Render("cancelled")
			}
			b.WriteString(fmt.Sprintf("  %s  %s  %s\n",
				m.styles.Value.Render(path),
				marker,
				m.styles.Muted.Render(status.detail),
			))
		}
	}

	b.WriteString(m.styles.Help.Render("ctrl+c to cancel"))
	b.WriteString("\n")
	return b.String()
}

// Run drives the view until the operation ends and returns the final result.
func Run(image string, events <-chan flash.Event, cancel func()) (*flash.Result, error) {
	program := tea.NewProgram(NewModel(image, events, cancel))
	final, err := program.Run()
	if err != nil {
		return nil, err
	}
	if m, ok := final.(Model); ok {
		return m.Result(), nil
	}
	return nil, nil
}
