// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui renders the interactive initialization view: the user-gesture
// path that may download the on-device model, with live state and progress.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/smartreply/internal/gateway"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	brandPrimary = lipgloss.Color("#7C3AED")
	brandAccent  = lipgloss.Color("#10B981")
	brandError   = lipgloss.Color("#EF4444")
	textMuted    = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Foreground(brandPrimary).
			Bold(true).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(brandAccent).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(brandError).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(textMuted)
)

// =============================================================================
// MESSAGES
// =============================================================================

// statusMsg carries a fresh gateway snapshot into the model.
type statusMsg gateway.Status

// doneMsg carries the final outcome of EnsureReady.
type doneMsg struct{ err error }

type tickMsg time.Time

// =============================================================================
// MODEL
// =============================================================================

// initModel drives the initialization view: a spinner while detecting, a
// progress bar while downloading, and a terminal success/error line.
type initModel struct {
	gw      *gateway.Gateway
	ctx     context.Context
	spinner spinner.Model
	bar     progress.Model
	status  gateway.Status
	done    bool
	err     error
}

// RunInit runs the interactive initialization until it completes or fails.
// The returned error is the initialization outcome, not a render error.
func RunInit(ctx context.Context, gw *gateway.Gateway) error {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(brandPrimary)

	m := initModel{
		gw:      gw,
		ctx:     ctx,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient()),
		status:  gw.Status(),
	}

	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return err
	}
	return final.(initModel).err
}

func (m initModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.ensureReady(), m.tick())
}

// ensureReady runs the interactive initialization off the render loop.
func (m initModel) ensureReady() tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: m.gw.EnsureReady(m.ctx, true)}
	}
}

// tick polls the gateway status while the initialization runs.
func (m initModel) tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m initModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.done = true
			m.err = context.Canceled
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tea.Batch(func() tea.Msg { return statusMsg(m.gw.Status()) }, m.tick())

	case statusMsg:
		m.status = gateway.Status(msg)
		if m.status.State == gateway.StateDownloading {
			return m, m.bar.SetPercent(float64(m.status.Progress) / 100)
		}
		return m, nil

	case doneMsg:
		m.done = true
		m.err = msg.err
		m.status = m.gw.Status()
		return m, tea.Quit

	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		m.bar = barModel.(progress.Model)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m initModel) View() string {
	s := titleStyle.Render("smartreply model initialization") + "\n"

	switch {
	case m.done && m.err == nil:
		s += successStyle.Render("✓ ready") + dimStyle.Render(fmt.Sprintf("  (%s)", m.status.Backend)) + "\n"
	case m.done:
		s += errorStyle.Render("✗ "+m.err.Error()) + "\n"
	case m.status.State == gateway.StateDownloading:
		s += fmt.Sprintf("downloading model  %s\n%s\n",
			dimStyle.Render(m.status.Message), m.bar.View())
	default:
		s += fmt.Sprintf("%s %s\n", m.spinner.View(), dimStyle.Render(string(m.status.State)))
	}
	return s + "\n"
}
