package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"
	log "github.com/sirupsen/logrus"

	"github.com/pepperpark/mailboxcopy/internal/syncer"
)

type folderProgress struct {
	total int
	done  int
}

type model struct {
	cancel   context.CancelFunc
	copier   *syncer.Copier
	current  string
	prog     map[string]folderProgress
	totalAll int
	doneAll  int
	spinner  spinner.Model
	bar      progress.Model
	runErr   error
	finished bool
	started  time.Time
	// Smoothed ETA
	emaRate  float64 // msgs/sec (EMA)
	lastDone int
	lastAt   time.Time
}

type tickMsg time.Time
type doneMsg struct{ err error }

func newModel(cancel context.CancelFunc, copier *syncer.Copier) *model {
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &model{cancel: cancel, copier: copier, prog: map[string]folderProgress{}, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, tea.Quit
		}
	case doneMsg:
		m.runErr = msg.err
		m.finished = true
		// On a clean finish, snap the overall progress to 100%
		if m.runErr == nil {
			m.doneAll = m.totalAll
		}
		return m, tea.Quit
	case tickMsg:
		// update EMA of throughput on each tick
		m.updateEMARate()
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	// Drain events
	for {
		select {
		case ev, ok := <-m.copier.Events():
			if !ok {
				if m.finished && m.runErr == nil {
					m.doneAll = m.totalAll
				}
				return m, nil
			}
			switch ev.Type {
			case syncer.EventFolderStart:
				m.current = ev.Folder
			case syncer.EventFolderProgress:
				fp := m.prog[ev.Folder]
				fp.total, fp.done = ev.Total, ev.Done
				m.prog[ev.Folder] = fp
				m.recomputeTotals()
			}
		default:
			return m, nil
		}
	}
}

func (m *model) recomputeTotals() {
	total, done := 0, 0
	for _, p := range m.prog {
		total += p.total
		done += p.done
	}
	m.totalAll, m.doneAll = total, done
}

func (m *model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("Mailboxcopy")
	s := title + "\n\nPress q to quit\n\n"
	pct := 0.0
	if m.totalAll > 0 {
		pct = float64(m.doneAll) / float64(m.totalAll)
	}
	eta := m.formatETA()
	folder := m.current
	if folder == "" {
		folder = "scanning folders"
	}
	s += fmt.Sprintf("%s %s\n", m.spinner.View(), lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render(folder))
	s += fmt.Sprintf("  Overall %d/%d   %s\n", m.doneAll, m.totalAll, eta)
	s += m.bar.ViewAs(pct) + "\n\n"
	if m.finished && m.runErr != nil {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("Error: "+m.runErr.Error()) + "\n"
	}
	return s
}

func (m *model) formatETA() string {
	if m.totalAll == 0 {
		return "ETA --"
	}
	remaining := m.totalAll - m.doneAll
	if remaining <= 0 {
		return "ETA 0s"
	}
	// Prefer smoothed rate if available; fallback to average rate
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(m.doneAll) / elapsed.Seconds()
	}
	if rate <= 0.01 { // too low/unstable
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	// cap very large ETAs to something readable
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		rem := d - time.Duration(h)*time.Hour
		mrem := int(rem / time.Minute)
		return fmt.Sprintf("ETA %dh%dm", h, mrem)
	}
	if d >= time.Minute {
		mns := int(d.Minutes())
		sec := int(d.Seconds()) % 60
		return fmt.Sprintf("ETA %dm%ds", mns, sec)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since last tick.
func (m *model) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	delta := m.doneAll - m.lastDone
	inst := float64(delta) / dt // msgs/sec
	// EMA with half-life ~3s -> alpha depends on dt
	halfLife := 3.0 // seconds
	alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.doneAll
	m.lastAt = now
}

// runTUI runs the copy once with the Bubble Tea UI on top and returns the
// copy result. The copy itself is owned here, not by the program, so a
// failing display never restarts it; the result is awaited either way.
func runTUI(ctx context.Context, copier *syncer.Copier) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newModel(cancel, copier)
	p := tea.NewProgram(m)

	res := make(chan error, 1)
	go func() {
		err := copier.Run(cctx)
		res <- err
		p.Send(doneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		// Cancel the copy and wait for it to wind down so the report is
		// settled before it gets rendered.
		cancel()
		log.Warnf("progress display failed: %v", err)
	}
	return <-res
}
