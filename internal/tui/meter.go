// SPDX-License-Identifier: MIT
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lumen/internal/link"
	"lumen/internal/protocol"
)

// meterRefresh is the display sampling interval, deliberately slower
// than the analysis cadence.
const meterRefresh = 50 * time.Millisecond

// beatDecay scales the beat glow down every refresh; a full-strength
// beat fades out in roughly a third of a second.
const beatDecay = 0.78

var beatStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#FFFDF5")).
	Background(lipgloss.Color("#F25D94")).
	Padding(0, 1).
	Bold(true)

// StateFunc supplies the latest analysis frame for display.
type StateFunc func() protocol.AnalysisFrame

// InfoFunc supplies the current link status. Nil when the meter runs
// without a coordinator link.
type InfoFunc func() link.Info

// MeterModel is the Bubble Tea model for the live cast meter: one bar
// per band, a peak bar, the beat badge and the link status line.
type MeterModel struct {
	state StateFunc
	info  InfoFunc

	bars [protocol.NumBands]progress.Model
	peak progress.Model

	frame    protocol.AnalysisFrame
	linkInfo link.Info
	beatGlow float64
	ready    bool
}

// NewMeterModel creates a meter over the given state and link readers.
func NewMeterModel(state StateFunc, info InfoFunc) MeterModel {
	m := MeterModel{state: state, info: info}
	for i := range m.bars {
		m.bars[i] = progress.New(
			progress.WithGradient("#0B4F3F", "#25A065"),
			progress.WithoutPercentage(),
		)
	}
	m.peak = progress.New(
		progress.WithSolidFill("#FFFDF5"),
		progress.WithoutPercentage(),
	)
	return m
}

type tickMsg time.Time

func meterTick() tea.Cmd {
	return tea.Tick(meterRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the refresh loop.
func (m MeterModel) Init() tea.Cmd {
	return meterTick()
}

// Update handles refresh ticks, resizes and the quit keys.
func (m MeterModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		width := msg.Width - 22
		if width < 10 {
			width = 10
		}
		if width > 60 {
			width = 60
		}
		for i := range m.bars {
			m.bars[i].Width = width
		}
		m.peak.Width = width
		m.ready = true

	case tickMsg:
		m.frame = m.state()
		if m.info != nil {
			m.linkInfo = m.info()
		}
		m.beatGlow *= beatDecay
		if m.frame.Beat && m.frame.BeatIntensity > m.beatGlow {
			m.beatGlow = m.frame.BeatIntensity
		}
		if m.beatGlow < 0.05 {
			m.beatGlow = 0
		}
		return m, meterTick()

	case tea.KeyMsg:
		if key.Matches(msg, key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"))) {
			return m, tea.Quit
		}
	}

	return m, nil
}

// View renders the meter.
func (m MeterModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("lumen cast"))
	sb.WriteString("\n\n")

	for i, name := range protocol.BandNames {
		sb.WriteString(fmt.Sprintf("%10s %s %4.2f\n",
			name, m.bars[i].ViewAs(clamp01(m.frame.Bands[i])), m.frame.Bands[i]))
	}
	sb.WriteString(fmt.Sprintf("%10s %s %4.2f\n",
		"peak", m.peak.ViewAs(clamp01(m.frame.Peak)), m.frame.Peak))

	sb.WriteString("\n")
	sb.WriteString(m.renderTempo())
	sb.WriteString("\n")
	sb.WriteString(m.renderLink())
	sb.WriteString("\n\n")
	sb.WriteString(infoStyle.Render("q: Quit"))

	return sb.String()
}

// renderTempo draws the beat badge and the tempo estimate. The badge
// placeholder keeps the line width stable between flashes.
func (m MeterModel) renderTempo() string {
	badge := strings.Repeat(" ", 6)
	if m.beatGlow > 0 {
		badge = beatStyle.Render("BEAT")
	}
	confidence := int(m.frame.BPMConfidence*100 + 0.5)
	return fmt.Sprintf("%s %5.1f BPM (%d%% confidence)", badge, m.frame.BPM, confidence)
}

func (m MeterModel) renderLink() string {
	if m.info == nil {
		return dimStyle.Render("link disabled")
	}

	in := m.linkInfo
	switch in.Status {
	case link.StatusLive:
		return fmt.Sprintf("%s session %s • %d frames sent",
			titleStyle.Render("LIVE"), in.SessionID, in.FramesSent)
	case link.StatusStandby:
		return fmt.Sprintf("%s position %d of %d • session %s",
			highlightStyle.Render("STANDBY"), in.QueuePosition, in.TotalSources, in.SessionID)
	default:
		return dimStyle.Render(fmt.Sprintf("link %s", in.Status))
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StartMeterUI runs the live meter until the operator quits or ctx is
// canceled. It blocks; the caller keeps capture and the link running
// underneath it.
func StartMeterUI(ctx context.Context, state StateFunc, info InfoFunc) error {
	p := tea.NewProgram(
		NewMeterModel(state, info),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil {
		if ctx.Err() != nil {
			// Shutdown raced the UI; not a failure.
			return nil
		}
		return err
	}
	return nil
}
