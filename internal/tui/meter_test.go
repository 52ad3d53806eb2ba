package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"lumen/internal/capture"
	"lumen/internal/link"
	"lumen/internal/protocol"
)

func testFrame() protocol.AnalysisFrame {
	return protocol.AnalysisFrame{
		Type:          protocol.TypeAnalysisFrame,
		Sequence:      7,
		Bands:         [protocol.NumBands]float64{0.8, 0.6, 0.4, 0.2, 0.1},
		Peak:          0.75,
		BPM:           128,
		BPMConfidence: 0.9,
	}
}

// sizedMeter returns a model that has seen a window size, so View
// renders the full layout.
func sizedMeter(t *testing.T, state StateFunc, info InfoFunc) MeterModel {
	t.Helper()
	m := NewMeterModel(state, info)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return updated.(MeterModel)
}

func tickOnce(t *testing.T, m MeterModel) (MeterModel, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(tickMsg(time.Now()))
	return updated.(MeterModel), cmd
}

func TestMeterSamplesOnTick(t *testing.T) {
	frame := testFrame()
	frame.Beat = true
	frame.BeatIntensity = 0.9

	m := sizedMeter(t, func() protocol.AnalysisFrame { return frame }, nil)
	m, cmd := tickOnce(t, m)

	if m.frame.Sequence != 7 {
		t.Errorf("sampled sequence = %d, expected 7", m.frame.Sequence)
	}
	if m.beatGlow != 0.9 {
		t.Errorf("beat glow = %f, expected the beat intensity 0.9", m.beatGlow)
	}
	if cmd == nil {
		t.Error("tick should schedule the next refresh")
	}
}

func TestMeterBeatGlowDecays(t *testing.T) {
	beat := true
	state := func() protocol.AnalysisFrame {
		frame := testFrame()
		if beat {
			frame.Beat = true
			frame.BeatIntensity = 0.9
		}
		return frame
	}

	m := sizedMeter(t, state, nil)
	m, _ = tickOnce(t, m)
	beat = false

	m, _ = tickOnce(t, m)
	if m.beatGlow >= 0.9 {
		t.Errorf("glow did not decay: %f", m.beatGlow)
	}

	for i := 0; i < 30; i++ {
		m, _ = tickOnce(t, m)
	}
	if m.beatGlow != 0 {
		t.Errorf("glow should bottom out at zero, got %f", m.beatGlow)
	}
}

func TestMeterQuitKeys(t *testing.T) {
	m := sizedMeter(t, func() protocol.AnalysisFrame { return testFrame() }, nil)

	for _, msg := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyEsc},
		{Type: tea.KeyCtrlC},
	} {
		_, cmd := m.Update(msg)
		if cmd == nil {
			t.Fatalf("key %q should quit", msg.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("key %q produced %T, expected tea.QuitMsg", msg.String(), cmd())
		}
	}
}

func TestMeterViewLayout(t *testing.T) {
	m := sizedMeter(t, func() protocol.AnalysisFrame { return testFrame() }, nil)
	m, _ = tickOnce(t, m)

	view := m.View()
	for _, want := range []string{"bass", "air", "peak", "128.0 BPM", "link disabled"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestMeterViewBeforeReady(t *testing.T) {
	m := NewMeterModel(func() protocol.AnalysisFrame { return testFrame() }, nil)
	if m.View() != "Initializing..." {
		t.Errorf("unsized view = %q", m.View())
	}
}

func TestMeterLinkLine(t *testing.T) {
	info := link.Info{Status: link.StatusLive, SessionID: "sess-1", FramesSent: 42}
	m := sizedMeter(t,
		func() protocol.AnalysisFrame { return testFrame() },
		func() link.Info { return info },
	)

	m, _ = tickOnce(t, m)
	line := m.renderLink()
	for _, want := range []string{"LIVE", "sess-1", "42 frames"} {
		if !strings.Contains(line, want) {
			t.Errorf("live line missing %q: %s", want, line)
		}
	}

	info = link.Info{Status: link.StatusStandby, SessionID: "sess-1", QueuePosition: 2, TotalSources: 3}
	m, _ = tickOnce(t, m)
	line = m.renderLink()
	if !strings.Contains(line, "position 2 of 3") {
		t.Errorf("standby line missing queue position: %s", line)
	}

	info = link.Info{Status: link.StatusConnecting}
	m, _ = tickOnce(t, m)
	if !strings.Contains(m.renderLink(), "connecting") {
		t.Errorf("connecting line = %s", m.renderLink())
	}
}

func TestRenderDevices(t *testing.T) {
	devices := []capture.Device{
		{ID: 0, Name: "USB Interface", MaxInputChannels: 2, DefaultSampleRate: 48000},
		{ID: 1, Name: "HDMI Out", MaxOutputChannels: 2, DefaultSampleRate: 44100},
	}

	out := RenderDevices(devices)
	for _, want := range []string{"[0] USB Interface (Input)", "[1] HDMI Out (Output)", "48000 Hz"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}

	if !strings.Contains(RenderDevices(nil), "No audio devices found.") {
		t.Error("empty listing should say so")
	}
}
