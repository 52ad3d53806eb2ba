// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"sync"
	"time"

	"lumen/internal/config"
	"lumen/internal/dsp"
	applog "lumen/internal/log"
	"lumen/internal/protocol"
)

// analysisInterval is the loop cadence. Fifteen milliseconds (~66 Hz)
// oversamples the outbound frame rate so beat timing stays tight.
const analysisInterval = 15 * time.Millisecond

// SampleSource provides the newest capture samples and the current
// peak level. *capture.Engine satisfies it.
type SampleSource interface {
	Latest(dst []int32) int
	Peak() float64
}

// Analyzer runs the analysis loop: pull the freshest window from the
// sample source, FFT it, split into bands, run beat detection, then
// publish the result to the frame cell. It is the only reader of the
// sample source and the only writer of the cell.
type Analyzer struct {
	source   SampleSource
	proc     *dsp.Processor
	spectral *Spectral
	beat     *BeatDetector
	cell     *Cell

	window   []int32
	sequence uint64

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func NewAnalyzer(cfg *config.Config, source SampleSource) (*Analyzer, error) {
	if source == nil {
		return nil, fmt.Errorf("analyzer: sample source cannot be nil")
	}

	win, err := dsp.ParseWindow(cfg.Audio.FFTWindow)
	if err != nil {
		return nil, err
	}
	proc, err := dsp.NewProcessor(cfg.Audio.FramesPerBuffer, cfg.Audio.SampleRate, win)
	if err != nil {
		return nil, err
	}
	coeffs, err := cfg.Analysis.Resolved()
	if err != nil {
		return nil, err
	}
	spectral, err := NewSpectral(cfg.Audio.FramesPerBuffer, cfg.Audio.SampleRate, coeffs)
	if err != nil {
		return nil, err
	}

	return &Analyzer{
		source:   source,
		proc:     proc,
		spectral: spectral,
		beat:     NewBeatDetector(cfg.Beat),
		cell:     &Cell{},
		window:   make([]int32, cfg.Audio.FramesPerBuffer),
	}, nil
}

// Cell returns the frame cell the loop publishes into.
func (a *Analyzer) Cell() *Cell {
	return a.cell
}

// Start launches the analysis goroutine. Safe to call more than once;
// subsequent calls are no-ops while running.
func (a *Analyzer) Start() {
	a.mu.Lock()
	if a.ticker != nil {
		a.mu.Unlock()
		applog.Warnf("Analyzer: Start called but already running.")
		return
	}

	a.ticker = time.NewTicker(analysisInterval)
	a.doneChan = make(chan struct{})
	a.stopOnce = sync.Once{}

	// Capture locals so the goroutine never races Start/Stop on the
	// struct fields.
	ticker := a.ticker
	doneChan := a.doneChan

	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		applog.Infof("Analyzer: loop started (interval %s)", analysisInterval)
		for {
			select {
			case now := <-ticker.C:
				a.step(now)
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (a *Analyzer) Stop() error {
	a.mu.Lock()
	if a.ticker == nil {
		a.mu.Unlock()
		return nil
	}

	a.stopOnce.Do(func() {
		close(a.doneChan)
		a.ticker.Stop()
		a.ticker = nil
	})

	a.mu.Unlock()

	a.wg.Wait()
	applog.Infof("Analyzer: loop stopped")
	return nil
}

// step runs one analysis tick.
func (a *Analyzer) step(now time.Time) {
	if n := a.source.Latest(a.window); n < len(a.window) {
		return // capture still warming up
	}

	a.proc.Process(a.window)
	bands := a.spectral.Update(a.proc.Magnitudes())

	beat := a.beat.Update(bands[0], now)
	tempo := a.beat.Tempo()

	a.sequence++
	frame := protocol.AnalysisFrame{
		Type:          protocol.TypeAnalysisFrame,
		V:             protocol.ProtocolVersion,
		Sequence:      a.sequence,
		Timestamp:     now.UnixMilli(),
		Bands:         bands,
		Peak:          a.source.Peak(),
		BPM:           tempo.BPM,
		BPMConfidence: tempo.Confidence,
	}
	if beat != nil {
		frame.Beat = true
		frame.BeatIntensity = beat.Intensity
	}
	a.cell.Put(frame)
}
