// SPDX-License-Identifier: MIT
package analysis

import (
	"sync"

	"lumen/internal/protocol"
)

// Cell is the single-slot handoff between the analysis loop and its
// consumers. Put replaces the stored frame, so a slow consumer never
// builds a backlog; stale frames are superseded, not queued.
//
// Beats are latched per consumer: a beat observed between two reads
// survives into the next read even when later Puts replaced the frame
// that carried it. Take consumes the outbound latch, Sample the
// display latch, so each consumer sees every beat exactly once.
type Cell struct {
	mu    sync.Mutex
	frame protocol.AnalysisFrame
	fresh bool

	wireBeat      bool
	wireIntensity float64
	viewBeat      bool
	viewIntensity float64
}

// Put stores frame as the latest value.
func (c *Cell) Put(frame protocol.AnalysisFrame) {
	c.mu.Lock()
	if frame.Beat {
		c.wireBeat = true
		c.viewBeat = true
		if frame.BeatIntensity > c.wireIntensity {
			c.wireIntensity = frame.BeatIntensity
		}
		if frame.BeatIntensity > c.viewIntensity {
			c.viewIntensity = frame.BeatIntensity
		}
	}
	c.frame = frame
	c.fresh = true
	c.mu.Unlock()
}

// Take returns the latest frame and whether it is new since the last
// Take. Any pending outbound beat is folded into the returned frame
// and the latch cleared.
func (c *Cell) Take() (protocol.AnalysisFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame := c.frame
	fresh := c.fresh
	c.fresh = false

	if c.wireBeat {
		frame.Beat = true
		if frame.BeatIntensity < c.wireIntensity {
			frame.BeatIntensity = c.wireIntensity
		}
		c.wireBeat = false
		c.wireIntensity = 0
	}
	return frame, fresh
}

// Sample returns the latest frame for display. Beat is true only when
// a beat was latched since the last Sample; freshness and the outbound
// latch are untouched.
func (c *Cell) Sample() protocol.AnalysisFrame {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame := c.frame
	frame.Beat = c.viewBeat
	if c.viewBeat && frame.BeatIntensity < c.viewIntensity {
		frame.BeatIntensity = c.viewIntensity
	}
	c.viewBeat = false
	c.viewIntensity = 0
	return frame
}
