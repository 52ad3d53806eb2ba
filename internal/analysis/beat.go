// SPDX-License-Identifier: MIT
package analysis

import (
	"time"

	"lumen/internal/config"
	"lumen/internal/protocol"
)

// BeatEvent is one detected beat.
type BeatEvent struct {
	Timestamp time.Time
	Intensity float64 // [0, 1]
}

// TempoEstimate is the current BPM guess with a rough confidence.
type TempoEstimate struct {
	BPM        float64 // [60, 200]
	Confidence float64 // [0, 1]
}

const (
	// tempoHistory bounds the beat timestamps kept for interval statistics.
	tempoHistory = 20

	// Intervals outside [minBeatInterval, maxBeatInterval] (300 down to
	// 30 BPM) are flams or gaps, not tempo, and are discarded.
	minBeatInterval = 200 * time.Millisecond
	maxBeatInterval = 2 * time.Second

	minBPM = 60.0
	maxBPM = 200.0

	// lowConfidence is reported while interval statistics are thin.
	lowConfidence = 0.2

	intensityEpsilon = 1e-6
)

// BeatDetector fires beat events from the smoothed bass band. A beat
// fires when the bass exceeds an adaptive threshold (rolling mean times
// a multiplier) and an absolute floor, and the cooldown since the last
// beat has run out. Tempo is estimated from the intervals between the
// most recent beats.
//
// Not safe for concurrent use; the analysis loop is the only caller.
type BeatDetector struct {
	multiplier    float64
	floor         float64
	cooldownTicks int

	history    []float64 // rolling bass values, ring once full
	historyPos int

	cooldown  int
	beatTimes []time.Time
	tempo     TempoEstimate
}

func NewBeatDetector(cfg config.BeatConfig) *BeatDetector {
	return &BeatDetector{
		multiplier:    cfg.ThresholdMultiplier,
		floor:         cfg.AbsoluteFloor,
		cooldownTicks: cfg.CooldownTicks,
		history:       make([]float64, 0, cfg.History),
		beatTimes:     make([]time.Time, 0, tempoHistory),
		tempo:         TempoEstimate{BPM: protocol.DefaultBPM, Confidence: lowConfidence},
	}
}

// Update feeds one smoothed bass value. It returns a BeatEvent when a
// beat fires, nil otherwise. The threshold is computed against the
// history before the new value enters it, so a transient cannot dilute
// its own trigger.
func (d *BeatDetector) Update(bass float64, now time.Time) *BeatEvent {
	mean := d.mean()
	threshold := mean * d.multiplier

	var fired *BeatEvent
	if d.cooldown > 0 {
		d.cooldown--
	} else if bass > threshold && bass > d.floor {
		denom := mean
		if denom < intensityEpsilon {
			denom = intensityEpsilon
		}
		intensity := (bass - threshold) / denom
		if intensity > 1 {
			intensity = 1
		} else if intensity < 0 {
			intensity = 0
		}

		fired = &BeatEvent{Timestamp: now, Intensity: intensity}
		d.cooldown = d.cooldownTicks
		d.recordBeat(now)
	}

	d.push(bass)
	return fired
}

// Tempo returns the current estimate. Before two valid beat intervals
// exist it reports the neutral default with low confidence.
func (d *BeatDetector) Tempo() TempoEstimate {
	return d.tempo
}

func (d *BeatDetector) push(v float64) {
	if len(d.history) < cap(d.history) {
		d.history = append(d.history, v)
		return
	}
	d.history[d.historyPos] = v
	d.historyPos = (d.historyPos + 1) % len(d.history)
}

func (d *BeatDetector) mean() float64 {
	if len(d.history) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range d.history {
		sum += v
	}
	return sum / float64(len(d.history))
}

func (d *BeatDetector) recordBeat(now time.Time) {
	if len(d.beatTimes) == tempoHistory {
		copy(d.beatTimes, d.beatTimes[1:])
		d.beatTimes = d.beatTimes[:tempoHistory-1]
	}
	d.beatTimes = append(d.beatTimes, now)
	d.recomputeTempo()
}

func (d *BeatDetector) recomputeTempo() {
	valid := 0
	var sum time.Duration
	for i := 1; i < len(d.beatTimes); i++ {
		interval := d.beatTimes[i].Sub(d.beatTimes[i-1])
		if interval < minBeatInterval || interval > maxBeatInterval {
			continue
		}
		sum += interval
		valid++
	}

	if valid < 2 {
		d.tempo = TempoEstimate{BPM: protocol.DefaultBPM, Confidence: lowConfidence}
		return
	}

	average := sum / time.Duration(valid)
	bpm := 60.0 / average.Seconds()
	if bpm < minBPM {
		bpm = minBPM
	} else if bpm > maxBPM {
		bpm = maxBPM
	}

	confidence := float64(valid) / 10.0
	if confidence > 1 {
		confidence = 1
	} else if confidence < lowConfidence {
		confidence = lowConfidence
	}

	d.tempo = TempoEstimate{BPM: bpm, Confidence: confidence}
}
