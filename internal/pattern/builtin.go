// SPDX-License-Identifier: MIT
package pattern

import (
	"fmt"
	"math"
	"time"

	"lumen/internal/protocol"
)

func init() {
	Register(NoopName, func() Pattern { return noop{} })
	Register("pulse", newPulse)
	Register("spectrum", newSpectrum)
	Register("orbit", newOrbit)
}

// noop emits nothing. The engine demotes broken patterns here.
type noop struct{}

func (noop) Tick(protocol.AudioState, time.Duration) []protocol.EntityUpdate {
	return nil
}

// pulse drives one entity per band along a centered row, swelling with
// the band value and flashing on beats.
type pulse struct {
	ids   [protocol.NumBands]string
	flash float64
}

func newPulse() Pattern {
	p := &pulse{}
	for i := range p.ids {
		p.ids[i] = fmt.Sprintf("pulse-%d", i)
	}
	return p
}

func (p *pulse) Tick(audio protocol.AudioState, dt time.Duration) []protocol.EntityUpdate {
	if audio.Beat {
		p.flash = 0.5 + 0.5*audio.BeatIntensity
	} else {
		p.flash *= math.Exp(-6 * dt.Seconds())
	}

	updates := make([]protocol.EntityUpdate, 0, len(p.ids))
	for i, v := range audio.Bands {
		x := (float64(i) + 0.5) / protocol.NumBands
		updates = append(updates, protocol.EntityUpdate{
			ID:      p.ids[i],
			X:       protocol.Float(x),
			Y:       protocol.Float(0.5),
			Scale:   protocol.Float(0.15 + 0.75*v + 0.4*p.flash),
			Band:    i,
			Visible: protocol.Bool(true),
		})
	}
	return updates
}

// spectrum renders a bar per band; height and position track the band
// value directly, and near-silent bars hide.
type spectrum struct {
	ids [protocol.NumBands]string
}

func newSpectrum() Pattern {
	s := &spectrum{}
	for i := range s.ids {
		s.ids[i] = fmt.Sprintf("bar-%d", i)
	}
	return s
}

func (s *spectrum) Tick(audio protocol.AudioState, _ time.Duration) []protocol.EntityUpdate {
	updates := make([]protocol.EntityUpdate, 0, len(s.ids))
	for i, v := range audio.Bands {
		updates = append(updates, protocol.EntityUpdate{
			ID:      s.ids[i],
			X:       protocol.Float((float64(i) + 0.5) / protocol.NumBands),
			Y:       protocol.Float(0.05 + 0.45*v),
			Scale:   protocol.Float(0.02 + 0.9*v),
			Band:    i,
			Visible: protocol.Bool(v > 0.01),
		})
	}
	return updates
}

// orbitCount satellites circle the center; tempo sets the angular
// speed, bass the radius, air the satellite size.
const orbitCount = 8

type orbit struct {
	ids   [orbitCount]string
	angle float64
}

func newOrbit() Pattern {
	o := &orbit{}
	for i := range o.ids {
		o.ids[i] = fmt.Sprintf("orbit-%d", i)
	}
	return o
}

func (o *orbit) Tick(audio protocol.AudioState, dt time.Duration) []protocol.EntityUpdate {
	// One full revolution every four beats.
	revPerSec := audio.BPM / 60.0 / 4.0
	o.angle += 2 * math.Pi * revPerSec * dt.Seconds()
	if o.angle > 2*math.Pi {
		o.angle -= 2 * math.Pi
	}

	radius := 0.12 + 0.3*audio.Bands[0]
	scale := 0.04 + 0.1*audio.Bands[4]

	updates := make([]protocol.EntityUpdate, 0, orbitCount)
	for i := range o.ids {
		theta := o.angle + float64(i)*(2*math.Pi/orbitCount)
		updates = append(updates, protocol.EntityUpdate{
			ID:       o.ids[i],
			X:        protocol.Float(0.5 + radius*math.Cos(theta)),
			Y:        protocol.Float(0.5 + radius*math.Sin(theta)),
			Z:        protocol.Float(0.5),
			Scale:    protocol.Float(scale),
			Rotation: protocol.Float(theta),
			Band:     i % protocol.NumBands,
			Visible:  protocol.Bool(true),
		})
	}
	return updates
}
