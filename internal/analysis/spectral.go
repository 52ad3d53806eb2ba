// SPDX-License-Identifier: MIT
/*
Package analysis turns raw capture windows into normalized audio
features: five smoothed frequency bands, beat events with intensity,
and a tempo estimate. The Analyzer owns the loop; Spectral and
BeatDetector are its pure stages.
*/
package analysis

import (
	"fmt"

	"lumen/internal/config"
	"lumen/internal/protocol"
)

// bandRange is one aggregation band over the magnitude spectrum.
type bandRange struct {
	lowHz  float64
	highHz float64
}

// bandRanges follows the usual mixing split, ordered bass → air. The
// top edge stays below common Nyquist limits so the band keeps its
// meaning across sample rates.
var bandRanges = [protocol.NumBands]bandRange{
	{20, 250},
	{250, 500},
	{500, 2000},
	{2000, 4000},
	{4000, 16000},
}

// Spectral aggregates FFT magnitudes into five bands and normalizes
// each through per-band AGC and an attack/release envelope. Output
// values are always in [0, 1].
//
// Not safe for concurrent use; the analysis loop is the only caller.
type Spectral struct {
	agcDecay float64
	agcFloor float64
	attack   float64
	release  float64

	// Per-band bin spans, precomputed from the FFT layout. A band whose
	// range captured no bins has binCount 0 and always reads 0.
	binStart [protocol.NumBands]int
	binEnd   [protocol.NumBands]int
	binCount [protocol.NumBands]int

	runningMax [protocol.NumBands]float64
	envelope   [protocol.NumBands]float64
}

// NewSpectral precomputes the band/bin mapping for an FFT of fftSize
// samples at sampleRate. Coefficients come resolved from the preset
// layer.
func NewSpectral(fftSize int, sampleRate float64, coeffs config.AnalysisConfig) (*Spectral, error) {
	if fftSize <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid FFT layout: size %d at %.0f Hz", fftSize, sampleRate)
	}

	s := &Spectral{
		agcDecay: coeffs.AGCDecay,
		agcFloor: coeffs.AGCFloor,
		attack:   coeffs.Attack,
		release:  coeffs.Release,
	}
	for b := range s.runningMax {
		s.runningMax[b] = coeffs.AGCFloor
	}

	// Walk the positive-frequency bins once and record each band's span.
	// Bin i sits at i*sampleRate/fftSize Hz; DC is skipped.
	resolution := sampleRate / float64(fftSize)
	numBins := fftSize/2 + 1
	for b, band := range bandRanges {
		start := -1
		end := -1
		for i := 1; i < numBins; i++ {
			freq := float64(i) * resolution
			if freq >= band.lowHz && freq < band.highHz {
				if start < 0 {
					start = i
				}
				end = i + 1
			}
		}
		if start < 0 {
			continue // band narrower than the spectrum's resolution
		}
		s.binStart[b] = start
		s.binEnd[b] = end
		s.binCount[b] = end - start
	}

	return s, nil
}

// Update aggregates one magnitude spectrum into the band vector. The
// returned array is a copy; callers may retain it.
func (s *Spectral) Update(magnitudes []float64) [protocol.NumBands]float64 {
	var out [protocol.NumBands]float64

	for b := range bandRanges {
		if s.binCount[b] == 0 {
			out[b] = 0
			continue
		}

		sum := 0.0
		for i := s.binStart[b]; i < s.binEnd[b] && i < len(magnitudes); i++ {
			sum += magnitudes[i]
		}
		raw := sum / float64(s.binCount[b])

		// AGC: snap the running max up instantly, decay it slowly,
		// never let it fall below the floor.
		if raw > s.runningMax[b] {
			s.runningMax[b] = raw
		} else {
			s.runningMax[b] *= s.agcDecay
			if s.runningMax[b] < s.agcFloor {
				s.runningMax[b] = s.agcFloor
			}
		}
		normalized := raw / s.runningMax[b]
		if normalized > 1 {
			normalized = 1
		}

		// Envelope: fast attack, slow release.
		coeff := s.release
		if normalized > s.envelope[b] {
			coeff = s.attack
		}
		s.envelope[b] += (normalized - s.envelope[b]) * coeff

		if s.envelope[b] < 0 {
			s.envelope[b] = 0
		} else if s.envelope[b] > 1 {
			s.envelope[b] = 1
		}
		out[b] = s.envelope[b]
	}

	return out
}

// Bands returns the current smoothed band vector without advancing it.
func (s *Spectral) Bands() [protocol.NumBands]float64 {
	return s.envelope
}
