// SPDX-License-Identifier: MIT
package analysis

import (
	"testing"

	"lumen/internal/config"
)

const (
	testFFTSize    = 1024
	testSampleRate = 44100.0
)

func defaultCoeffs(t *testing.T) config.AnalysisConfig {
	t.Helper()
	coeffs, err := config.AnalysisConfig{}.Resolved()
	if err != nil {
		t.Fatalf("failed to resolve default preset: %v", err)
	}
	return coeffs
}

func newTestSpectral(t *testing.T) *Spectral {
	t.Helper()
	s, err := NewSpectral(testFFTSize, testSampleRate, defaultCoeffs(t))
	if err != nil {
		t.Fatalf("NewSpectral failed: %v", err)
	}
	return s
}

func uniformMagnitudes(value float64) []float64 {
	mags := make([]float64, testFFTSize/2+1)
	for i := range mags {
		mags[i] = value
	}
	return mags
}

func TestNewSpectralValidation(t *testing.T) {
	testCases := []struct {
		name       string
		fftSize    int
		sampleRate float64
	}{
		{"zero size", 0, testSampleRate},
		{"negative size", -4, testSampleRate},
		{"zero sample rate", testFFTSize, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSpectral(tc.fftSize, tc.sampleRate, defaultCoeffs(t)); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}

func TestSpectralBinMapping(t *testing.T) {
	s := newTestSpectral(t)

	// At 44.1kHz/1024 every band is wider than the 43 Hz resolution, so
	// all five must own at least one bin, in disjoint ascending spans.
	prevEnd := 0
	for b := range bandRanges {
		if s.binCount[b] == 0 {
			t.Errorf("band %d captured no bins", b)
			continue
		}
		if s.binStart[b] < 1 {
			t.Errorf("band %d includes the DC bin", b)
		}
		if s.binStart[b] < prevEnd {
			t.Errorf("band %d overlaps its predecessor (start %d, previous end %d)",
				b, s.binStart[b], prevEnd)
		}
		prevEnd = s.binEnd[b]
	}

	// Bass [20, 250) owns exactly bins 1..5 at this layout.
	if s.binStart[0] != 1 || s.binCount[0] != 5 {
		t.Errorf("bass span = [%d, %d), expected [1, 6)", s.binStart[0], s.binEnd[0])
	}
}

func TestSpectralNarrowBandExcluded(t *testing.T) {
	// A 64-point FFT at 44.1kHz resolves 689 Hz per bin; bass [20, 250)
	// and low-mid [250, 500) capture no bins and must read 0.
	s, err := NewSpectral(64, testSampleRate, defaultCoeffs(t))
	if err != nil {
		t.Fatalf("NewSpectral failed: %v", err)
	}

	mags := make([]float64, 64/2+1)
	for i := range mags {
		mags[i] = 5.0
	}

	for i := 0; i < 50; i++ {
		bands := s.Update(mags)
		if bands[0] != 0 {
			t.Fatalf("bass = %f, expected 0 for an unresolvable band", bands[0])
		}
		if bands[1] != 0 {
			t.Fatalf("low-mid = %f, expected 0 for an unresolvable band", bands[1])
		}
	}

	if bands := s.Bands(); bands[2] == 0 {
		t.Error("mid band should capture bins at this layout")
	}
}

// TestSpectralRangeInvariant drives the stage with wildly varying input
// and checks that every output stays within [0, 1].
func TestSpectralRangeInvariant(t *testing.T) {
	s := newTestSpectral(t)

	levels := []float64{0, 1e-9, 0.5, 1e6, 3, 0, 1e12, 42}
	for i := 0; i < 400; i++ {
		bands := s.Update(uniformMagnitudes(levels[i%len(levels)]))
		for b, v := range bands {
			if v < 0 || v > 1 {
				t.Fatalf("tick %d band %d = %f, outside [0, 1]", i, b, v)
			}
		}
	}
}

func TestSpectralAGCNormalizes(t *testing.T) {
	s := newTestSpectral(t)

	// A steady signal should normalize toward 1 regardless of its
	// absolute scale.
	var bands [5]float64
	for i := 0; i < 200; i++ {
		bands = s.Update(uniformMagnitudes(1e-3))
	}
	if bands[0] < 0.95 {
		t.Errorf("steady signal normalized to %f, expected near 1", bands[0])
	}

	// Dropping the level by 10x must pull the bands down: the running
	// max remembers the louder recent past.
	for i := 0; i < 20; i++ {
		bands = s.Update(uniformMagnitudes(1e-4))
	}
	if bands[0] > 0.6 {
		t.Errorf("after a 10x level drop band = %f, expected well below 1", bands[0])
	}
}

func TestSpectralAttackFasterThanRelease(t *testing.T) {
	coeffs := defaultCoeffs(t)
	s, err := NewSpectral(testFFTSize, testSampleRate, coeffs)
	if err != nil {
		t.Fatalf("NewSpectral failed: %v", err)
	}

	// One loud tick from silence: the envelope must jump by the attack
	// coefficient.
	bands := s.Update(uniformMagnitudes(1.0))
	rise := bands[0]
	if rise < coeffs.Attack*0.9 {
		t.Errorf("first rise = %f, expected near attack coefficient %f", rise, coeffs.Attack)
	}

	// Saturate, then go quiet: the fall per tick must be smaller than
	// the rise was.
	for i := 0; i < 100; i++ {
		bands = s.Update(uniformMagnitudes(1.0))
	}
	saturated := bands[0]
	bands = s.Update(uniformMagnitudes(0))
	fall := saturated - bands[0]
	if fall >= rise {
		t.Errorf("fall %f should be slower than rise %f", fall, rise)
	}
}

func TestSpectralAGCRecoversAfterQuiet(t *testing.T) {
	// Fast decay so the running max forgets the loud past quickly.
	coeffs := defaultCoeffs(t)
	coeffs.AGCDecay = 0.9
	s, err := NewSpectral(testFFTSize, testSampleRate, coeffs)
	if err != nil {
		t.Fatalf("NewSpectral failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		s.Update(uniformMagnitudes(1.0))
	}
	// Quiet signal at 1% of the old level. As the max decays toward it,
	// the band must climb back up.
	var bands [5]float64
	for i := 0; i < 300; i++ {
		bands = s.Update(uniformMagnitudes(0.01))
	}
	if bands[0] < 0.9 {
		t.Errorf("band = %f after adaptation, expected the quiet signal renormalized near 1", bands[0])
	}
}

func BenchmarkSpectralUpdate(b *testing.B) {
	coeffs, _ := config.AnalysisConfig{}.Resolved()
	s, err := NewSpectral(testFFTSize, testSampleRate, coeffs)
	if err != nil {
		b.Fatalf("NewSpectral failed: %v", err)
	}
	mags := uniformMagnitudes(0.5)

	b.ReportAllocs()
	for b.Loop() {
		s.Update(mags)
	}
}
