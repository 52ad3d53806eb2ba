// SPDX-License-Identifier: MIT
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"lumen/pkg/bitint"
)

// workspace holds pre-allocated buffers for FFT calculations so the
// analysis tick never allocates.
type workspace struct {
	input     []float64    // windowed, scaled input samples
	fftOutput []complex128 // FFT complex output
	magnitude []float64    // magnitude per bin
	window    []float64    // window function coefficients
}

// Processor computes the magnitude spectrum of fixed-length int32 sample
// windows. It is single-owner: the analysis loop is the only caller of
// Process and the only reader of Magnitudes, so no locking happens here.
type Processor struct {
	fftSize    int
	sampleRate float64
	workspace  workspace
	fftObj     *fourier.FFT
}

// NewProcessor creates an FFT processor for the given window length and
// sample rate, pre-allocating all buffers and pre-computing the window
// coefficients.
func NewProcessor(fftSize int, sampleRate float64, win WindowFunc) (*Processor, error) {
	if !bitint.IsPowerOfTwo(fftSize) {
		return nil, fmt.Errorf("fft size must be a power of 2, got %d", fftSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	}

	coeffs := make([]float64, fftSize)
	applyWindow(coeffs, win)

	// FFT output size for real input is N/2 + 1 complex values.
	outputSize := fftSize/2 + 1

	return &Processor{
		fftSize:    fftSize,
		sampleRate: sampleRate,
		fftObj:     fourier.NewFFT(fftSize),
		workspace: workspace{
			input:     make([]float64, fftSize),
			fftOutput: make([]complex128, outputSize),
			magnitude: make([]float64, outputSize),
			window:    coeffs,
		},
	}, nil
}

// Process windows and scales the input buffer, performs the FFT, and
// refreshes the magnitude buffer. Input shorter than the FFT size is
// zero-padded; longer input is truncated.
func (p *Processor) Process(inputBuffer []int32) {
	for i := range p.fftSize {
		if i < len(inputBuffer) {
			p.workspace.input[i] = float64(inputBuffer[i]) * p.workspace.window[i] / float64(math.MaxInt32)
		} else {
			p.workspace.input[i] = 0
		}
	}

	p.fftObj.Coefficients(p.workspace.fftOutput, p.workspace.input)
	for i, c := range p.workspace.fftOutput {
		p.workspace.magnitude[i] = cmplx.Abs(c)
	}
}

// Magnitudes returns the internal magnitude buffer. Valid until the next
// Process call; callers on other goroutines must copy, but the analysis
// loop is the sole intended reader.
func (p *Processor) Magnitudes() []float64 {
	return p.workspace.magnitude
}

// Size returns the FFT window length in samples.
func (p *Processor) Size() int {
	return p.fftSize
}

// BinFrequency returns the center frequency in Hz for a bin index.
func (p *Processor) BinFrequency(i int) float64 {
	if i < 0 || i >= len(p.workspace.fftOutput) {
		return 0
	}
	return float64(i) * p.sampleRate / float64(p.fftSize)
}

// Resolution returns the frequency width of one bin in Hz.
func (p *Processor) Resolution() float64 {
	return p.sampleRate / float64(p.fftSize)
}
