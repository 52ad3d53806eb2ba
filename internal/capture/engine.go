// SPDX-License-Identifier: MIT
/*
Package capture implements real-time audio capture with:
- PortAudio input streaming into a fixed sample ring
- Branchless peak metering in the callback
- WAV recording with atomic state management

Thread Safety:
- Uses atomic operations for state management
- Pre-allocates buffers to avoid GC in hot path
- Locks OS thread during audio processing

The callback does no analysis. It folds the input to mono, appends it
to the ring, and returns; the analysis loop pulls its windows from the
ring on its own clock.
*/
package capture

import (
	"log"
	"math"
	"runtime"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gordonklaus/portaudio"

	"lumen/internal/config"
)

// ringSeconds sizes the sample ring; two seconds covers the largest
// analysis window with room for scheduling jitter.
const ringSeconds = 2

type Engine struct {
	// Core configuration and state.
	config *config.Config

	// Shared sample ring read by the analysis loop.
	ring *Ring

	// Audio input handling.
	inputBuffer  []int32
	monoBuffer   []int32 // Channel 0 extraction for the ring
	inputDevice  *portaudio.DeviceInfo
	inputLatency time.Duration
	inputStream  *portaudio.Stream

	// Peak amplitude of the most recent callback buffer.
	peakAmplitude int32 // Atomic

	// Recording state and buffers.
	isRecording int32 // Atomic flag for thread-safe state
	outputFile  *os.File
	wavEncoder  *wav.Encoder
	sampleBuf   *audio.IntBuffer // Reusable buffer for format conversion
}

func NewEngine(config *config.Config) (engine *Engine, err error) {
	inputDevice, err := InputDevice(config.Audio.InputDevice)
	if err != nil {
		return nil, err
	}

	// Pre-allocate I/O buffers sized for frames × channels.
	inputSize := config.Audio.FramesPerBuffer * config.Audio.Channels

	engine = &Engine{
		config:      config,
		ring:        NewRing(ringSeconds * int(config.Audio.SampleRate)),
		inputBuffer: make([]int32, inputSize),
		monoBuffer:  make([]int32, config.Audio.FramesPerBuffer),
		inputDevice: inputDevice,
	}

	if engine.config.Audio.LowLatency {
		engine.inputLatency = engine.inputDevice.DefaultLowInputLatency
	} else {
		engine.inputLatency = engine.inputDevice.DefaultHighInputLatency
	}

	return engine, nil
}

// Ring returns the sample ring the callback writes into.
func (e *Engine) Ring() *Ring {
	return e.ring
}

// Latest copies the most recent len(dst) captured samples into dst.
func (e *Engine) Latest(dst []int32) int {
	return e.ring.Latest(dst)
}

// Peak returns the most recent callback buffer's peak amplitude,
// normalized to [0, 1].
func (e *Engine) Peak() float64 {
	return float64(atomic.LoadInt32(&e.peakAmplitude)) / float64(math.MaxInt32)
}

func (e *Engine) StartInputStream() error {
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: e.config.Audio.Channels,
			Device:   e.inputDevice,
			Latency:  e.inputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0, // No output device
			Device:   nil,
		},
		FramesPerBuffer: e.config.Audio.FramesPerBuffer,
		SampleRate:      e.config.Audio.SampleRate,
	}

	stream, err := portaudio.OpenStream(params, e.processInputStream)
	if err != nil {
		return err
	}
	e.inputStream = stream

	if err := e.inputStream.Start(); err != nil {
		e.inputStream.Close()
		return err
	}

	return nil
}

func (e *Engine) StopInputStream() error {
	if e.inputStream != nil {
		if err := e.inputStream.Stop(); err != nil {
			return err
		}

		if err := e.inputStream.Close(); err != nil {
			return err
		}

		e.inputStream = nil
	}

	return nil
}

// processInputStream is the core audio capture callback.
// Performance Critical:
// - Runs in a dedicated OS thread (LockOSThread)
// - Uses pre-allocated buffers only
// - No dynamic allocations in the hot path
func (e *Engine) processInputStream(in []int32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	copy(e.inputBuffer, in)

	mono := e.foldMono(e.inputBuffer)
	e.ring.Write(mono)
	e.scanPeak(mono)

	// Write to WAV file if recording
	if atomic.LoadInt32(&e.isRecording) == 1 && e.wavEncoder != nil {
		for i, sample := range e.inputBuffer {
			e.sampleBuf.Data[i] = int(sample)
		}

		e.sampleBuf.Data = e.sampleBuf.Data[:len(e.inputBuffer)]

		if err := e.wavEncoder.Write(e.sampleBuf); err != nil {
			log.Printf("Error writing to WAV file: %v", err)
		}
	}
}

// foldMono reduces an interleaved buffer to channel 0.
// Performance Critical (Hot Path):
// - No allocations
// - Returns the input unchanged for mono streams
func (e *Engine) foldMono(buffer []int32) []int32 {
	if e.config.Audio.Channels == 1 {
		return buffer
	}

	for i := range e.config.Audio.FramesPerBuffer {
		if i*e.config.Audio.Channels < len(buffer) {
			e.monoBuffer[i] = buffer[i*e.config.Audio.Channels]
		} else {
			e.monoBuffer[i] = 0 // Safety fallback
		}
	}
	return e.monoBuffer
}

// scanPeak records the largest absolute sample in the buffer.
// Performance Critical (Hot Path):
// - No allocations
// - Branchless absolute value and maximum
func (e *Engine) scanPeak(buffer []int32) {
	var maxAmplitude int32
	for i := range buffer {
		sample := buffer[i]
		mask := sample >> 31
		amplitude := (sample ^ mask) - mask
		diff := amplitude - maxAmplitude
		maxAmplitude += (diff & (diff >> 31)) ^ diff
	}
	atomic.StoreInt32(&e.peakAmplitude, maxAmplitude)
}
