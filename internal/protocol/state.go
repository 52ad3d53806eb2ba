// SPDX-License-Identifier: MIT
package protocol

// AudioState is the coordinator's best-known audio snapshot, derived from
// the live source's latest accepted AnalysisFrame. It is a plain value:
// the session registry owns the current one and hands copies to the
// pattern engine and the fanout every render tick.
type AudioState struct {
	Bands         [NumBands]float64
	Peak          float64
	Beat          bool
	BeatIntensity float64
	BPM           float64
	BPMConfidence float64
	Frame         uint64
}

// DefaultBPM is the neutral tempo reported when no beat history exists.
const DefaultBPM = 120

// SilentState is the AudioState used when no source is live: zero bands,
// zero peak, neutral tempo at low confidence.
func SilentState() AudioState {
	return AudioState{
		BPM:           DefaultBPM,
		BPMConfidence: 0,
	}
}

// ApplyFrame folds an accepted AnalysisFrame into the state and advances
// the frame counter. Beat is the frame's own flag, not latched: the wire
// frame already latched any beat that fired between publishes.
func (s *AudioState) ApplyFrame(f *AnalysisFrame) {
	s.Bands = f.Bands
	s.Peak = f.Peak
	s.Beat = f.Beat
	s.BeatIntensity = f.BeatIntensity
	if f.BPM > 0 {
		s.BPM = f.BPM
		s.BPMConfidence = f.BPMConfidence
	}
	s.Frame++
}

// Broadcast packages the state as its wire form.
func (s AudioState) Broadcast() StateBroadcast {
	return StateBroadcast{
		Type:          TypeStateBroadcast,
		Bands:         s.Bands,
		Amplitude:     s.Peak,
		Beat:          s.Beat,
		BeatIntensity: s.BeatIntensity,
		BPM:           s.BPM,
		Frame:         s.Frame,
	}
}
