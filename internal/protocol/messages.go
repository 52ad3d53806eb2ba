// SPDX-License-Identifier: MIT
//
// Package protocol defines the JSON wire messages exchanged between audio
// sources, the coordinator, and broadcast subscribers. Every message is a
// self-describing object carrying a "type" discriminator; PeekType reads
// the discriminator without decoding the full payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is carried in the optional "v" field of auth and frame
// messages. Version 1 is the only version in existence.
const ProtocolVersion = 1

// NumBands is the number of frequency bands in every BandVector,
// ordered bass → air.
const NumBands = 5

// BandNames labels the five bands for display surfaces.
var BandNames = [NumBands]string{"bass", "low-mid", "mid", "high-mid", "air"}

// Message type discriminators.
const (
	TypeCodeAuth       = "code_auth"
	TypeDirectAuth     = "direct_auth"
	TypeAuthSuccess    = "auth_success"
	TypeAuthFailure    = "auth_failure"
	TypeAnalysisFrame  = "analysis_frame"
	TypeHeartbeat      = "heartbeat"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeSessionState   = "session_state"
	TypeStateBroadcast = "state_broadcast"
	TypeBatchUpdate    = "batch_update"
	TypePing           = "ping"
	TypePong           = "pong"
)

// envelope is the minimal decode used to route an incoming message.
type envelope struct {
	Type string `json:"type"`
}

// PeekType returns the "type" discriminator of a raw message without
// decoding the payload. An empty discriminator is an error: every message
// on the wire must be self-describing.
func PeekType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("message missing type discriminator")
	}
	return env.Type, nil
}

// CodeAuth authenticates a source with a single-use connect code.
type CodeAuth struct {
	Type        string `json:"type"`
	V           int    `json:"v,omitempty"`
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
}

// DirectAuth authenticates a source with a configured id/key identity.
type DirectAuth struct {
	Type        string `json:"type"`
	V           int    `json:"v,omitempty"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Key         string `json:"key"`
}

// AuthSuccess acknowledges authentication and tells the source where it
// landed in the session queue.
type AuthSuccess struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	QueuePosition int    `json:"queue_position"`
	TotalSources  int    `json:"total_sources"`
}

// AuthFailure rejects authentication. Receiving it is terminal for the
// connection: the source must not retry with the same credentials.
type AuthFailure struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// AnalysisFrame is one snapshot of a source's audio analysis, sent at a
// fixed cadence (~60/s). Sequence is monotonic per source; Timestamp is
// unix milliseconds. Beat fields and BPM are omitted when absent.
type AnalysisFrame struct {
	Type          string            `json:"type"`
	V             int               `json:"v,omitempty"`
	Sequence      uint64            `json:"sequence"`
	Timestamp     int64             `json:"timestamp"`
	Bands         [NumBands]float64 `json:"bands"`
	Peak          float64           `json:"peak"`
	Beat          bool              `json:"beat,omitempty"`
	BeatIntensity float64           `json:"beat_intensity,omitempty"`
	BPM           float64           `json:"bpm,omitempty"`
	BPMConfidence float64           `json:"bpm_confidence,omitempty"`
}

// Heartbeat and HeartbeatAck carry unix-millisecond timestamps so either
// side can estimate link delay.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatAck answers a Heartbeat, echoing the timestamp.
type HeartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// SessionState notifies a source of live/standby transitions and queue
// movement decided by the coordinator.
type SessionState struct {
	Type          string `json:"type"`
	State         string `json:"state"`
	QueuePosition int    `json:"queue_position"`
	TotalSources  int    `json:"total_sources"`
}

// StateBroadcast carries the coordinator's current AudioState to every
// subscriber.
type StateBroadcast struct {
	Type          string            `json:"type"`
	Bands         [NumBands]float64 `json:"bands"`
	Amplitude     float64           `json:"amplitude"`
	Beat          bool              `json:"beat"`
	BeatIntensity float64           `json:"beat_intensity"`
	BPM           float64           `json:"bpm"`
	Frame         uint64            `json:"frame"`
}

// BatchUpdate carries one pattern tick's entity updates to renderer
// subscribers. Zone scopes the updates to a renderer-defined region.
type BatchUpdate struct {
	Type    string         `json:"type"`
	Zone    string         `json:"zone"`
	Updates []EntityUpdate `json:"updates"`
}

// Ping and Pong are the liveness probes used on subscriber links.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}
