// SPDX-License-Identifier: MIT
/*
Package session implements the coordinator's source registry: who is
connected, who is live, the standby queue, and the connect codes that
admit new sources. All registry state sits behind one mutex; every
operation is a short critical section.
*/
package session

import "time"

// State is a source session's lifecycle state as the coordinator sees
// it. Sessions exist in the registry only once authenticated, so
// Connecting and Authenticating appear on the wire (link side) but
// never in the registry.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateStandby
	StateLive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStandby:
		return "standby"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one authenticated audio source. Owned by the registry;
// external callers see Snapshot copies only.
type Session struct {
	ID            string
	Name          string
	State         State
	ConnectedAt   time.Time
	LastHeartbeat time.Time

	// lastSequence is the highest analysis frame sequence applied from
	// this session. Late or duplicate frames are dropped against it.
	lastSequence uint64
}

// Snapshot is a point-in-time copy of one session's coordinator view.
// QueuePosition is 0 for the live session and 1-based among standby
// sessions in promotion order.
type Snapshot struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	State         string    `json:"state"`
	QueuePosition int       `json:"queue_position"`
	TotalSources  int       `json:"total_sources"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
