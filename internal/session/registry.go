// SPDX-License-Identifier: MIT
package session

import (
	"crypto/subtle"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"lumen/internal/config"
	applog "lumen/internal/log"
	"lumen/internal/protocol"
)

// Authentication errors. All of them are categorical: the caller must
// not retry with the same credentials.
var (
	ErrCodeUnknown    = errors.New("unknown connect code")
	ErrCodeExpired    = errors.New("connect code expired")
	ErrCodeConsumed   = errors.New("connect code already used")
	ErrBadCredentials = errors.New("invalid source credentials")
	ErrSessionUnknown = errors.New("unknown session")
)

// Registry tracks authenticated sources, the single live session, the
// standby promotion queue, and outstanding connect codes. One mutex
// guards everything; no method blocks while holding it.
type Registry struct {
	mu sync.Mutex

	sessions map[string]*Session
	liveID   string
	queue    []string // standby session IDs in promotion order

	codes      map[string]*IssuedCode
	identities map[string]config.SourceIdentity

	state         protocol.AudioState
	droppedFrames uint64
}

func NewRegistry(identities []config.SourceIdentity) *Registry {
	table := make(map[string]config.SourceIdentity, len(identities))
	for _, identity := range identities {
		table[identity.ID] = identity
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		codes:      make(map[string]*IssuedCode),
		identities: table,
		state:      protocol.SilentState(),
	}
}

// AuthenticateCode admits a source bearing a connect code. The code
// must exist, be unexpired, and unconsumed; consumption is atomic, so
// one code never admits two sessions even under concurrent attempts.
func (r *Registry) AuthenticateCode(code, displayName string) (Snapshot, error) {
	normalized := protocol.NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	issued, ok := r.codes[normalized]
	if !ok {
		return Snapshot{}, ErrCodeUnknown
	}
	if issued.consumed {
		return Snapshot{}, ErrCodeConsumed
	}
	if time.Now().After(issued.ExpiresAt) {
		return Snapshot{}, ErrCodeExpired
	}
	issued.consumed = true

	return r.admit(displayName), nil
}

// AuthenticateDirect admits a source bearing a configured id/key pair.
// Unknown ids and wrong keys produce the same error; the comparison is
// constant-time.
func (r *Registry) AuthenticateDirect(id, key, displayName string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[id]
	if !ok || subtle.ConstantTimeCompare([]byte(key), []byte(identity.Key)) != 1 {
		return Snapshot{}, ErrBadCredentials
	}

	if displayName == "" {
		displayName = identity.Name
	}
	return r.admit(displayName), nil
}

// admit creates the session in Standby and promotes it immediately if
// nothing is live. Caller holds the lock.
func (r *Registry) admit(displayName string) Snapshot {
	if displayName == "" {
		displayName = "unnamed source"
	}

	now := time.Now()
	s := &Session{
		ID:            uuid.NewString(),
		Name:          displayName,
		State:         StateStandby,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	r.sessions[s.ID] = s
	r.queue = append(r.queue, s.ID)

	if r.liveID == "" {
		r.promoteLocked(s.ID)
	}

	applog.Infof("session: %s (%s) authenticated, state %s", s.Name, s.ID, s.State)
	return r.snapshotLocked(s)
}

// Promote makes the given session live. The previous live session, if
// any, moves to the back of the standby queue but stays connected.
func (r *Registry) Promote(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionUnknown
	}
	if r.liveID == id {
		return r.snapshotLocked(s), nil
	}

	r.promoteLocked(id)
	return r.snapshotLocked(s), nil
}

// promoteLocked moves id out of the queue into the live slot, demoting
// any previous live session to the queue tail. Audio state resets so
// the next broadcast never shows the previous source's bands. Caller
// holds the lock.
func (r *Registry) promoteLocked(id string) {
	if prev, ok := r.sessions[r.liveID]; ok {
		prev.State = StateStandby
		r.queue = append(r.queue, prev.ID)
	}

	r.removeFromQueue(id)
	r.liveID = id
	if s, ok := r.sessions[id]; ok {
		s.State = StateLive
		applog.Infof("session: %s (%s) is now live", s.Name, s.ID)
	}
	r.state = protocol.SilentState()
}

// Remove drops a session. If it was live, the standby queue head is
// promoted; with the queue empty the system goes sourceless and the
// audio state falls back to silence.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) error {
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionUnknown
	}

	s.State = StateDisconnected
	delete(r.sessions, id)
	r.removeFromQueue(id)

	if r.liveID == id {
		r.liveID = ""
		r.state = protocol.SilentState()
		if len(r.queue) > 0 {
			r.promoteLocked(r.queue[0])
		}
	}

	applog.Infof("session: %s (%s) removed", s.Name, id)
	return nil
}

func (r *Registry) removeFromQueue(id string) {
	for i, queued := range r.queue {
		if queued == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// Heartbeat records liveness for a session.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionUnknown
	}
	s.LastHeartbeat = time.Now()
	return nil
}

// ExpireStale removes every session whose last heartbeat is older than
// timeout and returns snapshots of the removed sessions.
func (r *Registry) ExpireStale(timeout time.Duration) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var removed []Snapshot
	for id, s := range r.sessions {
		if s.LastHeartbeat.Before(cutoff) {
			snap := r.snapshotLocked(s)
			snap.State = StateDisconnected.String()
			removed = append(removed, snap)
			r.removeLocked(id)
		}
	}
	return removed
}

// ApplyFrame folds a live session's analysis frame into the audio
// state. Frames from non-live sessions, frames at or behind the last
// applied sequence, and frames with out-of-range values are dropped and
// counted.
func (r *Registry) ApplyFrame(id string, frame *protocol.AnalysisFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || r.liveID != id {
		return false
	}
	if frame.Sequence <= s.lastSequence {
		r.droppedFrames++
		return false
	}
	if !frameValid(frame) {
		r.droppedFrames++
		return false
	}

	s.lastSequence = frame.Sequence
	r.state.ApplyFrame(frame)
	return true
}

func frameValid(frame *protocol.AnalysisFrame) bool {
	for _, v := range frame.Bands {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	if math.IsNaN(frame.Peak) || frame.Peak < 0 || frame.Peak > 1 {
		return false
	}
	return true
}

// AudioState returns a copy of the coordinator's current audio state.
func (r *Registry) AudioState() protocol.AudioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// DroppedFrames reports how many frames were rejected as stale or
// malformed.
func (r *Registry) DroppedFrames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedFrames
}

// LiveID returns the live session's id, or "" when sourceless.
func (r *Registry) LiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveID
}

// Snapshot returns the current view of one session.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionUnknown
	}
	return r.snapshotLocked(s), nil
}

// Sessions lists all sessions, live first, then standby in promotion
// order.
func (r *Registry) Sessions() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.sessions))
	if live, ok := r.sessions[r.liveID]; ok {
		out = append(out, r.snapshotLocked(live))
	}
	for _, id := range r.queue {
		if s, ok := r.sessions[id]; ok {
			out = append(out, r.snapshotLocked(s))
		}
	}
	return out
}

// snapshotLocked builds a Snapshot with derived queue fields. Caller
// holds the lock.
func (r *Registry) snapshotLocked(s *Session) Snapshot {
	position := 0
	if s.ID != r.liveID {
		for i, id := range r.queue {
			if id == s.ID {
				position = i + 1
				break
			}
		}
	}
	return Snapshot{
		ID:            s.ID,
		Name:          s.Name,
		State:         s.State.String(),
		QueuePosition: position,
		TotalSources:  len(r.sessions),
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.LastHeartbeat,
	}
}
