// SPDX-License-Identifier: MIT
//
// Package link maintains a source's WebSocket session with the
// coordinator: dial, authenticate, then pump analysis frames and
// heartbeats until the connection dies, backing off and reconnecting
// until the owning context is cancelled.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lumen/internal/config"
	applog "lumen/internal/log"
	"lumen/internal/protocol"
)

const (
	dialTimeout = 10 * time.Second
	authTimeout = 10 * time.Second
	writeWait   = 5 * time.Second

	// maxMissedHeartbeats is how many heartbeats may go unacknowledged
	// before the link is declared dead and redialed.
	maxMissedHeartbeats = 3
)

// ErrAuthRejected is returned by Run when the coordinator refuses the
// configured credentials. It is terminal: the link does not retry.
var ErrAuthRejected = errors.New("link: authentication rejected")

// ErrAttemptsExhausted is returned by Run when the configured connect
// attempt limit is reached without a stable session.
var ErrAttemptsExhausted = errors.New("link: connect attempts exhausted")

// Status is the link's connection state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAuthenticating
	StatusStandby
	StatusLive
)

// String returns the wire spelling of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusStandby:
		return "standby"
	case StatusLive:
		return "live"
	default:
		return "unknown"
	}
}

// FrameSource hands the link the most recent analysis frame. The bool
// reports freshness; a stale frame has already been sent and is skipped.
type FrameSource interface {
	Take() (protocol.AnalysisFrame, bool)
}

// Info is a point-in-time snapshot of the link for display surfaces.
type Info struct {
	Status        Status
	SessionID     string
	QueuePosition int
	TotalSources  int
	FramesSent    uint64
	Reconnects    uint64
}

// Link owns one source-side coordinator session.
type Link struct {
	cfg    config.LinkConfig
	source FrameSource

	status            int32
	pendingHeartbeats int32
	framesSent        uint64
	reconnects        uint64

	mu            sync.Mutex
	sessionID     string
	queuePosition int
	totalSources  int
}

// New validates the configuration and prepares a link. Exactly one
// credential style must be configured: a connect code, or a source
// id/key pair.
func New(cfg config.LinkConfig, source FrameSource) (*Link, error) {
	if source == nil {
		return nil, fmt.Errorf("link requires a frame source")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("link requires a server URL")
	}
	hasCode := cfg.ConnectCode != ""
	hasIdentity := cfg.SourceID != "" && cfg.SourceKey != ""
	if !hasCode && !hasIdentity {
		return nil, fmt.Errorf("link requires a connect code or a source id and key")
	}
	if cfg.FrameRate < 1 {
		return nil, fmt.Errorf("link frame rate must be at least 1, got %d", cfg.FrameRate)
	}
	return &Link{cfg: cfg, source: source}, nil
}

// Status reports the current connection state.
func (l *Link) Status() Status {
	return Status(atomic.LoadInt32(&l.status))
}

// Info returns a snapshot of the link's session and counters.
func (l *Link) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Info{
		Status:        l.Status(),
		SessionID:     l.sessionID,
		QueuePosition: l.queuePosition,
		TotalSources:  l.totalSources,
		FramesSent:    atomic.LoadUint64(&l.framesSent),
		Reconnects:    atomic.LoadUint64(&l.reconnects),
	}
}

// Run drives the connect/auth/pump cycle until ctx is cancelled. It
// returns nil on cancellation, ErrAuthRejected when the coordinator
// refuses the credentials, and ErrAttemptsExhausted when the configured
// attempt limit runs out. Everything else is retried with backoff.
func (l *Link) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			if l.cfg.MaxAttempts > 0 && attempt >= l.cfg.MaxAttempts {
				return ErrAttemptsExhausted
			}
			delay := backoffDelay(attempt)
			applog.Infof("Link: reconnecting in %s (attempt %d)", delay.Round(time.Millisecond), attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			atomic.AddUint64(&l.reconnects, 1)
		}

		started := time.Now()
		err := l.runOnce(ctx)
		l.setStatus(StatusDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if err != nil {
			applog.Warnf("Link: session ended: %v", err)
		}

		// A session that lasted long enough proves the credentials and
		// the route; start the retry ladder over.
		if time.Since(started) >= stableAfter {
			attempt = 1
		} else {
			attempt++
		}
	}
}

// runOnce performs one full session: dial, authenticate, pump frames
// and heartbeats until something fails or ctx is cancelled.
func (l *Link) runOnce(ctx context.Context) error {
	l.setStatus(StatusConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, l.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.cfg.ServerURL, err)
	}

	var wg sync.WaitGroup
	defer func() {
		conn.Close()
		wg.Wait()
	}()

	l.setStatus(StatusAuthenticating)
	if err := l.authenticate(conn); err != nil {
		return err
	}
	atomic.StoreInt32(&l.pendingHeartbeats, 0)

	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.readPump(conn, readErr)
	}()

	frameTicker := time.NewTicker(time.Second / time.Duration(l.cfg.FrameRate))
	defer frameTicker.Stop()
	hbTicker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer hbTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case <-frameTicker.C:
			frame, fresh := l.source.Take()
			if !fresh {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return fmt.Errorf("send frame: %w", err)
			}
			atomic.AddUint64(&l.framesSent, 1)

		case <-hbTicker.C:
			if atomic.LoadInt32(&l.pendingHeartbeats) >= maxMissedHeartbeats {
				return fmt.Errorf("%d heartbeats unacknowledged", maxMissedHeartbeats)
			}
			atomic.AddInt32(&l.pendingHeartbeats, 1)
			hb := protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: time.Now().UnixMilli()}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(hb); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

// authenticate sends the single credential message and waits for the
// coordinator's verdict.
func (l *Link) authenticate(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(l.authMessage()); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await auth verdict: %w", err)
	}
	msgType, err := protocol.PeekType(data)
	if err != nil {
		return fmt.Errorf("auth verdict: %w", err)
	}

	switch msgType {
	case protocol.TypeAuthSuccess:
		var ok protocol.AuthSuccess
		if err := json.Unmarshal(data, &ok); err != nil {
			return fmt.Errorf("decode auth_success: %w", err)
		}
		l.applySession(ok.SessionID, ok.State, ok.QueuePosition, ok.TotalSources)
		applog.Infof("Link: authenticated as session %s (%s, position %d of %d)",
			ok.SessionID, ok.State, ok.QueuePosition, ok.TotalSources)
		return nil

	case protocol.TypeAuthFailure:
		var fail protocol.AuthFailure
		if err := json.Unmarshal(data, &fail); err != nil {
			return fmt.Errorf("decode auth_failure: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, fail.Reason)

	default:
		return fmt.Errorf("unexpected %s message during auth", msgType)
	}
}

// authMessage builds the credential message. A connect code wins over a
// configured identity when both are present.
func (l *Link) authMessage() interface{} {
	if l.cfg.ConnectCode != "" {
		return protocol.CodeAuth{
			Type:        protocol.TypeCodeAuth,
			V:           protocol.ProtocolVersion,
			Code:        l.cfg.ConnectCode,
			DisplayName: l.cfg.DisplayName,
		}
	}
	return protocol.DirectAuth{
		Type:        protocol.TypeDirectAuth,
		V:           protocol.ProtocolVersion,
		ID:          l.cfg.SourceID,
		DisplayName: l.cfg.DisplayName,
		Key:         l.cfg.SourceKey,
	}
}

// readPump drains inbound messages until the connection dies, applying
// heartbeat acks and session-state transitions as they arrive.
func (l *Link) readPump(conn *websocket.Conn, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		l.handleMessage(data)
	}
}

func (l *Link) handleMessage(data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		applog.Debugf("Link: dropping malformed message: %v", err)
		return
	}

	switch msgType {
	case protocol.TypeHeartbeatAck:
		atomic.StoreInt32(&l.pendingHeartbeats, 0)

	case protocol.TypeSessionState:
		var ss protocol.SessionState
		if err := json.Unmarshal(data, &ss); err != nil {
			applog.Debugf("Link: dropping malformed session_state: %v", err)
			return
		}
		l.mu.Lock()
		id := l.sessionID
		l.mu.Unlock()
		l.applySession(id, ss.State, ss.QueuePosition, ss.TotalSources)
		applog.Infof("Link: session now %s (position %d of %d)", ss.State, ss.QueuePosition, ss.TotalSources)

	default:
		applog.Debugf("Link: unhandled %s message", msgType)
	}
}

// applySession records the coordinator's view of this session and maps
// its state string onto the link status.
func (l *Link) applySession(id, state string, position, total int) {
	l.mu.Lock()
	l.sessionID = id
	l.queuePosition = position
	l.totalSources = total
	l.mu.Unlock()

	switch state {
	case StatusLive.String():
		l.setStatus(StatusLive)
	case StatusStandby.String():
		l.setStatus(StatusStandby)
	default:
		applog.Warnf("Link: coordinator reported unknown state %q", state)
	}
}

func (l *Link) setStatus(s Status) {
	atomic.StoreInt32(&l.status, int32(s))
}
