package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	applog "lumen/internal/log"
	"lumen/internal/protocol"
	"lumen/internal/session"
)

// sourceConn serializes writes to one source socket. The read loop,
// the heartbeat ack path and session-state pushes all write through it.
type sourceConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *sourceConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// handleSource runs one source connection end to end: upgrade, a single
// auth message inside the auth window, then the frame/heartbeat read
// loop until the socket dies.
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Debugf("Server: source upgrade failed: %v", err)
		return
	}
	sc := &sourceConn{conn: conn}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.cfg.AuthWindow))
	_, data, err := conn.ReadMessage()
	if err != nil {
		applog.Debugf("Server: source from %s sent no auth: %v", r.RemoteAddr, err)
		return
	}

	snap, err := s.authenticate(data)
	if err != nil {
		applog.Infof("Server: rejecting source from %s: %v", r.RemoteAddr, err)
		s.recordEvent("auth_failure", "", err.Error())
		sc.writeJSON(protocol.AuthFailure{
			Type:   protocol.TypeAuthFailure,
			Reason: err.Error(),
		})
		return
	}
	conn.SetReadDeadline(time.Time{})

	ok := protocol.AuthSuccess{
		Type:          protocol.TypeAuthSuccess,
		SessionID:     snap.ID,
		State:         snap.State,
		QueuePosition: snap.QueuePosition,
		TotalSources:  snap.TotalSources,
	}
	if err := sc.writeJSON(ok); err != nil {
		s.registry.Remove(snap.ID)
		return
	}

	applog.Infof("Server: session %s (%s) joined as %s", snap.ID, snap.Name, snap.State)
	s.recordEvent("session_joined", snap.ID, snap.Name)
	s.addSource(snap.ID, sc)
	s.notifySessions()

	defer func() {
		s.removeSource(snap.ID)
		// The registry entry may already be gone if an admin removed
		// the session; only the path that wins records the event.
		if err := s.registry.Remove(snap.ID); err == nil {
			applog.Infof("Server: session %s (%s) left", snap.ID, snap.Name)
			s.recordEvent("session_left", snap.ID, snap.Name)
			s.notifySessions()
		}
	}()

	limit := rate.Limit(s.cfg.FrameRateLimit)
	burst := int(s.cfg.FrameRateLimit)
	if s.cfg.FrameRateLimit <= 0 {
		limit = rate.Inf
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleSourceMessage(snap.ID, sc, limiter, data)
	}
}

// authenticate maps the first wire message onto the registry's two
// credential paths.
func (s *Server) authenticate(data []byte) (session.Snapshot, error) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		return session.Snapshot{}, err
	}

	switch msgType {
	case protocol.TypeCodeAuth:
		var m protocol.CodeAuth
		if err := json.Unmarshal(data, &m); err != nil {
			return session.Snapshot{}, fmt.Errorf("malformed code_auth: %w", err)
		}
		return s.registry.AuthenticateCode(m.Code, m.DisplayName)

	case protocol.TypeDirectAuth:
		var m protocol.DirectAuth
		if err := json.Unmarshal(data, &m); err != nil {
			return session.Snapshot{}, fmt.Errorf("malformed direct_auth: %w", err)
		}
		return s.registry.AuthenticateDirect(m.ID, m.Key, m.DisplayName)

	default:
		return session.Snapshot{}, fmt.Errorf("expected an auth message, got %s", msgType)
	}
}

// handleSourceMessage routes one post-auth message. Frames beyond the
// ingest rate are dropped before they are even decoded.
func (s *Server) handleSourceMessage(id string, sc *sourceConn, limiter *rate.Limiter, data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		applog.Debugf("Server: dropping malformed message from %s: %v", id, err)
		return
	}

	switch msgType {
	case protocol.TypeAnalysisFrame:
		if !limiter.Allow() {
			atomic.AddUint64(&s.rateDropped, 1)
			return
		}
		var frame protocol.AnalysisFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			applog.Debugf("Server: dropping malformed frame from %s: %v", id, err)
			return
		}
		s.registry.ApplyFrame(id, &frame)

	case protocol.TypeHeartbeat:
		s.registry.Heartbeat(id)
		var hb protocol.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return
		}
		ack := protocol.HeartbeatAck{
			Type:      protocol.TypeHeartbeatAck,
			Timestamp: hb.Timestamp,
		}
		if err := sc.writeJSON(ack); err != nil {
			applog.Debugf("Server: heartbeat ack to %s failed: %v", id, err)
		}

	case protocol.TypePong:
		// Tolerated, not tracked; source liveness rides on heartbeats.

	default:
		applog.Debugf("Server: unhandled %s message from %s", msgType, id)
	}
}
