// SPDX-License-Identifier: MIT
//
// Package server is the coordinator. It accepts source and subscriber
// WebSockets, owns the session registry and the pattern engine, and
// runs the render loop that turns the live source's AudioState into
// state broadcasts and entity updates for every subscriber.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"lumen/internal/config"
	"lumen/internal/fanout"
	"lumen/internal/history"
	applog "lumen/internal/log"
	"lumen/internal/pattern"
	"lumen/internal/protocol"
	"lumen/internal/session"
)

const (
	// janitorInterval is the cadence of stale-session sweeps and code
	// purges.
	janitorInterval = time.Second

	// writeWait bounds every write on a source socket.
	writeWait = 5 * time.Second

	// shutdownGrace is how long in-flight HTTP requests get to finish.
	shutdownGrace = 5 * time.Second

	// broadcastZone scopes entity updates; renderers map it to their
	// own scene region.
	broadcastZone = "main"
)

// Server wires the registry, pattern engine and fanout behind one
// listener.
type Server struct {
	cfg      config.ServerConfig
	registry *session.Registry
	engine   *pattern.Engine
	hub      *fanout.Hub
	hist     *history.Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sources map[string]*sourceConn
	addr    string

	started     time.Time
	rateDropped uint64
}

// New builds a coordinator from configuration. The event history store
// is opened here when enabled; everything else is in-memory.
func New(cfg *config.Config) (*Server, error) {
	engine, err := pattern.NewEngine(cfg.Server.Pattern)
	if err != nil {
		return nil, fmt.Errorf("initialize pattern engine: %w", err)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Server.AdminToken == "" {
		applog.Warnf("Server: no admin token configured, admin routes are unprotected")
	}

	return &Server{
		cfg:      cfg.Server,
		registry: session.NewRegistry(cfg.Server.Sources),
		engine:   engine,
		hub:      fanout.NewHub(cfg.Server.SubscriberQueue),
		hist:     hist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sources: make(map[string]*sourceConn),
		started: time.Now(),
	}, nil
}

// Addr returns the bound listen address once Run has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// AudioState exposes the registry's current state, for the UDP mirror.
func (s *Server) AudioState() protocol.AudioState {
	return s.registry.AudioState()
}

// Run serves until ctx is cancelled: the HTTP listener, the render
// loop and the janitor all run under one errgroup, and a failure in
// any of them stops the rest.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	applog.Infof("Server: listening on %s", ln.Addr())

	httpSrv := &http.Server{Handler: s.routes()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
		s.closeSources()
		s.hub.Shutdown()
		return nil
	})
	g.Go(func() error { return s.renderLoop(ctx) })
	g.Go(func() error { return s.janitorLoop(ctx) })

	err = g.Wait()
	if s.hist != nil {
		if cerr := s.hist.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// renderLoop drives the pattern engine at the render tick and fans the
// results out. It publishes against the most recent AudioState only;
// anything between ticks is already folded into the registry.
func (s *Server) renderLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RenderTick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			state := s.registry.AudioState()
			if err := s.hub.Publish(fanout.KindAll, "", state.Broadcast()); err != nil {
				applog.Errorf("Server: state broadcast failed: %v", err)
			}

			updates := s.engine.Tick(state, dt)
			if len(updates) == 0 {
				continue
			}
			batch := protocol.BatchUpdate{
				Type:    protocol.TypeBatchUpdate,
				Zone:    broadcastZone,
				Updates: updates,
			}
			if err := s.hub.Publish(fanout.KindRenderer, broadcastZone, batch); err != nil {
				applog.Errorf("Server: batch publish failed: %v", err)
			}
		}
	}
}

// janitorLoop expires sessions that stopped heartbeating and purges
// dead connect codes.
func (s *Server) janitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired := s.registry.ExpireStale(s.cfg.HeartbeatTimeout)
			for _, snap := range expired {
				applog.Warnf("Server: session %s (%s) timed out", snap.ID, snap.Name)
				s.recordEvent("session_expired", snap.ID, snap.Name)
				s.dropSourceConn(snap.ID)
			}
			if len(expired) > 0 {
				s.notifySessions()
			}
			if purged := s.registry.PurgeCodes(); purged > 0 {
				applog.Debugf("Server: purged %d dead connect codes", purged)
			}
		}
	}
}

// handleView upgrades a subscriber socket and parks it on the fanout
// hub. Subscribers only listen; the read loop exists to surface pongs
// and the close handshake. The kind query parameter selects which
// publishes the subscriber sees, zone narrows batch updates further.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	kind, err := fanout.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	zone := r.URL.Query().Get("zone")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Debugf("Server: view upgrade failed: %v", err)
		return
	}

	sub, err := s.hub.Attach(conn, r.RemoteAddr, kind, zone)
	if err != nil {
		conn.Close()
		return
	}
	defer sub.Close()

	conn.SetPongHandler(func(string) error {
		sub.PongReceived()
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) addSource(id string, sc *sourceConn) {
	s.mu.Lock()
	s.sources[id] = sc
	s.mu.Unlock()
}

func (s *Server) removeSource(id string) {
	s.mu.Lock()
	delete(s.sources, id)
	s.mu.Unlock()
}

// dropSourceConn closes a source's socket if one is attached. The read
// loop's cleanup handles the registry side.
func (s *Server) dropSourceConn(id string) {
	s.mu.Lock()
	sc := s.sources[id]
	delete(s.sources, id)
	s.mu.Unlock()

	if sc != nil {
		sc.conn.Close()
	}
}

func (s *Server) closeSources() {
	s.mu.Lock()
	conns := make([]*sourceConn, 0, len(s.sources))
	for _, sc := range s.sources {
		conns = append(conns, sc)
	}
	s.sources = make(map[string]*sourceConn)
	s.mu.Unlock()

	for _, sc := range conns {
		sc.conn.Close()
	}
}

// notifySessions pushes every connected source its current queue view.
// Called after any registry mutation that can shift positions.
func (s *Server) notifySessions() {
	type target struct {
		id string
		sc *sourceConn
	}
	s.mu.Lock()
	targets := make([]target, 0, len(s.sources))
	for id, sc := range s.sources {
		targets = append(targets, target{id: id, sc: sc})
	}
	s.mu.Unlock()

	for _, tgt := range targets {
		snap, err := s.registry.Snapshot(tgt.id)
		if err != nil {
			continue
		}
		msg := protocol.SessionState{
			Type:          protocol.TypeSessionState,
			State:         snap.State,
			QueuePosition: snap.QueuePosition,
			TotalSources:  snap.TotalSources,
		}
		if err := tgt.sc.writeJSON(msg); err != nil {
			applog.Debugf("Server: session_state push to %s failed: %v", tgt.id, err)
		}
	}
}

func (s *Server) recordEvent(kind, sessionID, detail string) {
	if s.hist == nil {
		return
	}
	s.hist.Record(kind, sessionID, detail)
}
