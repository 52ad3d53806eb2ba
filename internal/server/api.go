package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	applog "lumen/internal/log"
	"lumen/internal/pattern"
	"lumen/internal/session"
	"lumen/pkg/build"
)

// routes builds the coordinator's HTTP surface. Read-only routes are
// open; mutating routes sit behind the admin bearer token.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws/source", s.handleSource)
	mux.HandleFunc("GET /ws/view", s.handleView)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/pattern", s.handleGetPattern)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	mux.Handle("POST /api/codes", s.requireAdmin(s.handleIssueCode))
	mux.Handle("POST /api/sources/{id}/promote", s.requireAdmin(s.handlePromote))
	mux.Handle("DELETE /api/sources/{id}", s.requireAdmin(s.handleRemoveSource))
	mux.Handle("POST /api/pattern", s.requireAdmin(s.handleSetPattern))

	return mux
}

// requireAdmin checks the bearer token on mutating routes. An empty
// configured token leaves them open; New warns about that at startup.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + s.cfg.AdminToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        build.GetBuildFlags().Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

type statusResponse struct {
	Pattern          string             `json:"pattern"`
	PatternFailures  uint64             `json:"pattern_failures"`
	LiveID           string             `json:"live_id,omitempty"`
	Sessions         []session.Snapshot `json:"sessions"`
	Subscribers      int                `json:"subscribers"`
	DroppedFrames    uint64             `json:"dropped_frames"`
	RateLimited      uint64             `json:"rate_limited_frames"`
	OutstandingCodes int                `json:"outstanding_codes"`
	UptimeSeconds    int64              `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Pattern:          s.engine.Current(),
		PatternFailures:  s.engine.Failures(),
		LiveID:           s.registry.LiveID(),
		Sessions:         s.registry.Sessions(),
		Subscribers:      s.hub.Count(),
		DroppedFrames:    s.registry.DroppedFrames(),
		RateLimited:      atomic.LoadUint64(&s.rateDropped),
		OutstandingCodes: s.registry.OutstandingCodes(),
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.registry.IssueCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	applog.Infof("Server: issued connect code %s", code.Code)
	s.recordEvent("code_issued", "", code.Code)
	writeJSON(w, http.StatusCreated, map[string]string{
		"code":       code.Code,
		"expires_at": code.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.registry.Promote(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	applog.Infof("Server: promoted session %s (%s)", snap.ID, snap.Name)
	s.recordEvent("session_promoted", snap.ID, snap.Name)
	s.notifySessions()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.registry.Snapshot(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if err := s.registry.Remove(id); err == nil {
		applog.Infof("Server: removed session %s (%s)", snap.ID, snap.Name)
		s.recordEvent("session_removed", snap.ID, snap.Name)
		s.notifySessions()
	}
	s.dropSourceConn(id)

	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pattern":   s.engine.Current(),
		"available": pattern.Names(),
		"failures":  s.engine.Failures(),
	})
}

func (s *Server) handleSetPattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.engine.Use(req.Pattern); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applog.Infof("Server: pattern switched to %s", req.Pattern)
	s.recordEvent("pattern_changed", "", req.Pattern)
	writeJSON(w, http.StatusOK, map[string]string{"pattern": req.Pattern})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 1000 {
		limit = 1000
	}

	events, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.Debugf("Server: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
