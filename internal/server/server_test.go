package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lumen/internal/config"
	"lumen/internal/protocol"
)

const testAdminToken = "test-admin-token"

func testConfig() *config.Config {
	return &config.Config{
		LogLevel: "error",
		Server: config.ServerConfig{
			ListenAddr:       "127.0.0.1:0",
			AdminToken:       testAdminToken,
			RenderTick:       10 * time.Millisecond,
			SubscriberQueue:  16,
			FrameRateLimit:   1000,
			HeartbeatTimeout: time.Minute,
			AuthWindow:       2 * time.Second,
			Pattern:          "pulse",
			Sources: []config.SourceIdentity{
				{ID: "deck-1", Key: "secret-key", Name: "Main Deck"},
			},
		},
	}
}

// startServer runs a coordinator on an ephemeral port and tears it
// down with the test.
func startServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not stop after cancellation")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("Server never bound a listener")
		}
		time.Sleep(time.Millisecond)
	}
	return srv
}

func wsURL(srv *Server, path string) string {
	return "ws://" + srv.Addr() + path
}

func httpURL(srv *Server, path string) string {
	return "http://" + srv.Addr() + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilType discards messages until one with the wanted
// discriminator arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, timeout time.Duration, want string) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Reading for %s message: %v", want, err)
		}
		msgType, err := protocol.PeekType(data)
		if err != nil {
			continue
		}
		if msgType == want {
			return data
		}
	}
}

// readSessionState consumes session_state pushes in arrival order until
// one reports the wanted state. Joins and departures each trigger a
// push, so a single read may land on a stale notification.
func readSessionState(t *testing.T, conn *websocket.Conn, want string) protocol.SessionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data := readUntilType(t, conn, 2*time.Second, protocol.TypeSessionState)
		var state protocol.SessionState
		if err := json.Unmarshal(data, &state); err != nil {
			t.Fatalf("Decoding session_state: %v", err)
		}
		if state.State == want {
			return state
		}
	}
	t.Fatalf("Never saw a session_state with state %q", want)
	return protocol.SessionState{}
}

func authDirect(t *testing.T, conn *websocket.Conn) protocol.AuthSuccess {
	t.Helper()
	msg := protocol.DirectAuth{
		Type:        protocol.TypeDirectAuth,
		V:           protocol.ProtocolVersion,
		ID:          "deck-1",
		DisplayName: "Test Deck",
		Key:         "secret-key",
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("Sending auth: %v", err)
	}
	data := readUntilType(t, conn, 2*time.Second, protocol.TypeAuthSuccess)
	var ok protocol.AuthSuccess
	if err := json.Unmarshal(data, &ok); err != nil {
		t.Fatalf("Decoding auth_success: %v", err)
	}
	return ok
}

func apiDo(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Building %s %s: %v", method, url, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Decoding response body: %v", err)
	}
}

func waitCondition(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestServerHealthz(t *testing.T) {
	srv := startServer(t, nil)

	resp := apiDo(t, http.MethodGet, httpURL(srv, "/healthz"), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestSourceDirectAuthFlow(t *testing.T) {
	srv := startServer(t, nil)
	conn := dialWS(t, wsURL(srv, "/ws/source"))

	ok := authDirect(t, conn)
	if ok.State != "live" || ok.QueuePosition != 0 || ok.TotalSources != 1 {
		t.Fatalf("Expected first source live at position 0 of 1, got %+v", ok)
	}
	if ok.SessionID == "" {
		t.Fatal("Expected a session id")
	}

	// An accepted frame becomes the coordinator's audio state.
	frame := protocol.AnalysisFrame{
		Type:      protocol.TypeAnalysisFrame,
		Sequence:  1,
		Timestamp: time.Now().UnixMilli(),
		Bands:     [protocol.NumBands]float64{0.5, 0.4, 0.3, 0.2, 0.1},
		Peak:      0.6,
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Sending frame: %v", err)
	}
	waitCondition(t, 2*time.Second, "frame applied", func() bool {
		return srv.AudioState().Bands[0] == 0.5
	})

	// Heartbeats are acked with the echoed timestamp.
	hb := protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: 424242}
	if err := conn.WriteJSON(hb); err != nil {
		t.Fatalf("Sending heartbeat: %v", err)
	}
	data := readUntilType(t, conn, 2*time.Second, protocol.TypeHeartbeatAck)
	var ack protocol.HeartbeatAck
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("Decoding ack: %v", err)
	}
	if ack.Timestamp != 424242 {
		t.Errorf("Expected echoed timestamp 424242, got %d", ack.Timestamp)
	}

	resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/status"), "", nil)
	var status statusResponse
	decodeBody(t, resp, &status)
	if len(status.Sessions) != 1 {
		t.Fatalf("Expected 1 session in status, got %d", len(status.Sessions))
	}
	if status.LiveID != ok.SessionID {
		t.Errorf("Expected live id %s, got %s", ok.SessionID, status.LiveID)
	}
}

func TestSourceCodeAuthSingleUse(t *testing.T) {
	srv := startServer(t, nil)

	resp := apiDo(t, http.MethodPost, httpURL(srv, "/api/codes"), testAdminToken, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 issuing code, got %d", resp.StatusCode)
	}
	var issued map[string]string
	decodeBody(t, resp, &issued)
	if issued["code"] == "" {
		t.Fatal("Expected a connect code")
	}

	authMsg := protocol.CodeAuth{
		Type:        protocol.TypeCodeAuth,
		Code:        issued["code"],
		DisplayName: "Code Deck",
	}

	first := dialWS(t, wsURL(srv, "/ws/source"))
	if err := first.WriteJSON(authMsg); err != nil {
		t.Fatalf("Sending code auth: %v", err)
	}
	readUntilType(t, first, 2*time.Second, protocol.TypeAuthSuccess)

	// The same code a second time is refused.
	second := dialWS(t, wsURL(srv, "/ws/source"))
	if err := second.WriteJSON(authMsg); err != nil {
		t.Fatalf("Sending code auth again: %v", err)
	}
	data := readUntilType(t, second, 2*time.Second, protocol.TypeAuthFailure)
	var fail protocol.AuthFailure
	if err := json.Unmarshal(data, &fail); err != nil {
		t.Fatalf("Decoding auth_failure: %v", err)
	}
	if fail.Reason == "" {
		t.Error("Expected a rejection reason")
	}
}

func TestSourceAuthWindowCloses(t *testing.T) {
	srv := startServer(t, func(cfg *config.Config) {
		cfg.Server.AuthWindow = 100 * time.Millisecond
	})

	conn := dialWS(t, wsURL(srv, "/ws/source"))

	// Send nothing; the server must hang up on its own.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("Expected the server to close an unauthenticated socket")
	}

	resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/status"), "", nil)
	var status statusResponse
	decodeBody(t, resp, &status)
	if len(status.Sessions) != 0 {
		t.Errorf("Expected no sessions, got %d", len(status.Sessions))
	}
}

func TestSourceRejectsNonAuthFirstMessage(t *testing.T) {
	srv := startServer(t, nil)
	conn := dialWS(t, wsURL(srv, "/ws/source"))

	hb := protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: 1}
	if err := conn.WriteJSON(hb); err != nil {
		t.Fatalf("Sending heartbeat: %v", err)
	}
	data := readUntilType(t, conn, 2*time.Second, protocol.TypeAuthFailure)
	var fail protocol.AuthFailure
	if err := json.Unmarshal(data, &fail); err != nil {
		t.Fatalf("Decoding auth_failure: %v", err)
	}
	if fail.Reason == "" {
		t.Error("Expected a rejection reason")
	}
}

func TestViewReceivesBroadcastsAndUpdates(t *testing.T) {
	srv := startServer(t, nil)
	view := dialWS(t, wsURL(srv, "/ws/view"))

	data := readUntilType(t, view, 2*time.Second, protocol.TypeStateBroadcast)
	var sb protocol.StateBroadcast
	if err := json.Unmarshal(data, &sb); err != nil {
		t.Fatalf("Decoding state_broadcast: %v", err)
	}

	data = readUntilType(t, view, 2*time.Second, protocol.TypeBatchUpdate)
	var batch protocol.BatchUpdate
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("Decoding batch_update: %v", err)
	}
	if batch.Zone != broadcastZone {
		t.Errorf("Expected zone %q, got %q", broadcastZone, batch.Zone)
	}
	if len(batch.Updates) == 0 {
		t.Fatal("Expected entity updates from the pulse pattern")
	}
	for _, u := range batch.Updates {
		if u.ID == "" {
			t.Error("Entity update missing id")
		}
	}
}

func TestViewSeesLiveSourceState(t *testing.T) {
	srv := startServer(t, nil)

	source := dialWS(t, wsURL(srv, "/ws/source"))
	authDirect(t, source)

	frame := protocol.AnalysisFrame{
		Type:          protocol.TypeAnalysisFrame,
		Sequence:      1,
		Timestamp:     time.Now().UnixMilli(),
		Bands:         [protocol.NumBands]float64{0.8, 0, 0, 0, 0},
		Peak:          0.8,
		Beat:          true,
		BeatIntensity: 0.9,
	}
	if err := source.WriteJSON(frame); err != nil {
		t.Fatalf("Sending frame: %v", err)
	}

	view := dialWS(t, wsURL(srv, "/ws/view"))
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("Broadcasts never reflected the live source's bands")
		}
		data := readUntilType(t, view, 2*time.Second, protocol.TypeStateBroadcast)
		var sb protocol.StateBroadcast
		if err := json.Unmarshal(data, &sb); err != nil {
			t.Fatalf("Decoding state_broadcast: %v", err)
		}
		if sb.Bands[0] == 0.8 {
			break
		}
	}
}

func TestViewSpectatorSkipsBatchUpdates(t *testing.T) {
	srv := startServer(t, nil)

	// A renderer view proves the pattern engine is emitting batches
	// before the spectator attaches.
	renderer := dialWS(t, wsURL(srv, "/ws/view"))
	readUntilType(t, renderer, 2*time.Second, protocol.TypeBatchUpdate)

	spectator := dialWS(t, wsURL(srv, "/ws/view?kind=spectator"))
	spectator.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		_, data, err := spectator.ReadMessage()
		if err != nil {
			t.Fatalf("Reading spectator message %d: %v", i, err)
		}
		msgType, err := protocol.PeekType(data)
		if err != nil {
			t.Fatalf("Peeking spectator message %d: %v", i, err)
		}
		if msgType == protocol.TypeBatchUpdate {
			t.Fatal("Spectator received a batch_update")
		}
	}
}

func TestViewBadKindRejected(t *testing.T) {
	srv := startServer(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/view?kind=telemetry"), nil)
	if err == nil {
		conn.Close()
		t.Fatal("Expected the handshake to be rejected for an unknown kind")
	}
	if resp == nil {
		t.Fatal("Expected an HTTP response with the handshake error")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestAdminTokenRequired(t *testing.T) {
	srv := startServer(t, nil)

	resp := apiDo(t, http.MethodPost, httpURL(srv, "/api/codes"), "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}

	resp = apiDo(t, http.MethodPost, httpURL(srv, "/api/codes"), "wrong-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", resp.StatusCode)
	}

	resp = apiDo(t, http.MethodPost, httpURL(srv, "/api/codes"), testAdminToken, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201 with correct token, got %d", resp.StatusCode)
	}

	// Read-only routes stay open.
	resp = apiDo(t, http.MethodGet, httpURL(srv, "/api/status"), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for status without token, got %d", resp.StatusCode)
	}
}

func TestPromoteAndRemoveViaAPI(t *testing.T) {
	srv := startServer(t, nil)

	connA := dialWS(t, wsURL(srv, "/ws/source"))
	okA := authDirect(t, connA)
	if okA.State != "live" {
		t.Fatalf("Expected first source live, got %s", okA.State)
	}

	connB := dialWS(t, wsURL(srv, "/ws/source"))
	okB := authDirect(t, connB)
	if okB.State != "standby" || okB.QueuePosition != 1 {
		t.Fatalf("Expected second source standby at position 1, got %+v", okB)
	}

	// Promote B; both sources hear about the change.
	resp := apiDo(t, http.MethodPost, httpURL(srv, "/api/sources/"+okB.SessionID+"/promote"), testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 promoting, got %d", resp.StatusCode)
	}

	stateB := readSessionState(t, connB, "live")
	if stateB.QueuePosition != 0 {
		t.Fatalf("Expected B live at position 0, got %+v", stateB)
	}
	stateA := readSessionState(t, connA, "standby")
	if stateA.QueuePosition != 1 {
		t.Fatalf("Expected A in the queue at position 1, got %+v", stateA)
	}

	// Remove B; its socket closes and A is promoted back.
	resp = apiDo(t, http.MethodDelete, httpURL(srv, "/api/sources/"+okB.SessionID), testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 removing, got %d", resp.StatusCode)
	}

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := connB.ReadMessage(); err != nil {
			break
		}
	}

	stateA = readSessionState(t, connA, "live")
	if stateA.TotalSources != 1 {
		t.Fatalf("Expected A live alone, got %+v", stateA)
	}

	resp = apiDo(t, http.MethodDelete, httpURL(srv, "/api/sources/no-such-id"), testAdminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 removing unknown session, got %d", resp.StatusCode)
	}
}

func TestPatternAPI(t *testing.T) {
	srv := startServer(t, nil)

	resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/pattern"), "", nil)
	var current struct {
		Pattern   string   `json:"pattern"`
		Available []string `json:"available"`
	}
	decodeBody(t, resp, &current)
	if current.Pattern != "pulse" {
		t.Errorf("Expected initial pattern pulse, got %s", current.Pattern)
	}
	found := false
	for _, name := range current.Available {
		if name == "orbit" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected orbit in available patterns, got %v", current.Available)
	}

	resp = apiDo(t, http.MethodPost, httpURL(srv, "/api/pattern"), testAdminToken, map[string]string{"pattern": "orbit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 switching pattern, got %d", resp.StatusCode)
	}

	resp = apiDo(t, http.MethodGet, httpURL(srv, "/api/pattern"), "", nil)
	decodeBody(t, resp, &current)
	if current.Pattern != "orbit" {
		t.Errorf("Expected pattern orbit after switch, got %s", current.Pattern)
	}

	resp = apiDo(t, http.MethodPost, httpURL(srv, "/api/pattern"), testAdminToken, map[string]string{"pattern": "no-such-pattern"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown pattern, got %d", resp.StatusCode)
	}
}

func TestHistoryAPI(t *testing.T) {
	srv := startServer(t, func(cfg *config.Config) {
		cfg.History.Enabled = true
		cfg.History.Path = filepath.Join(t.TempDir(), "events.db")
	})

	apiDo(t, http.MethodPost, httpURL(srv, "/api/codes"), testAdminToken, nil)
	conn := dialWS(t, wsURL(srv, "/ws/source"))
	authDirect(t, conn)

	// Event writes are asynchronous; poll until both appear.
	waitCondition(t, 3*time.Second, "recorded events", func() bool {
		resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/history"), "", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var events []map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
			return false
		}
		kinds := make(map[string]bool)
		for _, ev := range events {
			if kind, ok := ev["kind"].(string); ok {
				kinds[kind] = true
			}
		}
		return kinds["code_issued"] && kinds["session_joined"]
	})

	resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/history?limit=bogus"), "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestHistoryAPIDisabled(t *testing.T) {
	srv := startServer(t, nil)

	resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/history"), "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 with history disabled, got %d", resp.StatusCode)
	}
}

func TestServerExpiresSilentSources(t *testing.T) {
	srv := startServer(t, func(cfg *config.Config) {
		cfg.Server.HeartbeatTimeout = 10 * time.Millisecond
	})

	conn := dialWS(t, wsURL(srv, "/ws/source"))
	authDirect(t, conn)

	// No heartbeats: the janitor sweep removes the session and closes
	// the socket.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawClose := false
	for !sawClose {
		if _, _, err := conn.ReadMessage(); err != nil {
			sawClose = true
		}
	}

	waitCondition(t, 2*time.Second, "session expiry", func() bool {
		resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/status"), "", nil)
		var status statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return len(status.Sessions) == 0
	})
}

func TestRateLimiterDropsFrameFlood(t *testing.T) {
	srv := startServer(t, func(cfg *config.Config) {
		cfg.Server.FrameRateLimit = 5
	})

	conn := dialWS(t, wsURL(srv, "/ws/source"))
	authDirect(t, conn)

	// Far more frames than the limiter admits in one burst.
	for i := 1; i <= 100; i++ {
		frame := protocol.AnalysisFrame{
			Type:      protocol.TypeAnalysisFrame,
			Sequence:  uint64(i),
			Timestamp: time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatalf("Sending frame %d: %v", i, err)
		}
	}

	waitCondition(t, 3*time.Second, "rate-limited frames", func() bool {
		resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/status"), "", nil)
		var status statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return status.RateLimited > 0
	})
}

func TestStatusReportsSubscribers(t *testing.T) {
	srv := startServer(t, nil)

	dialWS(t, wsURL(srv, "/ws/view"))
	dialWS(t, wsURL(srv, "/ws/view"))

	waitCondition(t, 2*time.Second, "subscriber count", func() bool {
		resp := apiDo(t, http.MethodGet, httpURL(srv, "/api/status"), "", nil)
		var status statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return status.Subscribers == 2
	})
}
