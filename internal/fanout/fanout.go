// Package fanout delivers coordinator broadcasts to renderer subscribers.
//
// Every subscriber owns a bounded outbound queue drained by a dedicated
// writer goroutine. When a queue is full the oldest queued message is
// discarded to make room, so a slow or stalled subscriber can never block
// the publisher or starve its peers. Liveness is probed with WebSocket
// pings; a subscriber that stops answering is detached and closed.
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	applog "lumen/internal/log"
)

const (
	// pingInterval is how often each subscriber link is probed.
	pingInterval = 10 * time.Second

	// maxMissedPongs is how many consecutive unanswered pings a
	// subscriber survives before it is detached.
	maxMissedPongs = 3

	// writeWait bounds every network write on a subscriber link.
	writeWait = 5 * time.Second
)

// ErrHubClosed is returned by Attach after Shutdown.
var ErrHubClosed = errors.New("fanout: hub closed")

// Kind classifies a subscriber's interest. Renderers consume entity
// updates and the audio state; spectators follow the audio state only.
type Kind uint8

const (
	KindRenderer Kind = 1 << iota
	KindSpectator
)

// KindAll addresses every subscriber kind.
const KindAll = KindRenderer | KindSpectator

func (k Kind) String() string {
	switch k {
	case KindRenderer:
		return "renderer"
	case KindSpectator:
		return "spectator"
	default:
		return "unknown"
	}
}

// ParseKind maps the wire spelling of a subscriber kind. Empty means
// renderer, the common case.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "renderer":
		return KindRenderer, nil
	case "spectator":
		return KindSpectator, nil
	default:
		return 0, fmt.Errorf("unknown subscriber kind %q", s)
	}
}

// Conn is the subset of *websocket.Conn the hub writes through.
// Narrowing the surface lets tests substitute an in-memory endpoint.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Hub fans published messages out to all attached subscribers.
type Hub struct {
	queueDepth   int
	pingInterval time.Duration

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	closed      bool

	wg sync.WaitGroup
}

// NewHub creates a hub whose subscribers each buffer up to queueDepth
// outbound messages.
func NewHub(queueDepth int) *Hub {
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Hub{
		queueDepth:   queueDepth,
		pingInterval: pingInterval,
		subscribers:  make(map[*Subscriber]struct{}),
	}
}

// Attach registers a connection and starts its writer goroutine. A
// non-empty zone restricts the subscriber to zoned messages for that
// zone. The caller keeps ownership of the read side; it should call
// PongReceived on the returned subscriber whenever a pong frame
// arrives, and Close when the read side ends.
func (h *Hub) Attach(conn Conn, id string, kind Kind, zone string) (*Subscriber, error) {
	s := &Subscriber{
		id:    id,
		kind:  kind,
		zone:  zone,
		conn:  conn,
		queue: make(chan []byte, h.queueDepth),
		done:  make(chan struct{}),
		hub:   h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.subscribers[s] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.wg.Add(1)
	go s.writePump()

	applog.Debugf("Fanout: %s %s attached (%d total)", kind, id, count)
	return s, nil
}

// Publish marshals v once and enqueues it to every subscriber whose
// kind matches mask. A non-empty zone skips subscribers that declared
// a different zone; subscribers with no zone receive everything. It
// never blocks; subscribers whose queues are full lose their oldest
// entries.
func (h *Hub) Publish(mask Kind, zone string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		if s.kind&mask == 0 {
			continue
		}
		if zone != "" && s.zone != "" && s.zone != zone {
			continue
		}
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.enqueue(data)
	}
	return nil
}

// Count reports the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Shutdown detaches every subscriber and waits for their writer
// goroutines to exit. The hub accepts no new subscribers afterwards.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	h.wg.Wait()
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	_, present := h.subscribers[s]
	delete(h.subscribers, s)
	count := len(h.subscribers)
	h.mu.Unlock()

	if present {
		applog.Debugf("Fanout: subscriber %s detached (%d total)", s.id, count)
	}
}

// Subscriber is one consumer link: a connection, its bounded queue and
// the writer goroutine draining that queue in order.
type Subscriber struct {
	id   string
	kind Kind
	zone string
	conn Conn
	hub  *Hub

	queue chan []byte
	done  chan struct{}
	once  sync.Once

	missedPongs int32
	dropped     uint64
}

// ID returns the identifier the subscriber was attached with.
func (s *Subscriber) ID() string { return s.id }

// Kind returns the subscriber's kind.
func (s *Subscriber) Kind() Kind { return s.kind }

// Zone returns the subscriber's zone filter, "" for all zones.
func (s *Subscriber) Zone() string { return s.zone }

// Dropped reports how many queued messages were discarded to make room
// for newer ones.
func (s *Subscriber) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// PongReceived resets the missed-pong counter. The owner of the read
// side calls this from the connection's pong handler.
func (s *Subscriber) PongReceived() {
	atomic.StoreInt32(&s.missedPongs, 0)
}

// Close detaches the subscriber. Safe to call from any goroutine and
// more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// enqueue appends data to the queue, discarding the oldest entry when
// the queue is full. It never blocks.
func (s *Subscriber) enqueue(data []byte) {
	for {
		select {
		case <-s.done:
			return
		case s.queue <- data:
			return
		default:
		}
		// Queue full. Drop the oldest entry and retry; a stale frame
		// is worth less than the one that just superseded it.
		select {
		case <-s.queue:
			atomic.AddUint64(&s.dropped, 1)
		default:
		}
	}
}

// writePump is the only goroutine that writes to the connection, which
// keeps delivery in queue order. It exits on write failure, missed
// pongs or Close, then releases the connection and hub slot.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(s.hub.pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.hub.remove(s)
		s.Close()
		s.hub.wg.Done()
	}()

	for {
		select {
		case data := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				applog.Debugf("Fanout: subscriber %s write failed: %v", s.id, err)
				return
			}
		case <-ticker.C:
			if atomic.LoadInt32(&s.missedPongs) >= maxMissedPongs {
				applog.Warnf("Fanout: subscriber %s missed %d pongs, detaching", s.id, maxMissedPongs)
				return
			}
			atomic.AddInt32(&s.missedPongs, 1)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				applog.Debugf("Fanout: subscriber %s ping failed: %v", s.id, err)
				return
			}
		case <-s.done:
			return
		}
	}
}
