// SPDX-License-Identifier: MIT
//
// Package mirror publishes the coordinator's AudioState as compact
// binary UDP packets for LAN consumers that want the state without a
// WebSocket subscription (lighting rigs, embedded displays).
package mirror

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"lumen/internal/config"
	applog "lumen/internal/log"
	"lumen/internal/protocol"
)

/*
Mirror Packet Structure (BigEndian)

+------------------------------------------------------------------------+
| Field          | Data Type  | Size (Bytes) | Description              |
|----------------|------------|--------------|--------------------------|
| Sequence       | uint32     | 4            | Monotonically increasing |
| Timestamp      | int64      | 8            | Nanoseconds since epoch  |
| Bands          | [5]float32 | 20           | Normalized band vector   |
| Amplitude      | float32    | 4            | Peak amplitude [0,1]     |
| Beat           | uint8      | 1            | 1 when a beat fired      |
| Beat Intensity | float32    | 4            | Beat strength [0,1]      |
| BPM            | float32    | 4            | Current tempo estimate   |
+------------------------------------------------------------------------+
*/

// packetSize is the fixed wire size of one mirror packet.
const packetSize = 4 + 8 + protocol.NumBands*4 + 4 + 1 + 4 + 4

// defaultInterval is used when the configured interval is not positive.
const defaultInterval = 33 * time.Millisecond

// packState encodes one AudioState snapshot into dst, which must hold
// packetSize bytes.
func packState(dst []byte, seq uint32, timestamp int64, state protocol.AudioState) {
	binary.BigEndian.PutUint32(dst[0:4], seq)
	binary.BigEndian.PutUint64(dst[4:12], uint64(timestamp))

	off := 12
	for i := 0; i < protocol.NumBands; i++ {
		binary.BigEndian.PutUint32(dst[off:off+4], math.Float32bits(float32(state.Bands[i])))
		off += 4
	}
	binary.BigEndian.PutUint32(dst[off:off+4], math.Float32bits(float32(state.Peak)))
	off += 4
	if state.Beat {
		dst[off] = 1
	} else {
		dst[off] = 0
	}
	off++
	binary.BigEndian.PutUint32(dst[off:off+4], math.Float32bits(float32(state.BeatIntensity)))
	off += 4
	binary.BigEndian.PutUint32(dst[off:off+4], math.Float32bits(float32(state.BPM)))
}

// Publisher periodically samples an AudioState source, packs it and
// sends it over UDP. It runs in a goroutine managed by Start and Stop.
type Publisher struct {
	sender   *Sender
	source   func() protocol.AudioState
	interval time.Duration

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex

	sequence uint32

	// Pre-allocated packet buffer; sendPacket is the hot path.
	packet [packetSize]byte
}

// NewPublisher dials the configured target and prepares a publisher
// that samples state on every interval tick.
func NewPublisher(cfg config.MirrorConfig, source func() protocol.AudioState) (*Publisher, error) {
	if source == nil {
		return nil, fmt.Errorf("mirror publisher requires a state source")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
		applog.Warnf("Mirror: invalid interval, defaulting to %s", interval)
	}

	sender, err := NewSender(cfg.Target)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		sender:   sender,
		source:   source,
		interval: interval,
	}, nil
}

// Start begins periodic publishing. Safe to call more than once; a
// running publisher ignores the call.
func (p *Publisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		applog.Warnf("Mirror: Start called but already running")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}

	ticker := p.ticker
	doneChan := p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		applog.Infof("Mirror: publishing every %s", p.interval)
		for {
			select {
			case <-ticker.C:
				p.sendPacket()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the publisher goroutine to exit and waits for it. Safe
// to call more than once.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		applog.Debugf("Mirror: Stop called but not running")
		return nil
	}

	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Close stops publishing and releases the UDP connection.
func (p *Publisher) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.sender.Close()
}

// sendPacket samples the source, packs the snapshot and fires it at the
// target. Send errors are logged and dropped; a mirror packet carries
// no obligation.
func (p *Publisher) sendPacket() {
	state := p.source()
	p.sequence++
	packState(p.packet[:], p.sequence, time.Now().UnixNano(), state)

	if err := p.sender.Send(p.packet[:]); err != nil {
		applog.Debugf("Mirror: %v", err)
	}
}

