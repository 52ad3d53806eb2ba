package mirror

import (
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"lumen/internal/config"
	"lumen/internal/protocol"
)

func testState() protocol.AudioState {
	return protocol.AudioState{
		Bands:         [protocol.NumBands]float64{0.9, 0.5, 0.3, 0.2, 0.1},
		Peak:          0.75,
		Beat:          true,
		BeatIntensity: 0.6,
		BPM:           128,
		BPMConfidence: 0.8,
	}
}

// decodePacket unpacks the wire layout independently of packState.
func decodePacket(t *testing.T, data []byte) (seq uint32, ts int64, state protocol.AudioState) {
	t.Helper()
	if len(data) != packetSize {
		t.Fatalf("Expected %d-byte packet, got %d", packetSize, len(data))
	}

	seq = binary.BigEndian.Uint32(data[0:4])
	ts = int64(binary.BigEndian.Uint64(data[4:12]))

	off := 12
	for i := 0; i < protocol.NumBands; i++ {
		state.Bands[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4])))
		off += 4
	}
	state.Peak = float64(math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4])))
	off += 4
	state.Beat = data[off] == 1
	off++
	state.BeatIntensity = float64(math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4])))
	off += 4
	state.BPM = float64(math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4])))
	return seq, ts, state
}

func TestPackStateRoundTrip(t *testing.T) {
	var buf [packetSize]byte
	want := testState()
	now := time.Now().UnixNano()

	packState(buf[:], 7, now, want)
	seq, ts, got := decodePacket(t, buf[:])

	if seq != 7 {
		t.Errorf("Expected sequence 7, got %d", seq)
	}
	if ts != now {
		t.Errorf("Expected timestamp %d, got %d", now, ts)
	}
	for i := range want.Bands {
		if math.Abs(got.Bands[i]-want.Bands[i]) > 1e-6 {
			t.Errorf("Band %d: expected %f, got %f", i, want.Bands[i], got.Bands[i])
		}
	}
	if math.Abs(got.Peak-want.Peak) > 1e-6 {
		t.Errorf("Expected peak %f, got %f", want.Peak, got.Peak)
	}
	if !got.Beat {
		t.Error("Expected beat flag set")
	}
	if math.Abs(got.BeatIntensity-want.BeatIntensity) > 1e-6 {
		t.Errorf("Expected intensity %f, got %f", want.BeatIntensity, got.BeatIntensity)
	}
	if math.Abs(got.BPM-want.BPM) > 1e-3 {
		t.Errorf("Expected bpm %f, got %f", want.BPM, got.BPM)
	}
}

func TestPackStateBeatFlagClear(t *testing.T) {
	var buf [packetSize]byte
	state := testState()
	state.Beat = false

	packState(buf[:], 1, 0, state)
	_, _, got := decodePacket(t, buf[:])
	if got.Beat {
		t.Error("Expected beat flag clear")
	}
}

func TestPublisherSendsToListener(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer listener.Close()

	cfg := config.MirrorConfig{
		Enabled:  true,
		Target:   listener.LocalAddr().String(),
		Interval: 5 * time.Millisecond,
	}
	pub, err := NewPublisher(cfg, testState)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	defer pub.Close()

	pub.Start()

	buf := make([]byte, 256)
	var lastSeq uint32
	for i := 0; i < 3; i++ {
		listener.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := listener.ReadFrom(buf)
		if err != nil {
			t.Fatalf("Packet %d not received: %v", i, err)
		}
		seq, _, state := decodePacket(t, buf[:n])
		if seq <= lastSeq {
			t.Errorf("Sequence not ascending: %d after %d", seq, lastSeq)
		}
		lastSeq = seq
		if math.Abs(state.Bands[0]-0.9) > 1e-6 {
			t.Errorf("Expected bass 0.9, got %f", state.Bands[0])
		}
	}

	if err := pub.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestPublisherLifecycle(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer listener.Close()

	pub, err := NewPublisher(config.MirrorConfig{
		Target:   listener.LocalAddr().String(),
		Interval: time.Millisecond,
	}, testState)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}

	// Double Start and double Stop are no-ops, not deadlocks.
	pub.Start()
	pub.Start()
	if err := pub.Stop(); err != nil {
		t.Errorf("First Stop failed: %v", err)
	}
	if err := pub.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestNewPublisherValidation(t *testing.T) {
	if _, err := NewPublisher(config.MirrorConfig{Target: "127.0.0.1:9090"}, nil); err == nil {
		t.Error("Expected error for nil source")
	}
	if _, err := NewPublisher(config.MirrorConfig{Target: "not-a-real-target:xyz"}, testState); err == nil {
		t.Error("Expected error for unresolvable target")
	}
}
