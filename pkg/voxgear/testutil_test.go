package voxgear

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxgear/voxgear/pkg/audio/opusx"
)

// stubCodec is a trivially reversible stand-in for Opus: packets carry
// the sample count and the pipeline stays exercised without linking
// libopus.
type stubCodec struct{}

func (stubCodec) NewEncoder(sampleRate, channels, frameSize int) (opusx.Encoder, error) {
	return &stubEncoder{want: frameSize * channels}, nil
}

func (stubCodec) NewDecoder(sampleRate, channels int) (opusx.Decoder, error) {
	return &stubDecoder{}, nil
}

type stubEncoder struct {
	mu     sync.Mutex
	want   int
	frames [][]int16
	closed bool
}

func (e *stubEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("stub encoder closed")
	}
	if len(pcm) != e.want {
		return nil, fmt.Errorf("stub encoder: got %d samples, want %d", len(pcm), e.want)
	}
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	e.frames = append(e.frames, frame)

	packet := make([]byte, 4)
	binary.LittleEndian.PutUint32(packet, uint32(len(pcm)))
	return packet, nil
}

func (e *stubEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type stubDecoder struct {
	closed bool
}

func (d *stubDecoder) Decode(packet []byte, maxSamples int) ([]int16, error) {
	if d.closed {
		return nil, fmt.Errorf("stub decoder closed")
	}
	if len(packet) < 4 {
		return nil, fmt.Errorf("stub decoder: short packet")
	}
	n := int(binary.LittleEndian.Uint32(packet))
	if n > maxSamples {
		n = maxSamples
	}
	return make([]int16, n), nil
}

func (d *stubDecoder) Close() error {
	d.closed = true
	return nil
}

// scriptWakeModel fires a detection when the test arms it.
type scriptWakeModel struct {
	mu    sync.Mutex
	armed bool
	fed   int
}

func (m *scriptWakeModel) ChunkSize() int { return 160 }

func (m *scriptWakeModel) Feed(pcm []int16) {
	m.mu.Lock()
	m.fed += len(pcm)
	m.mu.Unlock()
}

func (m *scriptWakeModel) TakeDetection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	armed := m.armed
	m.armed = false
	return armed
}

func (m *scriptWakeModel) Phrase() string { return "hey gear" }

func (m *scriptWakeModel) Reset() {}

func (m *scriptWakeModel) arm() {
	m.mu.Lock()
	m.armed = true
	m.mu.Unlock()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// currentState reads the engine state through the engine task, so the
// read is ordered against every pending transition.
func (e *Engine) currentState() State {
	ch := make(chan State, 1)
	e.task.Enqueue(func() { ch <- e.state })
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		return StateIdle
	}
}

// eventCollector accumulates drained events across polls.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) pull(e *Engine) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e.Events()...)
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
