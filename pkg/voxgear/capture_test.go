package voxgear

import (
	"sync"
	"testing"

	"github.com/voxgear/voxgear/pkg/audio/device"
)

func TestCaptureEngine_FrameSizing(t *testing.T) {
	in := &device.SimInput{Source: device.SineSource(440, 16000, 8000)}

	var mu sync.Mutex
	var packets [][]byte
	sink := func(p []byte) {
		mu.Lock()
		packets = append(packets, p)
		mu.Unlock()
	}

	c, err := newCaptureEngine(in, stubCodec{}, 60, sink, nil, DefaultLogger())
	if err != nil {
		t.Fatalf("newCaptureEngine: %v", err)
	}

	waitFor(t, "captured packets", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(packets) >= 5
	})
	c.Close()

	if in.Opened() {
		t.Fatal("capture did not close the device")
	}

	// Every encoded frame carries exactly 16000 * 60 / 1000 samples.
	enc := c.enc.(*stubEncoder)
	enc.mu.Lock()
	defer enc.mu.Unlock()
	if len(enc.frames) == 0 {
		t.Fatal("no frames reached the encoder")
	}
	for i, frame := range enc.frames {
		if len(frame) != 960 {
			t.Fatalf("frame %d carries %d samples; want 960", i, len(frame))
		}
	}
}

func TestCaptureEngine_ResamplesDeviceRate(t *testing.T) {
	// Device runs at 48 kHz; frames must still be 16 kHz sized.
	in := &device.SimInput{
		NativeRate: 48000,
		Source:     device.SineSource(440, 48000, 8000),
	}

	var mu sync.Mutex
	var count int
	c, err := newCaptureEngine(in, stubCodec{}, 20, func(p []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil, DefaultLogger())
	if err != nil {
		t.Fatalf("newCaptureEngine: %v", err)
	}
	defer c.Close()

	waitFor(t, "resampled packets", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	})

	enc := c.enc.(*stubEncoder)
	enc.mu.Lock()
	defer enc.mu.Unlock()
	for i, frame := range enc.frames {
		if len(frame) != 320 {
			t.Fatalf("frame %d carries %d samples; want 320", i, len(frame))
		}
	}
}
