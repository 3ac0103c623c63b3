package voxgear

import (
	"sync"
	"testing"

	"github.com/voxgear/voxgear/pkg/audio/device"
)

func TestWakeWordDetector_FiresOncePerDetection(t *testing.T) {
	model := &scriptWakeModel{}
	var mu sync.Mutex
	var fires int
	det := newWakeWordDetector(model, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	}, DefaultLogger())

	in := &device.SimInput{Realtime: true}
	if err := det.Start(in); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !det.Running() {
		t.Fatal("Running() = false after Start")
	}

	// The feeder must be pushing chunks into the model.
	waitFor(t, "model fed", func() bool {
		model.mu.Lock()
		defer model.mu.Unlock()
		return model.fed > 0
	})

	model.arm()
	waitFor(t, "wake fired", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 1
	})

	// A single detection never fires twice.
	det.Stop()
	mu.Lock()
	if fires != 1 {
		t.Fatalf("fires = %d; want 1", fires)
	}
	mu.Unlock()

	if in.Opened() {
		t.Fatal("Stop did not release the device")
	}
	if det.Running() {
		t.Fatal("Running() = true after Stop")
	}
}

func TestWakeWordDetector_StartStopIdempotent(t *testing.T) {
	det := newWakeWordDetector(&scriptWakeModel{}, func() {}, DefaultLogger())
	in := &device.SimInput{Realtime: true}

	if err := det.Start(in); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := det.Start(in); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	det.Stop()
	det.Stop()

	if in.Opened() {
		t.Fatal("device still open after Stop")
	}
}

func TestEnergyWakeModel_DetectsSustainedEnergy(t *testing.T) {
	m := &EnergyWakeModel{Threshold: 1000, Run: 3, WakePhrase: "hello gear"}

	loud := make([]int16, m.ChunkSize())
	for i := range loud {
		loud[i] = 8000
	}
	quiet := make([]int16, m.ChunkSize())

	// Two loud chunks then silence: no detection.
	m.Feed(loud)
	m.Feed(loud)
	m.Feed(quiet)
	if m.TakeDetection() {
		t.Fatal("detected after interrupted run")
	}

	// Three consecutive loud chunks: detection, consumed once.
	m.Feed(loud)
	m.Feed(loud)
	m.Feed(loud)
	if !m.TakeDetection() {
		t.Fatal("no detection after sustained run")
	}
	if m.TakeDetection() {
		t.Fatal("detection not consumed")
	}

	if m.Phrase() != "hello gear" {
		t.Fatalf("Phrase() = %q", m.Phrase())
	}

	m.Feed(loud)
	m.Reset()
	m.Feed(loud)
	m.Feed(loud)
	if m.TakeDetection() {
		t.Fatal("Reset did not clear the voiced run")
	}
}
