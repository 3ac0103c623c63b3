package voxgear

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxgear/voxgear/pkg/audio/device"
)

// WakeModel is a keyword-spotting model. The detector feeds it
// fixed-size mono chunks from one goroutine and polls TakeDetection
// from another; implementations synchronize internally. The detector
// opens the input device at 16 kHz and does not resample, so a device
// running at another native rate delivers chunks at that rate.
type WakeModel interface {
	// ChunkSize returns the number of samples per Feed call.
	ChunkSize() int

	// Feed pushes one chunk of PCM into the model.
	Feed(pcm []int16)

	// TakeDetection reports and consumes a pending detection, so each
	// detection fires at most one wake event.
	TakeDetection() bool

	// Phrase returns the human-readable wake phrase, sent to the
	// server as the detect hint.
	Phrase() string

	// Reset clears model state when the detector restarts.
	Reset()
}

// wakeFetchInterval is the fetcher's polling cadence.
const wakeFetchInterval = 20 * time.Millisecond

// wakeWordDetector runs a feeder task reading the input device into
// the model and a fetcher task polling the model for detections. The
// detector and the capture engine never hold the input device at the
// same time; the engine sequences stop before capture start and vice
// versa.
type wakeWordDetector struct {
	model  WakeModel
	onWake func()
	logger Logger

	mu      sync.Mutex
	in      device.Input
	stop    chan struct{}
	done    sync.WaitGroup
	running bool
}

func newWakeWordDetector(model WakeModel, onWake func(), logger Logger) *wakeWordDetector {
	return &wakeWordDetector{model: model, onWake: onWake, logger: logger}
}

// Start opens the device and launches the feeder and fetcher tasks.
func (w *wakeWordDetector) Start(in device.Input) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := in.Open(captureSampleRate); err != nil {
		return fmt.Errorf("voxgear: open wake device: %w", err)
	}

	w.in = in
	w.stop = make(chan struct{})
	w.running = true
	w.model.Reset()

	w.done.Add(2)
	go w.feed(in, w.stop)
	go w.fetch(w.stop)
	return nil
}

// Running reports whether the detector currently holds the device.
func (w *wakeWordDetector) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stop halts both tasks and closes the device. It blocks until the
// device is released so the capture engine can safely reopen it.
func (w *wakeWordDetector) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stop := w.stop
	in := w.in
	w.running = false
	w.in = nil
	w.mu.Unlock()

	close(stop)
	w.done.Wait()
	in.Close()
}

func (w *wakeWordDetector) feed(in device.Input, stop chan struct{}) {
	defer w.done.Done()
	buf := make([]int16, w.model.ChunkSize())
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := in.Read(buf)
		if err != nil {
			w.logger.ErrorPrintf("wakeword: device read: %v", err)
			return
		}
		w.model.Feed(buf[:n])
	}
}

func (w *wakeWordDetector) fetch(stop chan struct{}) {
	defer w.done.Done()
	ticker := time.NewTicker(wakeFetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if w.model.TakeDetection() {
				w.onWake()
			}
		}
	}
}
