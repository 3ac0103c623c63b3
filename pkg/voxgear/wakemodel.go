package voxgear

import (
	"math"
	"sync"
)

// EnergyWakeModel is a trivially simple keyword-spot stand-in: it
// "detects" the wake phrase when the short-term signal energy stays
// above a threshold for a run of consecutive chunks. It exists for
// simulators and tests; hardware builds plug in a real model.
type EnergyWakeModel struct {
	// Threshold is the RMS amplitude (0..32767) a chunk must reach
	// to count as voiced. Zero defaults to 2000.
	Threshold float64

	// Run is the number of consecutive voiced chunks that constitute
	// a detection. Zero defaults to 3.
	Run int

	// WakePhrase is reported by Phrase.
	WakePhrase string

	mu       sync.Mutex
	voiced   int
	detected bool
}

var _ WakeModel = (*EnergyWakeModel)(nil)

// ChunkSize returns 512 samples (32 ms at 16 kHz), the chunk size
// typical keyword models consume.
func (m *EnergyWakeModel) ChunkSize() int { return 512 }

// Feed accumulates chunk energy toward a detection.
func (m *EnergyWakeModel) Feed(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	var sum float64
	for _, s := range pcm {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(pcm)))

	threshold := m.Threshold
	if threshold == 0 {
		threshold = 2000
	}
	run := m.Run
	if run == 0 {
		run = 3
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rms >= threshold {
		m.voiced++
		if m.voiced >= run {
			m.detected = true
			m.voiced = 0
		}
	} else {
		m.voiced = 0
	}
}

// TakeDetection consumes a pending detection.
func (m *EnergyWakeModel) TakeDetection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.detected
	m.detected = false
	return d
}

// Phrase returns the configured wake phrase.
func (m *EnergyWakeModel) Phrase() string {
	if m.WakePhrase == "" {
		return "hey gear"
	}
	return m.WakePhrase
}

// Reset clears accumulated state.
func (m *EnergyWakeModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voiced = 0
	m.detected = false
}
