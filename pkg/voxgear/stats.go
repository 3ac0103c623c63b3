package voxgear

import (
	"sync/atomic"
	"time"
)

// PipelineStats accumulates counters across the engine's data paths.
// All counters are atomic; producers update them from their own tasks
// and Snapshot reads are lock-free.
type PipelineStats struct {
	startedAt atomic.Int64

	sessionsOpened   atomic.Uint64
	disconnects      atomic.Uint64
	wakeDetections   atomic.Uint64
	triggers         atomic.Uint64
	provisionRetries atomic.Uint64

	framesEncoded atomic.Uint64
	framesDropped atomic.Uint64
	framesSent    atomic.Uint64
	sendErrors    atomic.Uint64
	slowSends     atomic.Uint64
	bytesUp       atomic.Uint64

	packetsReceived  atomic.Uint64
	packetsPlayed    atomic.Uint64
	packetsDiscarded atomic.Uint64
	decodeErrors     atomic.Uint64
	bytesDown        atomic.Uint64
}

func newPipelineStats() *PipelineStats {
	s := &PipelineStats{}
	s.startedAt.Store(time.Now().UnixMilli())
	return s
}

// StatsSnapshot is a point-in-time copy of the pipeline counters.
type StatsSnapshot struct {
	UptimeMs int64 `json:"uptime_ms"`

	SessionsOpened   uint64 `json:"sessions_opened"`
	Disconnects      uint64 `json:"disconnects"`
	WakeDetections   uint64 `json:"wake_detections"`
	Triggers         uint64 `json:"triggers"`
	ProvisionRetries uint64 `json:"provision_retries"`

	FramesEncoded uint64 `json:"frames_encoded"`
	FramesDropped uint64 `json:"frames_dropped"`
	FramesSent    uint64 `json:"frames_sent"`
	SendErrors    uint64 `json:"send_errors"`
	SlowSends     uint64 `json:"slow_sends"`
	BytesUp       uint64 `json:"bytes_up"`

	PacketsReceived  uint64 `json:"packets_received"`
	PacketsPlayed    uint64 `json:"packets_played"`
	PacketsDiscarded uint64 `json:"packets_discarded"`
	DecodeErrors     uint64 `json:"decode_errors"`
	BytesDown        uint64 `json:"bytes_down"`
}

// Snapshot returns the current counter values.
func (s *PipelineStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		UptimeMs: time.Now().UnixMilli() - s.startedAt.Load(),

		SessionsOpened:   s.sessionsOpened.Load(),
		Disconnects:      s.disconnects.Load(),
		WakeDetections:   s.wakeDetections.Load(),
		Triggers:         s.triggers.Load(),
		ProvisionRetries: s.provisionRetries.Load(),

		FramesEncoded: s.framesEncoded.Load(),
		FramesDropped: s.framesDropped.Load(),
		FramesSent:    s.framesSent.Load(),
		SendErrors:    s.sendErrors.Load(),
		SlowSends:     s.slowSends.Load(),
		BytesUp:       s.bytesUp.Load(),

		PacketsReceived:  s.packetsReceived.Load(),
		PacketsPlayed:    s.packetsPlayed.Load(),
		PacketsDiscarded: s.packetsDiscarded.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
		BytesDown:        s.bytesDown.Load(),
	}
}

// UplinkLoss returns the fraction of encoded frames that were dropped
// before transmission, 0 when nothing was encoded yet.
func (snap StatsSnapshot) UplinkLoss() float64 {
	if snap.FramesEncoded == 0 {
		return 0
	}
	return float64(snap.FramesDropped) / float64(snap.FramesEncoded)
}
