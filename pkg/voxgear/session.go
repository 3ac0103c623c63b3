package voxgear

// Canonical audio rates of the realtime protocol: capture is encoded
// at 16 kHz, playback is decoded at 24 kHz, both mono.
const (
	captureSampleRate  = 16000
	playbackSampleRate = 24000
)

// Session is the per-handshake context assigned by the server. It is
// created when the server's hello arrives and destroyed on disconnect
// or goodbye.
type Session struct {
	ID              string
	FrameDurationMs int
	SampleRateIn    int
	SampleRateOut   int
	Channels        int
}

func newSession(id string, frameDurationMs int) *Session {
	return &Session{
		ID:              id,
		FrameDurationMs: frameDurationMs,
		SampleRateIn:    captureSampleRate,
		SampleRateOut:   playbackSampleRate,
		Channels:        1,
	}
}
