package commands

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// SimConfig is the simulator's YAML configuration.
type SimConfig struct {
	// OTAURL is the provisioning endpoint. Empty keeps the engine
	// default.
	OTAURL string `yaml:"ota_url,omitempty"`

	// WebSocketURL is the realtime endpoint. Empty keeps the engine
	// default.
	WebSocketURL string `yaml:"ws_url,omitempty"`

	// Headers are merged into the transport header set.
	Headers map[string]string `yaml:"ws_headers,omitempty"`

	// DeviceID overrides the MAC-derived device identifier.
	DeviceID string `yaml:"device_id,omitempty"`

	// FrameDurationMs is the negotiated opus frame length (20 or 60).
	FrameDurationMs int `yaml:"frame_duration_ms,omitempty"`

	// WakePhrase enables the energy wake model with this phrase.
	WakePhrase string `yaml:"wake_phrase,omitempty"`

	// ToneHz is the simulated microphone's tone frequency.
	ToneHz float64 `yaml:"tone_hz,omitempty"`

	// MicWAV plays a WAV recording as the microphone instead of the
	// tone.
	MicWAV string `yaml:"mic_wav,omitempty"`

	// RecordWAV saves everything the speaker played to this WAV file
	// on exit.
	RecordWAV string `yaml:"record_wav,omitempty"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose,omitempty"`
}

// loadConfig reads the config file, or returns defaults when no file
// was given.
func loadConfig(path string) (*SimConfig, error) {
	cfg := &SimConfig{
		FrameDurationMs: 60,
		ToneHz:          440,
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.FrameDurationMs == 0 {
		cfg.FrameDurationMs = 60
	}
	if cfg.ToneHz == 0 {
		cfg.ToneHz = 440
	}
	return cfg, nil
}
