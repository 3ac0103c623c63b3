package voxgear

import (
	"encoding/json"
)

// Outbound control messages. Shapes are fixed by the realtime
// protocol; fields may be added over time but never removed.

type helloMessage struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	AudioParams audioParams `json:"audio_params"`
}

type audioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

type listenMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
}

type goodbyeMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
}

type abortMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
}

func newHello(frameDurationMs int) helloMessage {
	return helloMessage{
		Type:      "hello",
		Version:   1,
		Transport: "websocket",
		AudioParams: audioParams{
			Format:        "opus",
			SampleRate:    captureSampleRate,
			Channels:      1,
			FrameDuration: frameDurationMs,
		},
	}
}

func newListenStart(sessionID string) listenMessage {
	return listenMessage{
		SessionID: sessionID,
		Type:      "listen",
		State:     "start",
		Mode:      "auto",
	}
}

func newListenDetect(sessionID, phrase string) listenMessage {
	return listenMessage{
		SessionID: sessionID,
		Type:      "listen",
		State:     "detect",
		Text:      phrase,
	}
}

func newGoodbye(sessionID string) goodbyeMessage {
	return goodbyeMessage{SessionID: sessionID, Type: "goodbye"}
}

func newAbort(sessionID, reason string) abortMessage {
	return abortMessage{SessionID: sessionID, Type: "abort", Reason: reason}
}

// inboundMessage is the superset shape of every server control
// message. The Type field selects which other fields are meaningful.
type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Text      string          `json:"text"`
	Emotion   string          `json:"emotion"`
	Commands  json.RawMessage `json:"commands"`
}

func parseInbound(data []byte) (*inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
