package voxgear

import (
	"encoding/json"
	"reflect"
	"testing"
)

func mustMarshal(t *testing.T, v any) map[string]any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return m
}

func TestHelloMessageShape(t *testing.T) {
	got := mustMarshal(t, newHello(60))
	want := map[string]any{
		"type":      "hello",
		"version":   float64(1),
		"transport": "websocket",
		"audio_params": map[string]any{
			"format":         "opus",
			"sample_rate":    float64(16000),
			"channels":       float64(1),
			"frame_duration": float64(60),
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("hello = %v; want %v", got, want)
	}
}

func TestListenMessageShapes(t *testing.T) {
	start := mustMarshal(t, newListenStart("s1"))
	want := map[string]any{
		"session_id": "s1",
		"type":       "listen",
		"state":      "start",
		"mode":       "auto",
	}
	if !reflect.DeepEqual(start, want) {
		t.Fatalf("listen start = %v; want %v", start, want)
	}

	detect := mustMarshal(t, newListenDetect("s1", "hey gear"))
	want = map[string]any{
		"session_id": "s1",
		"type":       "listen",
		"state":      "detect",
		"text":       "hey gear",
	}
	if !reflect.DeepEqual(detect, want) {
		t.Fatalf("listen detect = %v; want %v", detect, want)
	}
}

func TestGoodbyeAndAbortShapes(t *testing.T) {
	bye := mustMarshal(t, newGoodbye("s1"))
	want := map[string]any{"session_id": "s1", "type": "goodbye"}
	if !reflect.DeepEqual(bye, want) {
		t.Fatalf("goodbye = %v; want %v", bye, want)
	}

	abort := mustMarshal(t, newAbort("s1", ""))
	want = map[string]any{"session_id": "s1", "type": "abort"}
	if !reflect.DeepEqual(abort, want) {
		t.Fatalf("abort = %v; want %v", abort, want)
	}

	abort = mustMarshal(t, newAbort("s1", "wake_word_detected"))
	want = map[string]any{"session_id": "s1", "type": "abort", "reason": "wake_word_detected"}
	if !reflect.DeepEqual(abort, want) {
		t.Fatalf("abort with reason = %v; want %v", abort, want)
	}
}

func TestParseInbound(t *testing.T) {
	msg, err := parseInbound([]byte(`{"type":"tts","state":"sentence_start","text":"hi there","session_id":"s1"}`))
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if msg.Type != "tts" || msg.State != "sentence_start" || msg.Text != "hi there" || msg.SessionID != "s1" {
		t.Fatalf("msg = %+v", msg)
	}

	if _, err := parseInbound([]byte(`not json`)); err == nil {
		t.Fatal("parseInbound accepted garbage")
	}

	msg, err = parseInbound([]byte(`{"type":"iot","commands":[{"name":"Led","method":"TurnOn","parameters":{}}]}`))
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if len(msg.Commands) == 0 {
		t.Fatal("commands not captured")
	}
}
