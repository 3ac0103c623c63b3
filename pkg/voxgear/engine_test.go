package voxgear

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgear/voxgear/pkg/audio/device"
	"github.com/voxgear/voxgear/pkg/iot"
)

type engineFixture struct {
	t    *testing.T
	ws   *wsTestServer
	eng  *Engine
	in   *device.SimInput
	out  *device.SimOutput
	wake *scriptWakeModel
	col  *eventCollector
}

// newEngineFixture wires an engine against in-process OTA and
// WebSocket servers, a stub codec and simulated audio devices.
// otaResponses is consumed one response per provisioning POST; the
// last entry repeats.
func newEngineFixture(t *testing.T, otaResponses ...string) *engineFixture {
	t.Helper()

	ws := newWSTestServer(t)

	var calls atomic.Int64
	ota := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(otaResponses) {
			i = len(otaResponses) - 1
		}
		w.Write([]byte(otaResponses[i]))
	}))
	t.Cleanup(ota.Close)

	f := &engineFixture{
		t:    t,
		ws:   ws,
		eng:  NewEngine(),
		in:   &device.SimInput{Realtime: true, Source: device.SineSource(440, 16000, 8000)},
		out:  &device.SimOutput{},
		wake: &scriptWakeModel{},
		col:  &eventCollector{},
	}

	for _, err := range []error{
		f.eng.SetOTAURL(ota.URL),
		f.eng.ConfigWebSocket(ws.url(), map[string]string{"Authorization": "Bearer test-token"}),
		f.eng.SetCodec(stubCodec{}),
		f.eng.SetWakeModel(f.wake),
		f.eng.SetDeviceID("AA:BB:CC:DD:EE:FF"),
	} {
		if err != nil {
			t.Fatalf("configure: %v", err)
		}
	}
	return f
}

func (f *engineFixture) start() {
	f.t.Helper()
	if err := f.eng.Start(f.in, f.out); err != nil {
		f.t.Fatalf("Start: %v", err)
	}
	f.t.Cleanup(func() { f.eng.Close() })
}

func (f *engineFixture) waitState(want State) {
	f.t.Helper()
	waitFor(f.t, "state "+want.String(), func() bool {
		f.col.pull(f.eng)
		return f.eng.currentState() == want
	})
}

// expectText asserts the next control frame received by the server has
// the given type and returns it decoded.
func (f *engineFixture) expectText(wantType string) map[string]any {
	f.t.Helper()
	select {
	case data := <-f.ws.texts:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			f.t.Fatalf("server received bad JSON %q: %v", data, err)
		}
		if m["type"] != wantType {
			f.t.Fatalf("server received %v; want type %q", m, wantType)
		}
		return m
	case <-time.After(5 * time.Second):
		f.t.Fatalf("timed out waiting for %q control frame", wantType)
		return nil
	}
}

func (f *engineFixture) serverSend(msg string) {
	f.t.Helper()
	if err := f.ws.serverConn().WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		f.t.Fatalf("server send: %v", err)
	}
}

func (f *engineFixture) serverSendBinary(data []byte) {
	f.t.Helper()
	if err := f.ws.serverConn().WriteMessage(websocket.BinaryMessage, data); err != nil {
		f.t.Fatalf("server send binary: %v", err)
	}
}

// connect walks the fixture from Standby into Listening via a trigger
// and returns once the session is live.
func (f *engineFixture) connect(sessionID string) {
	f.t.Helper()
	f.waitState(StateStandby)
	f.eng.Trigger()
	f.expectText("hello")
	f.serverSend(`{"type":"hello","session_id":"` + sessionID + `","transport":"websocket"}`)
}

// assertEventOrder checks that events contains a subsequence matching
// every matcher in order.
func assertEventOrder(t *testing.T, events []Event, matchers ...func(Event) bool) {
	t.Helper()
	i := 0
	for _, ev := range events {
		if i < len(matchers) && matchers[i](ev) {
			i++
		}
	}
	if i != len(matchers) {
		t.Fatalf("event sequence missing matcher %d; got %#v", i, events)
	}
}

func stateChange(old, new ChatState) func(Event) bool {
	return func(ev Event) bool {
		sc, ok := ev.(StateChangedEvent)
		return ok && sc.Old == old && sc.New == new
	}
}

func TestEngine_ConfigureAfterStartFails(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()

	if err := f.eng.SetOTAURL("http://x/"); err != ErrInvalidState {
		t.Errorf("SetOTAURL after start = %v; want ErrInvalidState", err)
	}
	if err := f.eng.ConfigWebSocket("ws://x/", nil); err != ErrInvalidState {
		t.Errorf("ConfigWebSocket after start = %v; want ErrInvalidState", err)
	}
	if err := f.eng.RegisterEntity(iot.NewEntity("X", "x", nil, nil)); err != ErrInvalidState {
		t.Errorf("RegisterEntity after start = %v; want ErrInvalidState", err)
	}
	if err := f.eng.Start(f.in, f.out); err != ErrInvalidState {
		t.Errorf("second Start = %v; want ErrInvalidState", err)
	}
}

func TestEngine_FrameDurationValidation(t *testing.T) {
	eng := NewEngine()
	if err := eng.SetFrameDuration(30); err == nil {
		t.Error("SetFrameDuration(30) succeeded")
	}
	if err := eng.SetFrameDuration(20); err != nil {
		t.Errorf("SetFrameDuration(20): %v", err)
	}
	if err := eng.SetFrameDuration(60); err != nil {
		t.Errorf("SetFrameDuration(60): %v", err)
	}
}

// Cold start with activation: provisioning demands a code, the
// observer sees exactly one activation event, the engine parks in
// Initialized until the user retriggers.
func TestEngine_ColdStartWithActivation(t *testing.T) {
	f := newEngineFixture(t,
		`{"activation":{"code":"ABCD-1234","message":"Go to example.com"}}`,
		`{}`,
	)
	f.start()

	waitFor(t, "activation event", func() bool {
		for _, ev := range f.col.pull(f.eng) {
			if _, ok := ev.(ActivationEvent); ok {
				return true
			}
		}
		return false
	})

	events := f.col.pull(f.eng)
	assertEventOrder(t, events,
		stateChange(ChatIdle, ChatInitializing),
		func(ev Event) bool {
			act, ok := ev.(ActivationEvent)
			return ok && act.Code == "ABCD-1234" && act.Message == "Go to example.com"
		},
	)
	if got := f.eng.currentState(); got != StateInitialized {
		t.Fatalf("state = %s; want initialized", got)
	}

	// A user trigger retries provisioning; the second response is
	// ready and the engine reaches standby.
	f.eng.Trigger()
	f.waitState(StateStandby)
}

// Normal turn: trigger, handshake, audio up, server speaks, drain back
// to listening, with the observer sequence of the protocol walk.
func TestEngine_NormalTurn(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")

	listen := f.expectText("listen")
	if listen["state"] != "start" || listen["mode"] != "auto" || listen["session_id"] != "s1" {
		t.Fatalf("listen = %v", listen)
	}
	f.waitState(StateListening)

	// The capture path is streaming opus frames.
	select {
	case <-f.ws.binaries:
	case <-time.After(5 * time.Second):
		t.Fatal("no audio frames reached the server")
	}

	f.serverSend(`{"type":"stt","text":"hello"}`)
	f.serverSend(`{"type":"llm","emotion":"happy"}`)
	f.serverSend(`{"type":"tts","state":"start","session_id":"s1"}`)
	f.waitState(StateSpeaking)
	for i := 0; i < 5; i++ {
		f.serverSendBinary(stubPacket(1440))
	}
	f.serverSend(`{"type":"tts","state":"stop","session_id":"s1"}`)

	// Playback drains, then the engine resumes listening.
	f.expectText("listen")
	f.waitState(StateListening)

	if len(f.out.Written()) == 0 {
		t.Fatal("no audio reached the output device")
	}

	events := f.col.pull(f.eng)
	assertEventOrder(t, events,
		stateChange(ChatStandby, ChatConnecting),
		stateChange(ChatConnecting, ChatListening),
		func(ev Event) bool {
			m, ok := ev.(ChatMessageEvent)
			return ok && m.Role == RoleUser && m.Text == "hello"
		},
		func(ev Event) bool {
			m, ok := ev.(EmotionEvent)
			return ok && m.Emotion == "happy"
		},
		stateChange(ChatListening, ChatSpeaking),
		stateChange(ChatSpeaking, ChatListening),
	)
}

// Barge-in via wake word: during speaking the detector fires, the
// engine sends an abort with the wake reason and stays in Speaking
// until the server stops.
func TestEngine_BargeInViaWake(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	f.serverSend(`{"type":"tts","state":"start","session_id":"s1"}`)
	f.waitState(StateSpeaking)

	f.wake.arm()
	abort := f.expectText("abort")
	if abort["session_id"] != "s1" || abort["reason"] != "wake_word_detected" {
		t.Fatalf("abort = %v", abort)
	}
	if got := f.eng.currentState(); got != StateSpeaking {
		t.Fatalf("state after abort = %s; want speaking", got)
	}

	f.serverSend(`{"type":"tts","state":"stop","session_id":"s1"}`)
	f.expectText("listen")
	f.waitState(StateListening)
}

// Triggered during speaking sends a plain abort.
func TestEngine_TriggerAbortsSpeech(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	f.serverSend(`{"type":"tts","state":"start","session_id":"s1"}`)
	f.waitState(StateSpeaking)

	f.eng.Trigger()
	abort := f.expectText("abort")
	if _, hasReason := abort["reason"]; hasReason {
		t.Fatalf("abort = %v; want no reason", abort)
	}
}

// IoT delta: full state on hello, exact delta after the next drain.
func TestEngine_IotDelta(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	led := iot.NewEntity("Led", "A status LED",
		[]iot.Property{{Name: "state", Description: "on or off", Type: iot.TypeBool}},
		[]iot.Method{{Name: "TurnOn", Description: "Turn the LED on"}},
	)
	led.Update("state", iot.Bool(false))
	if err := f.eng.RegisterEntity(led); err != nil {
		t.Fatalf("RegisterEntity: %v", err)
	}
	f.start()
	f.connect("s1")

	// On hello: descriptors, then forced full state, then listen.
	desc := f.expectText("iot")
	if desc["descriptors"] == nil {
		t.Fatalf("first iot envelope = %v; want descriptors", desc)
	}

	full := f.expectText("iot")
	states := full["states"].([]any)
	st := states[0].(map[string]any)
	if st["name"] != "Led" || st["state"].(map[string]any)["state"] != false {
		t.Fatalf("forced state = %v", full)
	}

	f.expectText("listen")
	f.waitState(StateListening)

	// Host flips the LED; the next drain publishes exactly the delta.
	led.Update("state", iot.Bool(true))
	f.serverSend(`{"type":"tts","state":"start","session_id":"s1"}`)
	f.waitState(StateSpeaking)
	f.serverSend(`{"type":"tts","state":"stop","session_id":"s1"}`)

	delta := f.expectText("iot")
	states = delta["states"].([]any)
	st = states[0].(map[string]any)
	stateMap := st["state"].(map[string]any)
	if st["name"] != "Led" || len(stateMap) != 1 || stateMap["state"] != true {
		t.Fatalf("delta = %v", delta)
	}
	f.expectText("listen")
}

// Transport flap: an unexpected close tears the session down and
// returns to standby with the wake detector restarted.
func TestEngine_TransportFlap(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	f.ws.serverConn().Close()
	f.waitState(StateStandby)

	events := f.col.pull(f.eng)
	assertEventOrder(t, events, stateChange(ChatListening, ChatStandby))

	if f.out.Opened() {
		t.Fatal("playback device still open after flap")
	}
	// The microphone is back with the wake detector.
	if !f.in.Opened() {
		t.Fatal("wake detector does not hold the input device")
	}
}

// IoT invocation: a server command surfaces as an event with decoded
// parameter variants.
func TestEngine_IotInvocation(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	f.serverSend(`{"type":"iot","commands":[{"name":"Speaker","method":"SetVolume","parameters":{"volume":30}}]}`)

	waitFor(t, "iot invocation event", func() bool {
		for _, ev := range f.col.pull(f.eng) {
			inv, ok := ev.(IotInvocationEvent)
			if !ok {
				continue
			}
			if inv.Entity != "Speaker" || inv.Method != "SetVolume" {
				t.Fatalf("invocation = %+v", inv)
			}
			if !inv.Parameters["volume"].Equal(iot.Int64(30)) {
				t.Fatalf("volume = %#v; want Int64(30)", inv.Parameters["volume"])
			}
			return true
		}
		return false
	})
}

// Goodbye: a stale session id is ignored; the current one closes the
// session.
func TestEngine_Goodbye(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	f.serverSend(`{"type":"goodbye","session_id":"other"}`)
	time.Sleep(50 * time.Millisecond)
	if got := f.eng.currentState(); got != StateListening {
		t.Fatalf("state after stale goodbye = %s; want listening", got)
	}

	f.serverSend(`{"type":"goodbye","session_id":"s1"}`)
	f.waitState(StateStandby)
}

// Wake from standby connects with the after-wake handshake and sends
// the detect hint after listen start.
func TestEngine_WakeFromStandby(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.waitState(StateStandby)

	f.wake.arm()
	f.expectText("hello")
	f.serverSend(`{"type":"hello","session_id":"s2","transport":"websocket"}`)

	f.expectText("listen") // state:start
	detect := f.expectText("listen")
	if detect["state"] != "detect" || detect["text"] != "hey gear" || detect["session_id"] != "s2" {
		t.Fatalf("detect hint = %v", detect)
	}
	f.waitState(StateListening)
}

// Unknown control types are dropped without a state change.
func TestEngine_UnknownControlType(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	f.serverSend(`{"type":"mystery","payload":123}`)
	time.Sleep(50 * time.Millisecond)
	if got := f.eng.currentState(); got != StateListening {
		t.Fatalf("state after unknown type = %s; want listening", got)
	}
}

// Binary frames outside Speaking are discarded silently.
func TestEngine_BinaryDiscardedWhileListening(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	f.serverSendBinary(stubPacket(1440))
	time.Sleep(50 * time.Millisecond)
	if len(f.out.Written()) != 0 {
		t.Fatal("audio played outside Speaking")
	}
}

// Provisioning failures back off and retry until the endpoint heals.
func TestEngine_ProvisioningRetry(t *testing.T) {
	ws := newWSTestServer(t)

	var calls atomic.Int64
	ota := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(ota.Close)

	eng := NewEngine()
	eng.SetOTAURL(ota.URL)
	eng.ConfigWebSocket(ws.url(), nil)
	eng.SetCodec(stubCodec{})
	in := &device.SimInput{Realtime: true}
	out := &device.SimOutput{}
	if err := eng.Start(in, out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	waitFor(t, "standby after retry", func() bool {
		return eng.currentState() == StateStandby
	})
	if calls.Load() < 2 {
		t.Fatalf("ota calls = %d; want at least 2", calls.Load())
	}
}

// Close walks back to Idle and releases the devices.
func TestEngine_Close(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.waitState(StateStandby)

	if err := f.eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := f.col.pull(f.eng)
	assertEventOrder(t, events, stateChange(ChatStandby, ChatIdle))

	if f.in.Opened() {
		t.Fatal("input device still open after Close")
	}
	if f.out.Opened() {
		t.Fatal("output device still open after Close")
	}
}

// A full disconnect/reconnect cycle: trigger out of listening, then
// open a second session.
func TestEngine_ReconnectCycle(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	// Trigger during listening hangs up.
	f.eng.Trigger()
	f.waitState(StateStandby)

	// Trigger again opens a fresh session.
	f.eng.Trigger()
	f.expectText("hello")
	f.serverSend(`{"type":"hello","session_id":"s2","transport":"websocket"}`)
	listen := f.expectText("listen")
	if listen["session_id"] != "s2" {
		t.Fatalf("listen = %v; want session s2", listen)
	}
	f.waitState(StateListening)
}

// Pipeline counters accumulate across a turn.
func TestEngine_StatsAccumulate(t *testing.T) {
	f := newEngineFixture(t, `{}`)
	f.start()
	f.connect("s1")
	f.expectText("listen")
	f.waitState(StateListening)

	select {
	case <-f.ws.binaries:
	case <-time.After(5 * time.Second):
		t.Fatal("no audio frames reached the server")
	}

	f.serverSend(`{"type":"tts","state":"start","session_id":"s1"}`)
	f.waitState(StateSpeaking)
	for i := 0; i < 5; i++ {
		f.serverSendBinary(stubPacket(1440))
	}
	f.serverSend(`{"type":"tts","state":"stop","session_id":"s1"}`)
	f.expectText("listen")
	f.waitState(StateListening)

	snap := f.eng.Stats()
	if snap.SessionsOpened != 1 {
		t.Errorf("SessionsOpened = %d; want 1", snap.SessionsOpened)
	}
	if snap.Triggers == 0 {
		t.Errorf("Triggers = 0; want > 0")
	}
	if snap.FramesEncoded == 0 || snap.FramesSent == 0 || snap.BytesUp == 0 {
		t.Errorf("uplink counters empty: %+v", snap)
	}
	if snap.PacketsReceived < 5 || snap.PacketsPlayed < 5 {
		t.Errorf("downlink counters = %+v; want at least 5 packets", snap)
	}
}
