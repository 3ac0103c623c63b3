package voxgear

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgear/voxgear/pkg/audio/device"
	"github.com/voxgear/voxgear/pkg/audio/opusx"
	"github.com/voxgear/voxgear/pkg/iot"
	"github.com/voxgear/voxgear/pkg/taskq"
)

// ErrInvalidState reports a lifecycle misuse, such as configuring the
// engine after Start.
var ErrInvalidState = errors.New("voxgear: invalid state")

// Default endpoints of the realtime service.
const (
	DefaultOTAURL       = "https://api.tenclass.net/xiaozhi/ota/"
	DefaultWebSocketURL = "wss://api.tenclass.net/xiaozhi/v1/"
)

const (
	// Valid negotiated frame durations.
	frameDuration20 = 20
	frameDuration60 = 60

	// Provisioning retry backoff bounds.
	provisionBackoffMin = time.Second
	provisionBackoffMax = time.Minute

	// defaultDropThreshold is the transmit queue depth beyond which
	// fresh capture frames are dropped instead of queued, keeping the
	// capture clock undisturbed on a congested link.
	defaultDropThreshold = 5
)

// Engine is the conversation engine: it provisions a session, drives
// the control protocol over the transport, and sequences the capture,
// playback and wake-word pipelines. Create one with NewEngine,
// configure it, then Start it.
//
// All configuration methods fail with ErrInvalidState once Start has
// been called.
type Engine struct {
	mu      sync.Mutex
	started bool

	otaURL          string
	wsURL           string
	wsHeaders       map[string]string
	frameDurationMs int
	deviceInfo      DeviceInfo
	codec           opusx.Codec
	wakeModel       WakeModel
	httpClient      *http.Client
	tlsConfig       *tls.Config
	logger          Logger
	dropThreshold   int
	deviceID        string
	clientID        string

	// Owned by the engine task after Start.
	task     *taskq.Queue
	transmit *taskq.Queue
	bus      *eventBus
	stats    *PipelineStats
	registry *iot.Registry
	tr       *transport
	prov     *provisioner
	wake     *wakeWordDetector
	capture  *captureEngine
	playback *playbackEngine

	audioIn  device.Input
	audioOut device.Output

	state   State
	chat    ChatState
	session *Session
	backoff time.Duration
	closing bool
}

// NewEngine creates an engine with default endpoints, a stable
// per-process client ID and a MAC-derived device ID.
func NewEngine() *Engine {
	return &Engine{
		otaURL:          DefaultOTAURL,
		wsURL:           DefaultWebSocketURL,
		wsHeaders:       make(map[string]string),
		frameDurationMs: frameDuration60,
		codec:           opusx.VoIP(0),
		logger:          DefaultLogger(),
		dropThreshold:   defaultDropThreshold,
		deviceID:        defaultDeviceID(),
		clientID:        uuid.NewString(),
		bus:             newEventBus(),
		stats:           newPipelineStats(),
		registry:        iot.NewRegistry(),
		state:           StateIdle,
		chat:            ChatIdle,
		backoff:         provisionBackoffMin,
	}
}

// defaultDeviceID derives a lowercase colon-separated MAC from the
// first hardware interface, falling back to a random stable one.
func defaultDeviceID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) != 6 {
				continue
			}
			return strings.ToLower(ifc.HardwareAddr.String())
		}
	}
	id := uuid.New()
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", id[0], id[1], id[2], id[3], id[4], id[5])
}

func (e *Engine) preStart(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrInvalidState
	}
	fn()
	return nil
}

// SetOTAURL sets the provisioning endpoint.
func (e *Engine) SetOTAURL(url string) error {
	return e.preStart(func() { e.otaURL = url })
}

// ConfigWebSocket sets the realtime endpoint and merges application
// headers into the transport header set. The engine-managed
// Protocol-Version, Device-Id and Client-Id headers cannot be
// overridden.
func (e *Engine) ConfigWebSocket(url string, headers map[string]string) error {
	return e.preStart(func() {
		e.wsURL = url
		for k, v := range headers {
			switch strings.ToLower(k) {
			case "protocol-version", "device-id", "client-id":
				continue
			}
			e.wsHeaders[k] = v
		}
	})
}

// SetFrameDuration sets the negotiated Opus frame duration in
// milliseconds; only 20 and 60 are valid.
func (e *Engine) SetFrameDuration(ms int) error {
	if ms != frameDuration20 && ms != frameDuration60 {
		return fmt.Errorf("voxgear: frame duration %d ms not supported", ms)
	}
	return e.preStart(func() { e.frameDurationMs = ms })
}

// SetDeviceInfo sets the identity document posted at provisioning.
func (e *Engine) SetDeviceInfo(info DeviceInfo) error {
	return e.preStart(func() { e.deviceInfo = info })
}

// SetDeviceID overrides the MAC-derived device identifier.
func (e *Engine) SetDeviceID(mac string) error {
	return e.preStart(func() { e.deviceID = strings.ToLower(mac) })
}

// SetWakeModel enables local wake-word detection with the given model.
func (e *Engine) SetWakeModel(m WakeModel) error {
	return e.preStart(func() { e.wakeModel = m })
}

// SetCodec overrides the Opus codec implementation.
func (e *Engine) SetCodec(c opusx.Codec) error {
	return e.preStart(func() { e.codec = c })
}

// SetHTTPClient overrides the provisioning HTTP client.
func (e *Engine) SetHTTPClient(c *http.Client) error {
	return e.preStart(func() { e.httpClient = c })
}

// SetTLSConfig sets the transport's TLS configuration, including any
// custom certificate trust bundle.
func (e *Engine) SetTLSConfig(cfg *tls.Config) error {
	return e.preStart(func() { e.tlsConfig = cfg })
}

// SetLogger overrides the default logger.
func (e *Engine) SetLogger(l Logger) error {
	return e.preStart(func() { e.logger = l })
}

// SetTransmitDropThreshold sets the transmit queue depth beyond which
// capture frames drop; zero disables dropping.
func (e *Engine) SetTransmitDropThreshold(n int) error {
	return e.preStart(func() { e.dropThreshold = n })
}

// RegisterEntity registers an IoT entity. Entities register before
// Start and are never unregistered.
func (e *Engine) RegisterEntity(ent *iot.Entity) error {
	return e.preStart(func() { e.registry.Register(ent) })
}

// DeviceID returns the device identifier sent in headers and the
// provisioning report.
func (e *Engine) DeviceID() string { return e.deviceID }

// ClientID returns the stable per-process client identifier.
func (e *Engine) ClientID() string { return e.clientID }

// Start wires the audio devices and enters the protocol. It returns
// immediately; provisioning proceeds asynchronously on the engine
// task.
func (e *Engine) Start(in device.Input, out device.Output) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrInvalidState
	}
	e.started = true

	e.audioIn = in
	e.audioOut = out
	e.task = taskq.New("voxgear-engine")
	e.prov = newProvisioner(e.httpClient, e.otaURL, e.deviceID, e.clientID, e.deviceInfo, e.logger)

	headers := http.Header{}
	for k, v := range e.wsHeaders {
		headers.Set(k, v)
	}
	headers.Set("Protocol-Version", "1")
	headers.Set("Device-Id", e.deviceID)
	headers.Set("Client-Id", e.clientID)
	e.tr = newTransport(e.wsURL, headers, e.tlsConfig, transportCallbacks{
		onOpen:   func() { e.task.Enqueue(e.handleTransportOpen) },
		onClose:  func() { e.task.Enqueue(e.handleTransportClosed) },
		onText:   func(data []byte) { e.task.Enqueue(func() { e.handleText(data) }) },
		onBinary: func(data []byte) { e.task.Enqueue(func() { e.handleBinary(data) }) },
	}, e.stats, e.logger)

	if e.wakeModel != nil {
		e.wake = newWakeWordDetector(e.wakeModel, func() { e.task.Enqueue(e.handleWakeUp) }, e.logger)
	}
	e.mu.Unlock()

	e.task.Enqueue(func() {
		e.changeState(StateInitialized)
		e.loadProtocol()
	})
	return nil
}

// Trigger injects the user trigger edge (typically a button press).
func (e *Engine) Trigger() {
	e.mu.Lock()
	task := e.task
	e.mu.Unlock()
	if task == nil {
		return
	}
	task.Enqueue(e.handleTriggered)
}

// Events drains the observer queue.
func (e *Engine) Events() []Event {
	return e.bus.popAll()
}

// Stats returns a snapshot of the pipeline counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// Close shuts the engine down: a live session is told goodbye, every
// pipeline is torn down, devices are released and the engine returns
// to Idle. The engine cannot be restarted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started || e.task == nil {
		e.mu.Unlock()
		return ErrInvalidState
	}
	task := e.task
	e.mu.Unlock()

	task.Enqueue(func() {
		e.closing = true
		if e.session != nil && e.tr.Connected() {
			e.sendJSON(newGoodbye(e.session.ID))
		}
		e.teardownSession()
		e.tr.Disconnect()
		e.stopWake()
		e.changeState(StateIdle)
	})
	task.Close()
	return nil
}

// ----------------------------------------------------------------------------
// Engine-task handlers. Everything below runs on the engine task only.
// ----------------------------------------------------------------------------

func (e *Engine) loadProtocol() {
	if e.state != StateInitialized {
		e.logger.DebugPrintf("engine: load protocol in state %s, skipping", e.state)
		return
	}
	e.changeState(StateLoadingProtocol)

	cfg, err := e.prov.Fetch(context.Background())
	if err != nil {
		e.logger.WarnPrintf("engine: provisioning: %v", err)
		e.stats.provisionRetries.Add(1)
		e.changeState(StateInitialized)
		delay := e.backoff
		e.backoff = min(e.backoff*2, provisionBackoffMax)
		e.task.EnqueueAfter(delay, e.loadProtocol)
		return
	}
	e.backoff = provisionBackoffMin

	if cfg.Activation.Code != "" {
		e.logger.InfoPrintf("engine: activation required: %s", cfg.Activation.Code)
		e.bus.push(ActivationEvent{Code: cfg.Activation.Code, Message: cfg.Activation.Message})
		e.changeState(StateInitialized)
		return
	}

	e.startWake()
	e.changeState(StateStandby)
}

func (e *Engine) handleTriggered() {
	if e.closing {
		return
	}
	e.stats.triggers.Add(1)
	switch e.state {
	case StateInitialized:
		e.loadProtocol()
	case StateStandby:
		e.changeState(StateConnecting)
		e.tr.Connect()
	case StateListening:
		e.tr.Disconnect()
	case StateSpeaking:
		e.sendAbort("")
	default:
		// Idempotent: triggers mid-connect or mid-provision are
		// ignored.
	}
}

func (e *Engine) handleWakeUp() {
	if e.closing {
		return
	}
	e.stats.wakeDetections.Add(1)
	switch e.state {
	case StateStandby:
		e.changeState(StateConnectingAfterWake)
		e.tr.Connect()
	case StateSpeaking:
		e.sendAbort("wake_word_detected")
	default:
	}
}

func (e *Engine) handleTransportOpen() {
	if e.closing {
		return
	}
	switch e.state {
	case StateConnecting:
		e.changeState(StateConnected)
	case StateConnectingAfterWake:
		e.changeState(StateConnectedAfterWake)
	default:
		e.logger.WarnPrintf("engine: transport open in state %s", e.state)
		return
	}
	e.sendJSON(newHello(e.frameDurationMs))
}

func (e *Engine) handleTransportClosed() {
	if e.closing {
		return
	}
	switch e.state {
	case StateConnecting, StateConnectingAfterWake,
		StateConnected, StateConnectedAfterWake,
		StateListening, StateSpeaking:
		e.stats.disconnects.Add(1)
		e.teardownSession()
		e.startWake()
		e.changeState(StateStandby)
	default:
	}
}

func (e *Engine) handleText(data []byte) {
	if e.closing {
		return
	}
	msg, err := parseInbound(data)
	if err != nil {
		e.logger.ErrorPrintf("engine: bad control frame: %v", err)
		return
	}
	if msg.Type == "" {
		e.logger.ErrorPrintf("engine: control frame missing type")
		return
	}
	e.logger.DebugPrintf("engine: received %q", msg.Type)

	switch msg.Type {
	case "hello":
		e.handleServerHello(msg)
	case "goodbye":
		e.handleServerGoodbye(msg)
	case "tts":
		e.handleServerTTS(msg)
	case "stt":
		if msg.Text != "" {
			e.bus.push(ChatMessageEvent{Role: RoleUser, Text: msg.Text})
		}
	case "llm":
		if msg.Emotion != "" {
			e.bus.push(EmotionEvent{Emotion: msg.Emotion})
		}
	case "iot":
		for _, cmd := range iot.DecodeCommands(msg.Commands) {
			e.bus.push(IotInvocationEvent{
				Entity:     cmd.Name,
				Method:     cmd.Method,
				Parameters: cmd.Parameters,
			})
		}
	default:
		e.logger.WarnPrintf("engine: unknown control type %q", msg.Type)
	}
}

func (e *Engine) handleServerHello(msg *inboundMessage) {
	if e.state != StateConnected && e.state != StateConnectedAfterWake {
		e.logger.WarnPrintf("engine: server hello in state %s", e.state)
		return
	}
	afterWake := e.state.afterWake()

	e.session = newSession(msg.SessionID, e.frameDurationMs)
	e.stats.sessionsOpened.Add(1)
	e.logger.InfoPrintf("engine: session %q established", e.session.ID)

	e.sendIotDescriptors()
	e.sendIotStates(true)
	e.startListening()

	if afterWake {
		e.sendJSON(newListenDetect(e.session.ID, e.wakePhrase()))
	}
}

func (e *Engine) handleServerGoodbye(msg *inboundMessage) {
	if e.session == nil {
		return
	}
	if msg.SessionID != "" && msg.SessionID != e.session.ID {
		// Stale goodbye for a previous session.
		return
	}
	e.logger.InfoPrintf("engine: session %q closed by server", e.session.ID)
	e.tr.Disconnect()
}

func (e *Engine) handleServerTTS(msg *inboundMessage) {
	switch msg.State {
	case "start":
		if e.state == StateSpeaking {
			e.logger.DebugPrintf("engine: already speaking")
			return
		}
		if e.state != StateListening {
			e.logger.WarnPrintf("engine: tts start in state %s", e.state)
			return
		}
		e.stopCapture()
		// Hand the microphone back to the wake detector so a wake
		// word can barge in mid-utterance.
		e.startWake()
		playback, err := newPlaybackEngine(e.audioOut, e.codec, e.frameDurationMs, e.stats, e.logger)
		if err != nil {
			e.logger.ErrorPrintf("engine: start playback: %v", err)
			e.tr.Disconnect()
			return
		}
		e.playback = playback
		e.changeState(StateSpeaking)

	case "stop":
		if e.playback != nil {
			e.playback.NotifyDataEnd(func() {
				e.task.Enqueue(e.handlePlaybackDrained)
			})
		}

	case "sentence_start":
		if msg.Text != "" {
			e.bus.push(ChatMessageEvent{Role: RoleAssistant, Text: msg.Text})
		}

	case "sentence_end":
		// Nothing to do.

	default:
		e.logger.WarnPrintf("engine: unknown tts state %q", msg.State)
	}
}

func (e *Engine) handleBinary(data []byte) {
	// Audio during non-speaking states is dropped rather than raced
	// against a torn-down playback path.
	if e.closing || e.state != StateSpeaking || e.playback == nil {
		e.stats.packetsDiscarded.Add(1)
		return
	}
	e.playback.Write(data)
}

func (e *Engine) handlePlaybackDrained() {
	if e.state != StateSpeaking {
		e.logger.DebugPrintf("engine: playback drained in state %s", e.state)
		return
	}
	e.sendIotStates(false)
	e.startListening()
}

func (e *Engine) startListening() {
	if e.state != StateConnected && e.state != StateConnectedAfterWake && e.state != StateSpeaking {
		e.logger.WarnPrintf("engine: start listening in state %s", e.state)
		return
	}

	e.sendJSON(newListenStart(e.sessionID()))

	if e.playback != nil {
		e.playback.Close()
		e.playback = nil
	}
	e.stopWake()

	e.transmit = taskq.New("voxgear-transmit")
	transmit := e.transmit
	capture, err := newCaptureEngine(e.audioIn, e.codec, e.frameDurationMs, func(packet []byte) {
		if e.dropThreshold > 0 && transmit.Len() > e.dropThreshold {
			// A congested link must not stall the capture clock.
			e.stats.framesDropped.Add(1)
			return
		}
		transmit.Enqueue(func() {
			if !e.tr.Connected() {
				return
			}
			if err := e.tr.SendBinary(packet); err != nil {
				e.logger.WarnPrintf("engine: send audio: %v", err)
			}
		})
	}, e.stats, e.logger)
	if err != nil {
		e.logger.ErrorPrintf("engine: start capture: %v", err)
		e.tr.Disconnect()
		return
	}
	e.capture = capture
	e.changeState(StateListening)
}

func (e *Engine) sendAbort(reason string) {
	if e.state != StateSpeaking {
		e.logger.WarnPrintf("engine: abort in state %s", e.state)
		return
	}
	e.sendJSON(newAbort(e.sessionID(), reason))
}

func (e *Engine) sendIotDescriptors() {
	envelopes, err := e.registry.DescriptorsJSON()
	if err != nil {
		e.logger.ErrorPrintf("engine: iot descriptors: %v", err)
		return
	}
	for _, env := range envelopes {
		e.sendRaw(env)
	}
}

func (e *Engine) sendIotStates(force bool) {
	envelopes, err := e.registry.UpdatedJSON(force)
	if err != nil {
		e.logger.ErrorPrintf("engine: iot states: %v", err)
		return
	}
	for _, env := range envelopes {
		e.sendRaw(env)
	}
}

func (e *Engine) sendJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.ErrorPrintf("engine: marshal control frame: %v", err)
		return
	}
	e.sendRaw(data)
}

func (e *Engine) sendRaw(data []byte) {
	e.logger.DebugPrintf("engine: sending %s", data)
	if err := e.tr.SendText(data); err != nil {
		e.logger.WarnPrintf("engine: send control frame: %v", err)
	}
}

func (e *Engine) sessionID() string {
	if e.session == nil {
		return ""
	}
	return e.session.ID
}

func (e *Engine) wakePhrase() string {
	if e.wakeModel != nil {
		return e.wakeModel.Phrase()
	}
	return "hey gear"
}

func (e *Engine) startWake() {
	if e.wake == nil {
		return
	}
	if err := e.wake.Start(e.audioIn); err != nil {
		e.logger.ErrorPrintf("engine: start wake detector: %v", err)
	}
}

func (e *Engine) stopWake() {
	if e.wake == nil {
		return
	}
	e.wake.Stop()
}

func (e *Engine) stopCapture() {
	if e.capture != nil {
		e.capture.Close()
		e.capture = nil
	}
	if e.transmit != nil {
		e.transmit.Close()
		e.transmit = nil
	}
}

// teardownSession drops every per-session object: capture, transmit,
// playback and the session context itself.
func (e *Engine) teardownSession() {
	e.stopCapture()
	if e.playback != nil {
		e.playback.Close()
		e.playback = nil
	}
	e.session = nil
}

func (e *Engine) changeState(next State) {
	nextChat := next.chatState()
	if nextChat != e.chat {
		e.bus.push(StateChangedEvent{Old: e.chat, New: nextChat})
	}
	e.logger.DebugPrintf("engine: state %s -> %s", e.state, next)
	e.state = next
	e.chat = nextChat
}
