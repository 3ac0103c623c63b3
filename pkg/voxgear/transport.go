package voxgear

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// sendTimeout bounds every outbound frame write.
	sendTimeout = 5 * time.Second

	// slowSendThreshold flags binary sends that took suspiciously
	// long, a sign of network distress.
	slowSendThreshold = 100 * time.Millisecond

	transportConnectTimeout = 15 * time.Second
)

// transportCallbacks receive the transport's four events. They are
// invoked from the transport's own goroutines, except the onClose that
// Disconnect fires on the caller's goroutine; receivers trampoline
// onto their own task queue.
type transportCallbacks struct {
	onOpen   func()
	onClose  func()
	onText   func(data []byte)
	onBinary func(data []byte)
}

// transport is the auto-managed WebSocket client carrying interleaved
// JSON text frames and binary Opus frames.
type transport struct {
	url       string
	headers   http.Header
	tlsConfig *tls.Config
	callbacks transportCallbacks
	logger    Logger
	stats     *PipelineStats

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	gen     int
}

func newTransport(url string, headers http.Header, tlsConfig *tls.Config, cb transportCallbacks, stats *PipelineStats, logger Logger) *transport {
	if stats == nil {
		stats = newPipelineStats()
	}
	return &transport{
		url:       url,
		headers:   headers,
		tlsConfig: tlsConfig,
		callbacks: cb,
		logger:    logger,
		stats:     stats,
	}
}

// Connect dials asynchronously. On success onOpen fires and the read
// loop starts; on failure onClose fires. Calling Connect while a
// connection is live is a no-op.
func (t *transport) Connect() {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	go t.dial(gen)
}

func (t *transport) dial(gen int) {
	dialer := websocket.Dialer{
		HandshakeTimeout: transportConnectTimeout,
		TLSClientConfig:  t.tlsConfig,
	}

	conn, resp, err := dialer.Dial(t.url, t.headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.logger.WarnPrintf("transport: dial %s: %v", t.url, err)
		t.callbacks.onClose()
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		// Disconnected while dialing.
		t.mu.Unlock()
		conn.Close()
		t.callbacks.onClose()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.callbacks.onOpen()
	t.readLoop(conn)
}

func (t *transport) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch kind {
		case websocket.TextMessage:
			t.callbacks.onText(data)
		case websocket.BinaryMessage:
			t.stats.bytesDown.Add(uint64(len(data)))
			t.stats.packetsReceived.Add(1)
			t.callbacks.onBinary(data)
		default:
			// Control frames are handled by the library.
		}
	}

	t.mu.Lock()
	stale := t.conn != conn
	if !stale {
		t.conn = nil
	}
	t.mu.Unlock()

	conn.Close()
	if !stale {
		t.callbacks.onClose()
	}
}

// Connected reports whether a connection is live.
func (t *transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// SendText writes one JSON control frame with the send deadline.
func (t *transport) SendText(data []byte) error {
	return t.send(websocket.TextMessage, data)
}

// SendBinary writes one Opus frame with the send deadline, logging a
// warning when the write stalls long enough to indicate a congested
// link.
func (t *transport) SendBinary(data []byte) error {
	start := time.Now()
	err := t.send(websocket.BinaryMessage, data)
	if elapsed := time.Since(start); elapsed > slowSendThreshold {
		t.stats.slowSends.Add(1)
		t.logger.WarnPrintf("transport: slow binary send: %v for %d bytes, poor network condition", elapsed, len(data))
	}
	if err != nil {
		t.stats.sendErrors.Add(1)
		return err
	}
	t.stats.framesSent.Add(1)
	t.stats.bytesUp.Add(uint64(len(data)))
	return nil
}

func (t *transport) send(kind int, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("voxgear: transport not connected")
	}

	// The websocket library requires one writer at a time; the engine
	// and transmit tasks both send.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err := conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("voxgear: transport send: %w", err)
	}
	return nil
}

// Disconnect closes the current connection, if any, and fires onClose
// itself; the read loop of the closed connection then exits without
// firing it again.
func (t *transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.gen++
	t.mu.Unlock()

	if conn == nil {
		return
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	conn.Close()
	t.callbacks.onClose()
}
