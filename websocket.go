package gobayeux

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport sends Bayeux messages as text frames over a single
// persistent WebSocket connection. The connection is opened on the first
// Send; envelopes handed over while it is opening are written once it is
// open.
type WebSocketTransport struct {
	dialer *websocket.Dialer

	lock               sync.Mutex
	transportType      string
	client             *Client
	logger             Logger
	supported          bool
	everConnected      bool
	connectOutstanding bool
	disconnected       bool
	socket             *wsSocket
	connecting         *wsSocket
	socketIDs          uint64
	envelopes          []*wsEnvelope
	timeouts           map[string]*time.Timer
	onSuccess          func([]*Message)
}

type wsSocket struct {
	id           uint64
	conn         *websocket.Conn
	cancelDial   context.CancelFunc
	connectTimer *time.Timer
	writeLock    sync.Mutex
	closed       atomic.Bool
}

// wsEnvelope is an envelope waiting for the replies to its messages. ids
// shrinks as replies come in.
type wsEnvelope struct {
	envelope    *Envelope
	ids         []string
	metaConnect bool
	sent        bool
}

// NewWebSocketTransport creates a WebSocket transport dialing with the given
// dialer, or websocket.DefaultDialer when it is nil
func NewWebSocketTransport(dialer *websocket.Dialer) *WebSocketTransport {
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	return &WebSocketTransport{
		dialer:        dialer,
		transportType: ConnectionTypeWebSocket,
		logger:        newNullLogger(),
		supported:     true,
		timeouts:      make(map[string]*time.Timer),
	}
}

// Registered implements Transport
func (t *WebSocketTransport) Registered(transportType string, client *Client) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.transportType = transportType
	t.client = client
	t.logger = client.logger.WithField("transport", transportType)
}

// Unregistered implements Transport
func (t *WebSocketTransport) Unregistered() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.client = nil
	t.logger = newNullLogger()
}

// Type implements Transport
func (t *WebSocketTransport) Type() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.transportType
}

// Accept implements Transport. The transport is refused after a connection
// closed without the transport being sticky, or when the configuration
// disables it.
func (t *WebSocketTransport) Accept(version string, crossDomain bool, rawURL string) bool {
	config := t.configuration()
	if config.DisableWebSocket {
		return false
	}
	if _, err := webSocketURL(rawURL); err != nil {
		return false
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.supported
}

// Send implements Transport
func (t *WebSocketTransport) Send(envelope *Envelope, metaConnect bool) error {
	t.lock.Lock()
	if metaConnect {
		if t.connectOutstanding {
			t.lock.Unlock()
			return ErrConcurrentMetaConnect
		}
		t.connectOutstanding = true
	}

	entry := &wsEnvelope{envelope: envelope, ids: envelope.ids(), metaConnect: metaConnect}
	t.envelopes = append(t.envelopes, entry)
	t.onSuccess = envelope.OnSuccess

	socket := t.socket
	if socket == nil {
		if t.connecting == nil {
			t.connecting = t.newSocketLocked()
			connecting := t.connecting
			t.lock.Unlock()
			t.connect(connecting)
			return nil
		}
		t.lock.Unlock()
		return nil
	}
	entry.sent = true
	t.lock.Unlock()

	t.write(socket, entry)
	return nil
}

// Abort implements Transport
func (t *WebSocketTransport) Abort() {
	t.lock.Lock()
	socket, connecting := t.socket, t.connecting
	t.lock.Unlock()

	t.closeSocket(connecting, websocket.CloseNormalClosure, "Abort", nil)
	t.closeSocket(socket, websocket.CloseNormalClosure, "Abort", nil)
	t.Reset(true)
}

// Reset implements Transport. A socket whose session disconnected is
// closed instead of waiting for its last /meta/connect reply.
func (t *WebSocketTransport) Reset(initial bool) {
	t.lock.Lock()
	var stale *wsSocket
	if t.disconnected {
		stale = t.socket
	}
	t.lock.Unlock()
	t.closeSocket(stale, websocket.CloseNormalClosure, "Disconnect", nil)

	t.lock.Lock()
	defer t.lock.Unlock()
	t.supported = true
	if initial {
		t.everConnected = false
	}
	t.connectOutstanding = false
	t.disconnected = false
}

func (t *WebSocketTransport) configuration() Configuration {
	t.lock.Lock()
	client := t.client
	t.lock.Unlock()
	if client == nil {
		return DefaultConfiguration()
	}
	return client.Configuration()
}

func (t *WebSocketTransport) advice() Advice {
	t.lock.Lock()
	client := t.client
	t.lock.Unlock()
	if client == nil {
		return DefaultConfiguration().Advice
	}
	return client.Advice()
}

func (t *WebSocketTransport) log() Logger {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.logger
}

func (t *WebSocketTransport) newSocketLocked() *wsSocket {
	t.socketIDs++
	return &wsSocket{id: t.socketIDs}
}

// webSocketURL maps an http(s) URL onto its ws(s) equivalent
func webSocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme for websocket: " + u.Scheme)
	}
	return u.String(), nil
}

// connect dials the server in the background. The socket becomes the
// current one when the dial succeeds while it is still the connecting one.
// The socket is opened on the configured URL of the transport, never on the
// per message URL of an envelope.
func (t *WebSocketTransport) connect(socket *wsSocket) {
	config := t.configuration()
	logger := t.log().WithField("socket", socket.id)

	target, err := webSocketURL(config.transportURL(t.Type()))
	if err != nil {
		t.closeSocket(socket, websocket.CloseAbnormalClosure, "error", err)
		return
	}

	dialer := *t.dialer
	if config.Protocol != "" {
		dialer.Subprotocols = []string{config.Protocol}
	}
	header := http.Header{}
	for k, v := range config.RequestHeaders {
		header.Set(k, v)
	}
	if config.Origin != "" {
		header.Set("Origin", config.Origin)
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket.cancelDial = cancel
	if config.ConnectTimeout > 0 {
		socket.connectTimer = time.AfterFunc(config.ConnectTimeout, func() {
			logger.WithField("timeout", config.ConnectTimeout).Debug("connect timeout")
			t.closeSocket(socket, websocket.CloseNormalClosure, "Connect Timeout", nil)
		})
	}

	go func() {
		defer cancel()
		start := time.Now()
		logger.WithField("url", target).Debug("starting")
		conn, _, err := dialer.DialContext(ctx, target, header)
		if socket.connectTimer != nil {
			socket.connectTimer.Stop()
		}
		if err != nil {
			logger.WithError(err).Debug("dial failed")
			t.closeSocket(socket, websocket.CloseAbnormalClosure, "error", err)
			return
		}
		logger.WithField("duration", time.Since(start)).Debug("finishing")
		t.opened(socket, conn)
	}()
}

// opened promotes the connecting socket and flushes the envelopes stored
// while it was opening
func (t *WebSocketTransport) opened(socket *wsSocket, conn *websocket.Conn) {
	t.lock.Lock()
	if socket.closed.Load() {
		t.lock.Unlock()
		_ = conn.Close()
		return
	}
	socket.conn = conn
	if t.connecting != socket {
		t.lock.Unlock()
		t.closeSocket(socket, websocket.CloseNormalClosure, "Extra Connection", nil)
		return
	}
	t.connecting = nil
	t.socket = socket
	t.everConnected = true
	flush := make([]*wsEnvelope, 0, len(t.envelopes))
	for _, entry := range t.envelopes {
		if !entry.sent {
			entry.sent = true
			flush = append(flush, entry)
		}
	}
	t.lock.Unlock()

	go t.read(socket)
	for _, entry := range flush {
		t.write(socket, entry)
	}
}

func (t *WebSocketTransport) write(socket *wsSocket, entry *wsEnvelope) {
	payload, err := json.Marshal(entry.envelope.Messages)
	if err != nil {
		t.closeSocket(socket, websocket.CloseInternalServerErr, "Unable to encode messages", err)
		return
	}

	delay := t.configuration().MaxNetworkDelay
	if entry.metaConnect {
		delay += t.advice().TimeoutAsDuration()
	}

	t.lock.Lock()
	for _, id := range entry.ids {
		if old, ok := t.timeouts[id]; ok {
			old.Stop()
		}
		t.timeouts[id] = time.AfterFunc(delay, func() {
			t.closeSocket(socket, websocket.CloseNormalClosure, "Message Timeout", nil)
		})
	}
	t.lock.Unlock()

	socket.writeLock.Lock()
	err = socket.conn.WriteMessage(websocket.TextMessage, payload)
	socket.writeLock.Unlock()
	if err != nil {
		t.closeSocket(socket, websocket.CloseAbnormalClosure, "error", err)
	}
}

func (t *WebSocketTransport) read(socket *wsSocket) {
	for {
		_, data, err := socket.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := "error"
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Text
			}
			t.closeSocket(socket, code, reason, err)
			return
		}
		messages, err := decodeMessages(data)
		if err != nil {
			t.closeSocket(socket, websocket.CloseUnsupportedData, "Unable to parse message", err)
			return
		}
		t.received(socket, messages)
	}
}

// received clears the timeouts of the replies and hands every message to
// the latest success continuation
func (t *WebSocketTransport) received(socket *wsSocket, messages []*Message) {
	closeAfter := false

	t.lock.Lock()
	for _, m := range messages {
		if timer, ok := t.timeouts[m.ID]; ok && m.ID != "" {
			timer.Stop()
			delete(t.timeouts, m.ID)
			t.removeIDLocked(m.ID)
		}
		switch m.Channel {
		case MetaConnect:
			t.connectOutstanding = false
			closeAfter = closeAfter || t.disconnected
		case MetaDisconnect:
			if m.Successful {
				t.disconnected = true
				closeAfter = closeAfter || !t.connectOutstanding
			}
		}
	}
	onSuccess := t.onSuccess
	t.lock.Unlock()

	if len(messages) > 0 && onSuccess != nil {
		onSuccess(messages)
	}
	if closeAfter {
		t.closeSocket(socket, websocket.CloseNormalClosure, "Disconnect", nil)
	}
}

func (t *WebSocketTransport) removeIDLocked(id string) {
	for i, entry := range t.envelopes {
		for j, candidate := range entry.ids {
			if candidate != id {
				continue
			}
			entry.ids = append(entry.ids[:j:j], entry.ids[j+1:]...)
			if len(entry.ids) == 0 {
				t.envelopes = append(t.envelopes[:i:i], t.envelopes[i+1:]...)
			}
			return
		}
	}
}

// closeSocket closes the socket once and, if it is the current or the
// connecting one, fails every envelope still waiting for a reply
func (t *WebSocketTransport) closeSocket(socket *wsSocket, code int, reason string, cause error) {
	if socket == nil || !socket.closed.CompareAndSwap(false, true) {
		return
	}
	if socket.connectTimer != nil {
		socket.connectTimer.Stop()
	}
	if socket.cancelDial != nil {
		socket.cancelDial()
	}

	t.lock.Lock()
	conn := socket.conn
	t.lock.Unlock()
	if conn != nil {
		message := websocket.FormatCloseMessage(code, reason)
		socket.writeLock.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		socket.writeLock.Unlock()
		_ = conn.Close()
	}

	t.lock.Lock()
	if socket != t.socket && socket != t.connecting {
		t.lock.Unlock()
		return
	}
	if socket == t.socket {
		t.socket = nil
	}
	if socket == t.connecting {
		t.connecting = nil
	}
	config := DefaultConfiguration()
	if t.client != nil {
		config = t.client.Configuration()
	}
	t.supported = config.StickyReconnect && t.everConnected
	for id, timer := range t.timeouts {
		timer.Stop()
		delete(t.timeouts, id)
	}
	envelopes := t.envelopes
	t.envelopes = nil
	t.connectOutstanding = false
	t.disconnected = false
	transportType := t.transportType
	logger := t.logger
	t.lock.Unlock()

	logger.WithField("socket", socket.id).WithField("code", code).Debug("closed: " + reason)
	for _, entry := range envelopes {
		entry.envelope.OnFailure(entry.envelope.Messages, &Failure{
			Reason:        reason,
			Exception:     cause,
			WebSocketCode: code,
			Transport:     transportType,
		})
	}
}
