package gobayeuxtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sigmavirus24/gobayeux/v3"
)

const (
	VERSION = "1.0"
)

type Logger interface {
	Log(args ...any)
	Logf(format string, args ...any)
}

type session struct {
	id    string
	subs  []gobayeux.Channel
	queue []*gobayeux.Message
	wake  chan struct{}
}

func (s *session) subscribed(channel gobayeux.Channel) bool {
	for _, sub := range s.subs {
		if sub.Match(channel) {
			return true
		}
	}
	return false
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Server is a minimal Bayeux server. It answers long-polling requests either
// as an http.RoundTripper or as an http.Handler, and WebSocket connections
// through the handler.
type Server struct {
	log Logger

	mu       sync.Mutex
	running  bool
	sessions map[string]*session
	received []*gobayeux.Message
	requests int

	handshakeError  bool
	advice          gobayeux.Advice
	connectHold     time.Duration
	connectionTypes []string
	denied          map[gobayeux.Channel]bool
	silentServices  bool

	upgrader websocket.Upgrader
}

func NewServer(logger Logger, opts ...ServerOpts) *Server {
	server := &Server{
		log:      logger,
		sessions: make(map[string]*session),
		advice: gobayeux.Advice{
			Reconnect: gobayeux.ReconnectRetry,
		},
		connectHold: 100 * time.Millisecond,
		connectionTypes: []string{
			gobayeux.ConnectionTypeWebSocket,
			gobayeux.ConnectionTypeLongPolling,
		},
		denied: make(map[gobayeux.Channel]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	for _, opt := range opts {
		opt.apply(server)
	}

	return server
}

func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = true

	return nil
}

func (s *Server) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	for id, sess := range s.sessions {
		delete(s.sessions, id)
		sess.signal()
	}

	return nil
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) RoundTrip(req *http.Request) (*http.Response, error) {
	if !s.isRunning() {
		return nil, errors.New("server not running")
	}

	defer func() {
		if err := req.Body.Close(); err != nil {
			s.log.Logf("could not close test server request body: %+v", err)
		}
	}()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("issue reading body (%w)", err)
	}

	statusCode, reply := s.handle(req.Context(), body)
	return &http.Response{
		StatusCode: statusCode,
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(reply)),
		Request:    req,
	}, nil
}

// Handler serves long-polling requests on POST and WebSocket connections on
// GET, on any path
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/*", s.serveHTTP)
	r.Get("/*", s.serveWebSocket)
	return r
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.isRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	statusCode, reply := s.handle(r.Context(), body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(reply)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.isRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Logf("could not upgrade test server connection: %+v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeLock sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msgs []*gobayeux.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			s.log.Logf("unparsable websocket frame: %s", data)
			return
		}
		s.countRequest()

		go func() {
			replies := s.process(ctx, msgs)
			if len(replies) == 0 {
				return
			}
			payload, err := json.Marshal(replies)
			if err != nil {
				return
			}
			writeLock.Lock()
			defer writeLock.Unlock()
			// the client may be gone already
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}()
	}
}

func (s *Server) countRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
}

func (s *Server) handle(ctx context.Context, body []byte) (int, []byte) {
	s.countRequest()

	var msgs []*gobayeux.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return http.StatusUnprocessableEntity, nil
	}

	s.mu.Lock()
	handshakeError := s.handshakeError
	s.mu.Unlock()
	if handshakeError {
		for _, msg := range msgs {
			if msg.Channel == gobayeux.MetaHandshake {
				// For error parsing tests, always return a 400 Bad Request for handshake
				return http.StatusBadRequest, []byte(`{"error":"Invalid request"}`)
			}
		}
	}

	replies := s.process(ctx, msgs)
	reply, err := json.Marshal(replies)
	if err != nil {
		s.log.Logf("issue marshaling body (%+v)", err)
		return http.StatusInternalServerError, nil
	}

	return http.StatusOK, reply
}

func (s *Server) process(ctx context.Context, msgs []*gobayeux.Message) []*gobayeux.Message {
	replies := make([]*gobayeux.Message, 0, len(msgs))
	for _, msg := range msgs {
		s.record(msg)
		if msg.Channel == gobayeux.MetaConnect {
			replies = append(replies, s.connect(ctx, msg)...)
			continue
		}
		if reply := s.reply(msg); reply != nil {
			replies = append(replies, reply)
		}
	}
	return replies
}

func (s *Server) record(msg *gobayeux.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
}

func (s *Server) unknownClient(msg *gobayeux.Message) *gobayeux.Message {
	return &gobayeux.Message{
		Channel:      msg.Channel,
		ID:           msg.ID,
		Subscription: msg.Subscription,
		Successful:   false,
		Error:        "402::Unknown client",
		Advice:       &gobayeux.Advice{Reconnect: gobayeux.ReconnectHandshake},
	}
}

func (s *Server) reply(msg *gobayeux.Message) *gobayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Channel == gobayeux.MetaHandshake {
		if s.handshakeError {
			return &gobayeux.Message{
				Channel: gobayeux.MetaHandshake,
				ID:      msg.ID,
				Error:   "403::Handshake denied",
				Advice:  &gobayeux.Advice{Reconnect: gobayeux.ReconnectNone},
			}
		}
		sess := &session{id: uuid.NewString(), wake: make(chan struct{}, 1)}
		s.sessions[sess.id] = sess
		advice := s.advice
		return &gobayeux.Message{
			Channel:                  gobayeux.MetaHandshake,
			Version:                  VERSION,
			SupportedConnectionTypes: s.connectionTypes,
			ClientID:                 sess.id,
			Successful:               true,
			AuthSuccessful:           true,
			Advice:                   &advice,
			ID:                       msg.ID,
			Ext:                      msg.Ext,
		}
	}

	sess, ok := s.sessions[msg.ClientID]
	if !ok {
		return s.unknownClient(msg)
	}

	switch msg.Channel {
	case gobayeux.MetaSubscribe:
		reply := &gobayeux.Message{
			Channel:      gobayeux.MetaSubscribe,
			ID:           msg.ID,
			ClientID:     msg.ClientID,
			Successful:   true,
			Subscription: msg.Subscription,
		}

		if s.denied[msg.Subscription] {
			reply.Successful = false
			reply.Error = fmt.Sprintf("403:%s:denied", msg.Subscription)
			return reply
		}

		for _, ch := range sess.subs {
			if ch == msg.Subscription {
				reply.Successful = false
				reply.Error = fmt.Sprintf("403:%s:already subscribed", msg.Subscription)
				return reply
			}
		}

		sess.subs = append(sess.subs, msg.Subscription)
		return reply
	case gobayeux.MetaUnsubscribe:
		reply := &gobayeux.Message{
			Channel:      gobayeux.MetaUnsubscribe,
			ID:           msg.ID,
			ClientID:     msg.ClientID,
			Successful:   true,
			Subscription: msg.Subscription,
		}

		found := false
		subs := []gobayeux.Channel{}
		for _, ch := range sess.subs {
			if ch == msg.Subscription {
				found = true
				continue
			}

			subs = append(subs, ch)
		}

		sess.subs = subs

		if !found {
			reply.Successful = false
			reply.Error = fmt.Sprintf("403:%s:not subscribed", msg.Subscription)
		}

		return reply
	case gobayeux.MetaDisconnect:
		delete(s.sessions, msg.ClientID)
		sess.signal()

		return &gobayeux.Message{
			Channel:    gobayeux.MetaDisconnect,
			ID:         msg.ID,
			ClientID:   msg.ClientID,
			Successful: true,
		}
	}

	if msg.Channel.Type() == gobayeux.MetaChannel {
		s.log.Logf("unhandled: %+v", msg)
		return nil
	}

	if msg.Channel.Type() == gobayeux.ServiceChannel {
		if s.silentServices {
			return nil
		}
		return &gobayeux.Message{
			Channel:    msg.Channel,
			ID:         msg.ID,
			Successful: true,
			Data:       msg.Data,
			Ext:        msg.Ext,
		}
	}

	s.deliverLocked(msg.Channel, msg.Data)
	return &gobayeux.Message{
		Channel:    msg.Channel,
		ID:         msg.ID,
		Successful: true,
	}
}

func (s *Server) deliverLocked(channel gobayeux.Channel, data json.RawMessage) {
	for _, sess := range s.sessions {
		if !sess.subscribed(channel) {
			continue
		}
		sess.queue = append(sess.queue, &gobayeux.Message{
			Channel: channel,
			ID:      uuid.NewString(),
			Data:    data,
		})
		sess.signal()
	}
}

// connect answers a /meta/connect, holding it until there is something to
// deliver or the hold expires. The first connect of a session, which asks
// for a zero timeout, is answered right away.
func (s *Server) connect(ctx context.Context, msg *gobayeux.Message) []*gobayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[msg.ClientID]
	if !ok {
		return []*gobayeux.Message{s.unknownClient(msg)}
	}

	immediate := msg.Advice != nil && msg.Advice.Timeout == 0
	if len(sess.queue) == 0 && !immediate && s.connectHold > 0 {
		hold := s.connectHold
		s.mu.Unlock()
		timer := time.NewTimer(hold)
		select {
		case <-sess.wake:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		s.mu.Lock()

		if s.sessions[msg.ClientID] != sess {
			return []*gobayeux.Message{s.unknownClient(msg)}
		}
	}

	replies := sess.queue
	sess.queue = nil
	advice := s.advice
	return append(replies, &gobayeux.Message{
		Channel:    gobayeux.MetaConnect,
		Successful: true,
		ClientID:   msg.ClientID,
		Advice:     &advice,
		ID:         msg.ID,
	})
}

// Deliver publishes data on channel to every subscribed session, as if
// another client had published it
func (s *Server) Deliver(channel gobayeux.Channel, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(channel, data)
}

// DropSessions forgets every session, as a restarted server would
func (s *Server) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		delete(s.sessions, id)
		sess.signal()
	}
}

// Sessions is the number of live sessions
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Requests is the number of HTTP requests and WebSocket frames received
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Received returns the messages received on channel, or all of them when
// channel is empty
func (s *Server) Received(channel gobayeux.Channel) []*gobayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]*gobayeux.Message, 0, len(s.received))
	for _, msg := range s.received {
		if channel == "" || msg.Channel == channel {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}
