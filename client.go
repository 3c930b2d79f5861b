package gobayeux

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
)

// Client is a Bayeux session with a server.
//
// Every method is safe for concurrent use. Methods validate their arguments
// and the session state synchronously and return usage errors right away;
// the work itself runs on an internal executor, one task at a time, and
// results are delivered to callbacks. Callbacks and listeners run on that
// executor too, so they must not block.
type Client struct {
	executor     serialExecutor
	stateMachine *ConnectionStateMachine
	registry     *TransportRegistry
	extensions   extensionPipeline
	logger       Logger
	metrics      *clientMetrics
	tracer       trace.Tracer
	hooks        Options

	lock      sync.RWMutex
	config    Configuration
	advice    Advice
	clientID  string
	transport Transport
	backoff   time.Duration

	batchDepth      atomic.Int32
	messageIDs      atomic.Uint64
	subscriptionIDs atomic.Uint64

	// owned by the executor
	pending           *pendingTable
	subscriptions     *subscriptionsMap
	messageQueue      []*Message
	internalBatch     bool
	scheduled         Timer
	unconnectTime     time.Time
	handshakeProps    *Message
	handshakeCallback MessageCallback
	reestablish       bool
	connected         bool
	generation        uint64
}

// recovery is the decision taken after a failed handshake or connect
type recovery struct {
	cause     string
	action    string
	delay     time.Duration
	transport Transport
}

// NewClient creates a client for the server at serverAddress. The WebSocket
// and long-polling transports are registered, in that order, sharing one
// cookie jar.
func NewClient(serverAddress string, opts ...Option) (*Client, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	config := DefaultConfiguration()
	if options.Configuration != nil {
		config = *options.Configuration
	}
	if serverAddress != "" {
		config.URL = serverAddress
	}
	config, err := config.Validate()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = newLevelLogger(config.LogLevel)
	}

	httpClient := &http.Client{}
	if options.Client != nil {
		*httpClient = *options.Client
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		httpClient.Jar = jar
	}
	if options.Transport != nil {
		httpClient.Transport = options.Transport
	}

	dialer := *websocket.DefaultDialer
	if options.Dialer != nil {
		dialer = *options.Dialer
	}
	if dialer.Jar == nil {
		dialer.Jar = httpClient.Jar
	}

	var metrics *clientMetrics
	if options.Metrics != nil {
		metrics = newClientMetrics(*options.Metrics)
	}

	c := &Client{
		stateMachine:  NewConnectionStateMachine(),
		registry:      NewTransportRegistry(),
		logger:        logger,
		metrics:       metrics,
		tracer:        newTracer(options.TracerProvider),
		hooks:         *options,
		config:        config,
		advice:        config.Advice,
		pending:       newPendingTable(),
		subscriptions: newSubscriptionsMap(),
	}
	c.RegisterTransport(ConnectionTypeWebSocket, NewWebSocketTransport(&dialer))
	c.RegisterTransport(ConnectionTypeLongPolling, NewLongPollingTransport(httpClient))
	return c, nil
}

// Configure replaces the configuration of the client
func (c *Client) Configure(config Configuration) error {
	config, err := config.Validate()
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.config = config
	return nil
}

// Handshake starts a session. props, which may be nil, supplies extra fields
// such as Ext for the /meta/handshake message; callback, which may be nil,
// receives the handshake reply. The same props and callback are reused when
// the server advises to handshake again.
func (c *Client) Handshake(props *Message, callback MessageCallback) error {
	logger := c.logger.WithField("at", "handshake")
	if err := c.stateMachine.ProcessEvent(handshakeSent); err != nil {
		logger.WithError(err).Debug("invalid action for current state")
		return err
	}

	config := c.Configuration()
	if len(c.registry.FindTypes(protocolVersion, config.IsCrossDomain(), config.URL)) == 0 {
		_ = c.stateMachine.ProcessEvent(sessionTerminated)
		logger.WithField("transports", c.registry.Types()).Warn("no transport accepts the server URL")
		return ErrNoTransport
	}

	c.executor.post(func() {
		c.reestablish = false
		c.handshakeProps = props
		c.handshakeCallback = callback
		c.handshake(true)
	})
	return nil
}

// Disconnect ends the session. The callback receives the /meta/disconnect
// reply, or a failure with the reason "Disconnected" if the session ends
// before the reply arrives.
func (c *Client) Disconnect(props *Message, callback MessageCallback) error {
	if err := c.stateMachine.ProcessEvent(disconnectSent); err != nil {
		c.logger.WithField("at", "disconnect").WithError(err).Debug("invalid action for current state")
		return ErrClientNotConnected
	}
	c.executor.post(func() {
		m := c.newMessage(props, MetaDisconnect)
		c.addPending(m, callback, false)
		c.logger.WithField("at", "disconnect").Debug("starting")
		c.send([]*Message{m}, false, "disconnect")
	})
	return nil
}

// StartBatch delays the messages sent from now on until the matching
// EndBatch. Batches nest.
func (c *Client) StartBatch() {
	c.batchDepth.Add(1)
}

// EndBatch closes the innermost batch. Closing the outermost one sends all
// the delayed messages together.
func (c *Client) EndBatch() error {
	for {
		depth := c.batchDepth.Load()
		if depth <= 0 {
			return ErrUnbalancedBatch
		}
		if c.batchDepth.CompareAndSwap(depth, depth-1) {
			if depth == 1 {
				c.executor.post(c.flushBatch)
			}
			return nil
		}
	}
}

// Batch runs fn inside a batch
func (c *Client) Batch(fn func()) error {
	c.StartBatch()
	defer func() {
		if r := recover(); r != nil {
			_ = c.EndBatch()
			panic(r)
		}
	}()
	fn()
	return c.EndBatch()
}

// AddListener registers callback for the messages on channel, which may be
// a wildcard or a meta channel. Listeners live across sessions and never
// cause a /meta/subscribe.
func (c *Client) AddListener(channel Channel, callback MessageCallback) (*Subscription, error) {
	if !channel.IsValid() {
		return nil, InvalidChannelError{channel}
	}
	if callback == nil {
		return nil, ErrMissingListener
	}
	sub := c.newSubscription(channel, callback, true)
	c.executor.post(func() {
		c.subscriptions.Add(sub)
	})
	return sub, nil
}

// RemoveListener removes a registration returned by AddListener or
// Subscribe without telling the server
func (c *Client) RemoveListener(sub *Subscription) error {
	if sub == nil || sub.client != c {
		return ErrMissingSubscription
	}
	c.executor.post(func() {
		c.subscriptions.Remove(sub)
	})
	return nil
}

// ClearListeners removes every listener
func (c *Client) ClearListeners() {
	c.executor.post(func() {
		c.subscriptions.Clear(true)
	})
}

// Subscribe registers callback for the messages on channel and asks the
// server for them with a /meta/subscribe, unless the channel already has a
// subscription. replyCallback receives the /meta/subscribe reply.
func (c *Client) Subscribe(channel Channel, callback MessageCallback, props *Message, replyCallback MessageCallback) (*Subscription, error) {
	if !channel.IsValid() {
		return nil, InvalidChannelError{channel}
	}
	if callback == nil {
		return nil, ErrMissingListener
	}
	if c.stateMachine.IsDisconnected() {
		return nil, ErrClientNotConnected
	}

	sub := c.newSubscription(channel, callback, false)
	batched := c.batchDepth.Load() > 0
	c.executor.post(func() {
		send := !c.subscriptions.HasSubscription(channel)
		c.subscriptions.Add(sub)
		if !send {
			c.logger.WithField("channel", channel).Debug("already subscribed")
			if replyCallback != nil {
				c.invokeCallback(replyCallback, &Message{
					Channel:      MetaSubscribe,
					ClientID:     c.ClientID(),
					Subscription: channel,
					Successful:   true,
				})
			}
			return
		}
		m := c.newMessage(props, MetaSubscribe)
		m.Subscription = channel
		c.addPending(m, replyCallback, false)
		c.queueSend(m, batched)
	})
	return sub, nil
}

// Unsubscribe removes a subscription returned by Subscribe. The server is
// sent a /meta/unsubscribe once no subscription remains on the channel.
func (c *Client) Unsubscribe(sub *Subscription, props *Message, replyCallback MessageCallback) error {
	if sub == nil || sub.client != c || sub.listener {
		return ErrMissingSubscription
	}
	if c.stateMachine.IsDisconnected() {
		return ErrClientNotConnected
	}

	batched := c.batchDepth.Load() > 0
	c.executor.post(func() {
		c.subscriptions.Remove(sub)
		if c.subscriptions.HasSubscription(sub.channel) {
			if replyCallback != nil {
				c.invokeCallback(replyCallback, &Message{
					Channel:      MetaUnsubscribe,
					ClientID:     c.ClientID(),
					Subscription: sub.channel,
					Successful:   true,
				})
			}
			return
		}
		m := c.newMessage(props, MetaUnsubscribe)
		m.Subscription = sub.channel
		c.addPending(m, replyCallback, false)
		c.queueSend(m, batched)
	})
	return nil
}

// Resubscribe removes sub and subscribes its callback again to the same
// channel, returning the new handle
func (c *Client) Resubscribe(sub *Subscription, props *Message) (*Subscription, error) {
	if sub == nil || sub.client != c {
		return nil, ErrMissingSubscription
	}
	c.executor.post(func() {
		c.subscriptions.Remove(sub)
	})
	return c.Subscribe(sub.channel, sub.callback, props, nil)
}

// ClearSubscriptions removes every subscription, keeping the listeners. The
// server is not told.
func (c *Client) ClearSubscriptions() {
	c.executor.post(func() {
		c.subscriptions.Clear(false)
	})
}

// Publish sends data, marshaled to JSON, to channel. The callback receives
// the publish reply.
func (c *Client) Publish(channel Channel, data interface{}, props *Message, callback MessageCallback) error {
	if channel.Type() == MetaChannel || channel.HasWildcard() || !channel.IsValid() {
		return InvalidChannelError{channel}
	}
	if c.stateMachine.IsDisconnected() {
		return ErrClientNotConnected
	}
	raw, err := marshalData(data)
	if err != nil {
		return err
	}

	batched := c.batchDepth.Load() > 0
	c.executor.post(func() {
		m := c.newMessage(props, channel)
		m.Data = raw
		c.addPending(m, callback, false)
		c.queueSend(m, batched)
	})
	return nil
}

// PublishBinary publishes a chunk of binary data. last marks the final
// chunk, meta carries optional metadata. The binary extension must be
// registered for the data to be Z85 encoded on the wire.
func (c *Client) PublishBinary(channel Channel, data []byte, last bool, meta map[string]interface{}, callback MessageCallback) error {
	props := &Message{Ext: map[string]interface{}{"binary": map[string]interface{}{}}}
	return c.Publish(channel, BinaryData{Data: data, Last: last, Meta: meta}, props, callback)
}

// RemoteCall sends data to the /service channel named by target and passes
// the response to callback. A zero timeout means MaxNetworkDelay, a
// negative one disables the timeout. On timeout the callback receives a
// failed message with the error "406::timeout".
func (c *Client) RemoteCall(target string, data interface{}, timeout time.Duration, props *Message, callback MessageCallback) error {
	if target == "" {
		return InvalidChannelError{Channel(target)}
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	channel := Channel("/service" + target)
	if !channel.IsValid() || channel.HasWildcard() {
		return InvalidChannelError{channel}
	}
	if c.stateMachine.IsDisconnected() {
		return ErrClientNotConnected
	}
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = c.Configuration().MaxNetworkDelay
	}

	batched := c.batchDepth.Load() > 0
	c.executor.post(func() {
		m := c.newMessage(props, channel)
		m.Data = raw
		call := c.addPending(m, callback, true)
		call.span = startRequestSpan(c.tracer, "bayeux.remote_call", m)
		if timeout > 0 {
			call.timer = c.executor.afterFunc(timeout, func() {
				c.logger.WithField("at", "remote call").WithField("channel", channel).
					WithField("timeout", timeout).Debug("timing out")
				c.resolve(&Message{
					ID:         m.ID,
					Channel:    channel,
					Error:      "406::timeout",
					Successful: false,
					Failure:    &Failure{Message: m, Reason: "Remote Call Timeout"},
				})
			})
		}
		c.queueSend(m, batched)
	})
	return nil
}

// RemoteCallBinary is RemoteCall carrying binary data
func (c *Client) RemoteCallBinary(target string, data []byte, last bool, meta map[string]interface{}, timeout time.Duration, callback MessageCallback) error {
	props := &Message{Ext: map[string]interface{}{"binary": map[string]interface{}{}}}
	return c.RemoteCall(target, BinaryData{Data: data, Last: last, Meta: meta}, timeout, props, callback)
}

// Status is the state of the session
func (c *Client) Status() StateRepresentation {
	return c.stateMachine.CurrentState()
}

// IsDisconnected reports whether the session is disconnected or
// disconnecting
func (c *Client) IsDisconnected() bool {
	return c.stateMachine.IsDisconnected()
}

// RegisterTransport adds a transport at the end of the registry. It returns
// false if the type is already registered.
func (c *Client) RegisterTransport(transportType string, t Transport) bool {
	return c.RegisterTransportAt(transportType, t, -1)
}

// RegisterTransportAt adds a transport at index in the registry
func (c *Client) RegisterTransportAt(transportType string, t Transport, index int) bool {
	if !c.registry.Add(transportType, t, index) {
		c.logger.WithField("transport", transportType).Debug("transport already registered")
		return false
	}
	t.Registered(transportType, c)
	c.logger.WithField("transport", transportType).Debug("registered transport")
	return true
}

// UnregisterTransport removes the transport of that type and returns it, or
// nil if it was not registered
func (c *Client) UnregisterTransport(transportType string) Transport {
	t := c.registry.Remove(transportType)
	if t != nil {
		t.Unregistered()
	}
	return t
}

// UnregisterTransports removes every transport
func (c *Client) UnregisterTransports() {
	for _, t := range c.registry.Clear() {
		t.Unregistered()
	}
}

// TransportTypes lists the registered transport types in registration order
func (c *Client) TransportTypes() []string {
	return c.registry.Types()
}

// FindTransport returns the transport registered with the type, or nil
func (c *Client) FindTransport(transportType string) Transport {
	return c.registry.Find(transportType)
}

// RegisterExtension adds an extension at the end of the pipeline
func (c *Client) RegisterExtension(name string, ext MessageExtender) error {
	if err := c.extensions.add(name, ext); err != nil {
		c.logger.WithField("extension", name).WithError(err).Info("could not register extension")
		return err
	}
	ext.Registered(name, c)
	c.logger.WithField("extension", name).Debug("registered extension")
	return nil
}

// UnregisterExtension removes the extension and reports whether it was
// registered
func (c *Client) UnregisterExtension(name string) bool {
	ext := c.extensions.remove(name)
	if ext == nil {
		return false
	}
	ext.Unregistered()
	return true
}

// Extension returns the extension registered under name, or nil
func (c *Client) Extension(name string) MessageExtender {
	return c.extensions.find(name)
}

// BackoffIncrement is the amount added to the backoff period on every
// consecutive failure
func (c *Client) BackoffIncrement() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.config.BackoffIncrement
}

// SetBackoffIncrement changes the backoff increment
func (c *Client) SetBackoffIncrement(increment time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.config.BackoffIncrement = increment
}

// BackoffPeriod is the delay currently added before reconnecting
func (c *Client) BackoffPeriod() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.backoff
}

// ClientID is the id assigned by the server on handshake, empty without a
// session
func (c *Client) ClientID() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.clientID
}

// URL is the URL requests are sent to. A URLs entry for the current
// transport type wins over Configuration.URL.
func (c *Client) URL() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.transport != nil {
		return c.config.transportURL(c.transport.Type())
	}
	return c.config.URL
}

// Transport is the negotiated transport, nil without a session
func (c *Client) Transport() Transport {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.transport
}

// Configuration returns a copy of the configuration
func (c *Client) Configuration() Configuration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	config := c.config
	config.RequestHeaders = copyStrings(c.config.RequestHeaders)
	config.URLs = copyStrings(c.config.URLs)
	return config
}

// Advice is the configured advice overlaid with the latest advice of the
// server
func (c *Client) Advice() Advice {
	c.lock.RLock()
	defer c.lock.RUnlock()
	advice := c.advice
	advice.Hosts = append([]string(nil), c.advice.Hosts...)
	return advice
}

// AfterFunc runs fn on the client executor once delay has elapsed. fn does
// not run if the returned Timer is stopped first.
func (c *Client) AfterFunc(delay time.Duration, fn func()) Timer {
	return c.executor.afterFunc(delay, fn)
}

// Logger is the logger of the client, for extensions and transports to log
// through
func (c *Client) Logger() Logger {
	return c.logger
}

func marshalData(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(data)
}

func (c *Client) newSubscription(channel Channel, callback MessageCallback, listener bool) *Subscription {
	return &Subscription{
		id:       c.subscriptionIDs.Add(1),
		channel:  channel,
		callback: callback,
		listener: listener,
		client:   c,
	}
}

func (c *Client) newMessage(props *Message, channel Channel) *Message {
	m := &Message{}
	if props != nil {
		m = props.Clone()
	}
	m.ID = strconv.FormatUint(c.messageIDs.Add(1), 10)
	m.Channel = channel
	return m
}

func (c *Client) addPending(m *Message, callback MessageCallback, remote bool) *pendingCall {
	call := &pendingCall{message: m, callback: callback, remote: remote}
	c.pending.add(m.ID, call)
	c.metrics.pending(c.pending.len())
	return call
}

func (c *Client) setClientID(id string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.clientID = id
}

func (c *Client) setTransport(t Transport) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.transport = t
}

func (c *Client) setAdvice(advice *Advice) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.advice = c.config.Advice.merge(advice)
}

func (c *Client) resetBackoff() {
	c.lock.Lock()
	c.backoff = 0
	c.lock.Unlock()
	c.metrics.backoff(0)
}

func (c *Client) increaseBackoff() time.Duration {
	c.lock.Lock()
	if c.backoff < c.config.MaxBackoff {
		c.backoff += c.config.BackoffIncrement
	}
	backoff := c.backoff
	c.lock.Unlock()
	c.metrics.backoff(backoff.Seconds())
	return backoff
}

// handshake sends the /meta/handshake. initial is true when the session
// starts from the disconnected state rather than on advice.
func (c *Client) handshake(initial bool) {
	if !initial && c.stateMachine.IsDisconnected() {
		return
	}
	logger := c.logger.WithField("at", "handshake")
	c.setClientID("")
	c.subscriptions.Clear(false)
	if initial {
		c.registry.Reset(true)
	}
	c.setAdvice(nil)
	c.batchDepth.Store(0)
	c.internalBatch = true

	config := c.Configuration()
	crossDomain := config.IsCrossDomain()
	url := c.URL()
	types := c.registry.FindTypes(protocolVersion, crossDomain, url)
	advice := c.Advice()

	m := c.newMessage(c.handshakeProps, MetaHandshake)
	m.Version = protocolVersion
	m.MinimumVersion = protocolVersion
	m.SupportedConnectionTypes = types
	m.Advice = &Advice{Timeout: advice.Timeout, Interval: advice.Interval}
	call := c.addPending(m, c.handshakeCallback, false)
	call.span = startRequestSpan(c.tracer, "bayeux.handshake", m)

	if c.Transport() == nil {
		t := c.registry.Negotiate(types, protocolVersion, crossDomain, url)
		if t == nil {
			reason := "Could not find initial transport among: " + strings.Join(c.registry.Types(), ",")
			logger.Warn(reason)
			c.handshakeFailure(&Message{
				ID:      m.ID,
				Channel: MetaHandshake,
				Failure: &Failure{Reason: reason, Message: m},
			}, recovery{cause: "negotiation", action: ReconnectNone})
			return
		}
		c.setTransport(t)
	}
	logger.WithField("transport", c.Transport().Type()).WithField("types", types).Debug("starting")
	c.send([]*Message{m}, false, "handshake")
}

func (c *Client) delayedHandshake(delay time.Duration) {
	_ = c.stateMachine.ProcessEvent(rehandshakeSent)
	c.internalBatch = true
	c.schedule(func() { c.handshake(false) }, delay)
}

// connect sends the /meta/connect long poll
func (c *Client) connect() {
	if c.stateMachine.IsDisconnected() {
		return
	}
	t := c.Transport()
	if t == nil {
		return
	}
	m := &Message{
		ID:             strconv.FormatUint(c.messageIDs.Add(1), 10),
		Channel:        MetaConnect,
		ConnectionType: t.Type(),
	}
	if !c.connected {
		m.Advice = &Advice{Timeout: 0}
	}
	c.logger.WithField("at", "connect").WithField("id", m.ID).Debug("starting")
	c.send([]*Message{m}, true, "connect")
}

func (c *Client) delayedConnect(delay time.Duration) {
	c.schedule(c.connect, delay)
}

// schedule replaces the scheduled task with fn, run after the advised
// interval plus delay
func (c *Client) schedule(fn func(), delay time.Duration) {
	c.cancelScheduled()
	d := c.Advice().IntervalAsDuration() + delay
	c.logger.WithField("delay", d).WithField("backoff", c.BackoffPeriod()).Debug("function scheduled")
	c.scheduled = c.executor.afterFunc(d, fn)
}

func (c *Client) cancelScheduled() {
	if c.scheduled != nil {
		c.scheduled.Stop()
		c.scheduled = nil
	}
}

// queueSend sends m, or holds it while a batch or a handshake is underway
func (c *Client) queueSend(m *Message, batched bool) {
	if !batched && !c.internalBatch {
		c.send([]*Message{m}, false, "")
		return
	}
	c.messageQueue = append(c.messageQueue, m)
	if batched && c.batchDepth.Load() == 0 {
		c.executor.post(c.flushBatch)
	}
}

func (c *Client) flushBatch() {
	if c.batchDepth.Load() == 0 && !c.internalBatch && !c.stateMachine.IsDisconnected() {
		c.flushQueue()
	}
}

func (c *Client) flushQueue() {
	queued := c.messageQueue
	c.messageQueue = nil
	if len(queued) > 0 {
		c.send(queued, false, "")
	}
}

// send runs the outgoing extensions and hands the surviving messages to the
// transport as one envelope
func (c *Client) send(messages []*Message, metaConnect bool, messageType string) {
	clientID := c.ClientID()
	out := make([]*Message, 0, len(messages))
	for _, m := range messages {
		id := m.ID
		if clientID != "" {
			m.ClientID = clientID
		}
		processed := c.extensions.outgoing(m, c.extensionFailed)
		if processed == nil {
			c.logger.WithField("id", id).WithField("channel", m.Channel).Debug("message dropped by extension")
			if call, ok := c.pending.take(id); ok && call.span != nil {
				call.span.End()
			}
			c.metrics.pending(c.pending.len())
			continue
		}
		processed.ID = id
		out = append(out, processed)
	}
	if len(out) == 0 {
		return
	}

	t := c.Transport()
	if t == nil {
		c.handleFailure(out, &Failure{Reason: "No transport"})
		return
	}

	url := c.URL()
	if c.Configuration().AppendMessageTypeToURL && messageType != "" {
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		url += messageType
	}

	generation := c.generation
	envelope := &Envelope{
		URL:      url,
		Messages: out,
		OnSuccess: func(received []*Message) {
			c.executor.post(func() {
				if generation != c.generation {
					c.logger.WithField("messages", len(received)).Debug("dropping messages of a terminated session")
					return
				}
				c.handleMessages(received)
			})
		},
		OnFailure: func(failed []*Message, failure *Failure) {
			c.executor.post(func() {
				if generation != c.generation {
					return
				}
				c.metrics.transportFailed(failure.Transport, len(failed))
				c.handleFailure(failed, failure)
			})
		},
	}

	c.metrics.sent(out)
	if err := t.Send(envelope, metaConnect); err != nil {
		if errors.Is(err, ErrConcurrentMetaConnect) {
			c.logger.WithError(err).Error("meta connect rejected by transport")
			return
		}
		c.handleFailure(out, &Failure{Reason: "error", Exception: err, Transport: t.Type()})
	}
}

// handleMessages processes a batch received from the server, meta messages
// first
func (c *Client) handleMessages(received []*Message) {
	ordered := make([]*Message, 0, len(received))
	for _, m := range received {
		if m.IsMeta() {
			ordered = append(ordered, m)
		}
	}
	for _, m := range received {
		if !m.IsMeta() {
			ordered = append(ordered, m)
		}
	}
	for _, m := range ordered {
		c.metrics.received(m)
		c.receive(m)
	}
}

func (c *Client) receive(m *Message) {
	c.unconnectTime = time.Time{}
	m = c.extensions.incoming(m, c.extensionFailed)
	if m == nil {
		return
	}
	if m.Advice != nil {
		c.setAdvice(m.Advice)
	}

	switch m.Channel {
	case MetaHandshake:
		c.handshakeResponse(m)
	case MetaConnect:
		c.connectResponse(m)
	case MetaDisconnect:
		c.disconnectResponse(m)
	case MetaSubscribe:
		c.subscribeResponse(m)
	case MetaUnsubscribe:
		c.unsubscribeResponse(m)
	default:
		c.messageResponse(m)
	}
}

// handleFailure turns every message a transport could not deliver into a
// failed reply
func (c *Client) handleFailure(messages []*Message, failure *Failure) {
	c.logger.WithField("transport", failure.Transport).WithError(failure).Debug("handling failure")
	for _, m := range messages {
		f := *failure
		f.Message = m
		failed := &Message{
			ID:           m.ID,
			Channel:      m.Channel,
			Subscription: m.Subscription,
			Failure:      &f,
		}
		switch m.Channel {
		case MetaHandshake:
			c.handshakeFailure(failed, recovery{cause: "failure", action: ReconnectHandshake})
		case MetaConnect:
			c.connected = false
			c.connectFailure(failed, recovery{cause: "failure", action: ReconnectRetry})
		case MetaDisconnect:
			c.disconnectFailure(failed)
		case MetaSubscribe:
			c.subscribeFailure(failed)
		case MetaUnsubscribe:
			c.unsubscribeFailure(failed)
		default:
			c.publishFailure(failed)
		}
	}
}

func (c *Client) handshakeResponse(m *Message) {
	logger := c.logger.WithField("at", "handshake")
	if !m.Successful {
		c.handshakeFailure(m, recovery{
			cause:     "unsuccessful",
			action:    c.adviceAction(ReconnectHandshake),
			transport: c.Transport(),
		})
		return
	}

	config := c.Configuration()
	url := c.URL()
	t := c.registry.Negotiate(m.SupportedConnectionTypes, m.Version, config.IsCrossDomain(), url)
	if t == nil {
		m.Successful = false
		logger.WithField("server", m.SupportedConnectionTypes).Warn("could not negotiate transport")
		c.handshakeFailure(m, recovery{cause: "negotiation", action: ReconnectNone})
		return
	}
	if current := c.Transport(); current != t {
		if current != nil {
			logger.WithField("from", current.Type()).WithField("to", t.Type()).Debug("switching transport")
		}
		c.setTransport(t)
	}

	c.metrics.handshake(true)
	c.setClientID(m.ClientID)
	_ = c.stateMachine.ProcessEvent(handshakeSucceeded)
	c.internalBatch = false
	if c.batchDepth.Load() == 0 {
		c.flushQueue()
	}
	m.Reestablish = c.reestablish
	c.reestablish = true
	logger.WithField("clientId", m.ClientID).Debug("finishing")

	c.resolve(m)
	c.notifyListeners(MetaHandshake, m)

	action := c.adviceAction(ReconnectRetry)
	if c.stateMachine.IsDisconnected() {
		action = ReconnectNone
	}
	switch action {
	case ReconnectNone:
		c.terminate(true)
	case ReconnectHandshake:
		c.delayedHandshake(0)
	default:
		c.resetBackoff()
		c.delayedConnect(0)
	}
}

func (c *Client) handshakeFailure(m *Message, r recovery) {
	c.metrics.handshake(false)
	if c.stateMachine.IsDisconnected() {
		r.action = ReconnectNone
	}
	r = c.decideRecovery(m, r)
	c.resolve(m)
	c.notifyListeners(MetaHandshake, m)
	c.notifyListeners(MetaUnsuccessful, m)
	c.applyRecovery(r)
}

func (c *Client) connectResponse(m *Message) {
	c.connected = m.Successful
	if !m.Successful {
		c.connectFailure(m, recovery{
			cause:     "unsuccessful",
			action:    c.adviceAction(ReconnectRetry),
			transport: c.Transport(),
		})
		return
	}

	_ = c.stateMachine.ProcessEvent(connectSucceeded)
	c.notifyListeners(MetaConnect, m)
	if c.stateMachine.IsDisconnected() {
		return
	}
	switch c.adviceAction(ReconnectRetry) {
	case ReconnectNone:
		c.terminate(false)
	case ReconnectHandshake:
		c.resetBackoff()
		c.delayedHandshake(0)
	default:
		c.resetBackoff()
		c.delayedConnect(c.BackoffPeriod())
	}
}

func (c *Client) connectFailure(m *Message, r recovery) {
	c.metrics.connectFailed()
	_ = c.stateMachine.ProcessEvent(connectFailed)
	if !c.stateMachine.IsDisconnected() {
		r = c.decideRecovery(m, r)
		defer c.applyRecovery(r)
	}
	c.notifyListeners(MetaConnect, m)
	c.notifyListeners(MetaUnsuccessful, m)
}

func (c *Client) disconnectResponse(m *Message) {
	if !m.Successful {
		c.disconnectFailure(m)
		return
	}
	call, ok := c.pending.take(m.ID)
	c.terminate(false)
	c.resolveCall(call, ok, m)
	c.notifyListeners(MetaDisconnect, m)
	c.logger.WithField("at", "disconnect").Debug("finishing")
}

func (c *Client) disconnectFailure(m *Message) {
	call, ok := c.pending.take(m.ID)
	c.terminate(true)
	c.resolveCall(call, ok, m)
	c.notifyListeners(MetaDisconnect, m)
	c.notifyListeners(MetaUnsuccessful, m)
}

func (c *Client) subscribeResponse(m *Message) {
	if !m.Successful {
		c.subscribeFailure(m)
		return
	}
	c.resolve(m)
	c.notifyListeners(MetaSubscribe, m)
}

func (c *Client) subscribeFailure(m *Message) {
	c.subscriptions.RemoveSubscriptions(m.Subscription)
	c.resolve(m)
	c.notifyListeners(MetaSubscribe, m)
	c.notifyListeners(MetaUnsuccessful, m)
}

func (c *Client) unsubscribeResponse(m *Message) {
	if !m.Successful {
		c.unsubscribeFailure(m)
		return
	}
	c.resolve(m)
	c.notifyListeners(MetaUnsubscribe, m)
}

func (c *Client) unsubscribeFailure(m *Message) {
	c.resolve(m)
	c.notifyListeners(MetaUnsubscribe, m)
	c.notifyListeners(MetaUnsuccessful, m)
}

// messageResponse handles the messages on non-meta channels: broadcasts and
// remote call results carry data, publish replies do not
func (c *Client) messageResponse(m *Message) {
	if len(m.Data) > 0 {
		if c.pending.isRemote(m.ID) {
			c.resolve(m)
			return
		}
		c.notifyListeners(m.Channel, m)
		return
	}
	if !m.Successful {
		c.publishFailure(m)
		return
	}
	c.resolve(m)
	c.notifyListeners(MetaPublish, m)
}

func (c *Client) publishFailure(m *Message) {
	if c.pending.isRemote(m.ID) {
		c.resolve(m)
		return
	}
	c.resolve(m)
	c.notifyListeners(MetaPublish, m)
	c.notifyListeners(MetaUnsuccessful, m)
}

func (c *Client) adviceAction(fallback string) string {
	if action := c.Advice().Reconnect; action != "" {
		return action
	}
	return fallback
}

// decideRecovery picks how to recover from a failed handshake or connect and
// records the decision in the failure of m
func (c *Client) decideRecovery(m *Message, r recovery) recovery {
	logger := c.logger.WithField("at", "recovery").WithField("cause", r.cause)
	config := c.Configuration()
	crossDomain := config.IsCrossDomain()
	url := c.URL()
	types := c.registry.FindTypes(protocolVersion, crossDomain, url)

	oldType := ""
	if current := c.Transport(); current != nil {
		oldType = current.Type()
	}

	switch {
	case r.action == ReconnectNone:
		if m.Channel == MetaHandshake && r.transport == nil {
			logger.WithField("client", types).WithField("server", m.SupportedConnectionTypes).
				Warn("could not negotiate transport")
			c.transportException(m, oldType, "")
		}
	case m.Channel == MetaHandshake:
		r.delay = c.BackoffPeriod()
		if r.transport == nil {
			t := c.registry.Negotiate(types, protocolVersion, crossDomain, url)
			if t != nil {
				logger.WithField("from", oldType).WithField("to", t.Type()).Debug("renegotiated transport")
				c.transportException(m, oldType, t.Type())
				r.action = ReconnectHandshake
				r.transport = t
			} else {
				logger.WithField("client", types).Warn("could not negotiate transport")
				c.transportException(m, oldType, "")
				r.action = ReconnectNone
			}
		}
		if r.action != ReconnectNone {
			c.increaseBackoff()
		}
	default:
		r.delay = c.BackoffPeriod()
		now := time.Now()
		if c.unconnectTime.IsZero() {
			c.unconnectTime = now
		}
		if r.action == ReconnectRetry {
			r.delay = c.increaseBackoff()
			advice := c.Advice()
			if advice.MaxInterval > 0 {
				expiration := advice.TimeoutAsDuration() + advice.IntervalAsDuration() + advice.MaxIntervalAsDuration()
				if now.Sub(c.unconnectTime)+c.BackoffPeriod() > expiration {
					r.action = ReconnectHandshake
				}
			}
		}
		if r.action == ReconnectHandshake {
			r.delay = 0
			c.registry.Reset(false)
			c.resetBackoff()
		}
	}

	if m.Failure != nil {
		m.Failure.Action = r.action
		m.Failure.Delay = r.delay
	}
	logger.WithField("action", r.action).WithField("delay", r.delay).Debug("recovering")
	return r
}

func (c *Client) applyRecovery(r recovery) {
	if r.transport != nil {
		c.setTransport(r.transport)
	}
	switch r.action {
	case ReconnectHandshake:
		c.delayedHandshake(r.delay)
	case ReconnectRetry:
		c.delayedConnect(r.delay)
	default:
		c.terminate(true)
	}
}

// terminate ends the session. Messages still waiting to be sent and every
// pending callback are failed with the reason "Disconnected".
func (c *Client) terminate(abort bool) {
	c.cancelScheduled()
	if t := c.Transport(); abort && t != nil {
		t.Abort()
	}
	c.generation++
	c.setClientID("")
	c.setTransport(nil)
	c.registry.Reset(true)
	c.resetBackoff()
	_ = c.stateMachine.ProcessEvent(sessionTerminated)
	c.batchDepth.Store(0)
	c.internalBatch = false
	c.reestablish = false
	c.connected = false
	c.unconnectTime = time.Time{}

	queued := c.messageQueue
	c.messageQueue = nil
	if len(queued) > 0 {
		c.handleFailure(queued, &Failure{Reason: "Disconnected"})
	}
	for _, call := range c.pending.drain() {
		c.resolveCall(call, true, &Message{
			ID:           call.message.ID,
			Channel:      call.message.Channel,
			Subscription: call.message.Subscription,
			Failure:      &Failure{Reason: "Disconnected", Message: call.message},
		})
	}
	c.metrics.pending(0)
	c.logger.WithField("abort", abort).Debug("session terminated")
}

func (c *Client) resolve(m *Message) {
	call, ok := c.pending.take(m.ID)
	c.resolveCall(call, ok, m)
}

func (c *Client) resolveCall(call *pendingCall, ok bool, m *Message) {
	if !ok {
		return
	}
	c.metrics.pending(c.pending.len())
	if call.span != nil {
		endRequestSpan(call.span, m)
	}
	if call.callback != nil {
		c.invokeCallback(call.callback, m)
	}
}

// notifyListeners delivers m to the registrations on channel and on every
// wildcard matching it
func (c *Client) notifyListeners(channel Channel, m *Message) {
	c.notify(channel, m)
	for _, wildcard := range channel.Wildcards() {
		c.notify(wildcard, m)
	}
}

func (c *Client) notify(channel Channel, m *Message) {
	for _, sub := range c.subscriptions.Get(channel) {
		c.invokeListener(sub, m)
	}
}

func (c *Client) invokeListener(sub *Subscription, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			err := panicError(r)
			if c.hooks.ListenerException == nil {
				c.logger.WithField("channel", sub.channel).WithError(err).Info("listener panicked")
				return
			}
			c.safely(func() { c.hooks.ListenerException(err, sub, m) })
		}
	}()
	sub.callback(m)
}

func (c *Client) invokeCallback(callback MessageCallback, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			err := panicError(r)
			if c.hooks.CallbackException == nil {
				c.logger.WithField("channel", m.Channel).WithError(err).Info("callback panicked")
				return
			}
			c.safely(func() { c.hooks.CallbackException(err, m) })
		}
	}()
	callback(m)
}

func (c *Client) extensionFailed(err error, name string, outgoing bool, m *Message) {
	if c.hooks.ExtensionException == nil {
		c.logger.WithField("extension", name).WithField("outgoing", outgoing).WithError(err).Info("extension panicked")
		return
	}
	c.safely(func() { c.hooks.ExtensionException(err, name, outgoing, m) })
}

func (c *Client) transportException(m *Message, oldType, newType string) {
	if c.hooks.TransportFailure == nil {
		return
	}
	failure := m.Failure
	if failure == nil {
		failure = &Failure{Reason: "Could not negotiate transport", Transport: oldType, Message: m}
	}
	c.safely(func() { c.hooks.TransportFailure(failure, oldType, newType) })
}

// safely runs an exception handler, which is not allowed to take the
// executor down
func (c *Client) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithError(panicError(r)).Info("exception handler panicked")
		}
	}()
	fn()
}
