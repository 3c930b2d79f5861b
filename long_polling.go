package gobayeux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// LongPollingTransport sends Bayeux messages as JSON arrays in HTTP POST
// requests. At most Configuration.MaxConnections requests are in flight, one
// of them reserved to the /meta/connect long poll. Envelopes beyond that
// bound wait in a FIFO queue.
type LongPollingTransport struct {
	httpClient *http.Client

	lock                sync.Mutex
	transportType       string
	client              *Client
	logger              Logger
	requestIDs          uint64
	requests            []*pollRequest
	metaConnect         *pollRequest
	queue               []*Envelope
	supportsCrossDomain bool
}

// pollRequest is one HTTP request. Its context exists before the request
// is visible to Abort; the timer is armed later, on the sending goroutine.
type pollRequest struct {
	id          uint64
	envelope    *Envelope
	metaConnect bool
	ctx         context.Context
	cancel      context.CancelFunc
	expired     atomic.Bool
	done        atomic.Bool

	timerLock sync.Mutex
	timer     *time.Timer
}

// arm starts the network delay timer unless the request already completed
func (r *pollRequest) arm(delay time.Duration, expire func()) bool {
	r.timerLock.Lock()
	defer r.timerLock.Unlock()
	if r.done.Load() {
		return false
	}
	r.timer = time.AfterFunc(delay, expire)
	return true
}

func (r *pollRequest) stopTimer() {
	r.timerLock.Lock()
	defer r.timerLock.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// NewLongPollingTransport creates a long-polling transport issuing requests
// with the given http.Client
func NewLongPollingTransport(httpClient *http.Client) *LongPollingTransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &LongPollingTransport{
		httpClient:          httpClient,
		transportType:       ConnectionTypeLongPolling,
		logger:              newNullLogger(),
		supportsCrossDomain: true,
	}
}

// Registered implements Transport
func (t *LongPollingTransport) Registered(transportType string, client *Client) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.transportType = transportType
	t.client = client
	t.logger = client.logger.WithField("transport", transportType)
}

// Unregistered implements Transport
func (t *LongPollingTransport) Unregistered() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.client = nil
	t.logger = newNullLogger()
}

// Type implements Transport
func (t *LongPollingTransport) Type() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.transportType
}

// Accept implements Transport. Once a server answered with an empty body the
// transport is no longer offered for cross-domain sessions until Reset.
func (t *LongPollingTransport) Accept(version string, crossDomain bool, url string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.supportsCrossDomain || !crossDomain
}

// Send implements Transport
func (t *LongPollingTransport) Send(envelope *Envelope, metaConnect bool) error {
	t.lock.Lock()
	if metaConnect {
		if t.metaConnect != nil {
			t.lock.Unlock()
			return ErrConcurrentMetaConnect
		}
		req := t.newRequestLocked(envelope, true)
		t.metaConnect = req
		t.lock.Unlock()
		t.transportSend(req)
		return nil
	}

	if len(t.requests) < t.maxConnectionsLocked()-1 {
		req := t.newRequestLocked(envelope, false)
		t.requests = append(t.requests, req)
		t.lock.Unlock()
		t.transportSend(req)
		return nil
	}

	if n := len(t.queue); n > 0 {
		last := t.queue[n-1]
		if last.URL == envelope.URL && last.Sync == envelope.Sync {
			last.Messages = append(last.Messages, envelope.Messages...)
			t.logger.WithField("queued", len(last.Messages)).Debug("coalesced envelope")
			t.lock.Unlock()
			return nil
		}
	}
	t.queue = append(t.queue, envelope)
	t.logger.WithField("queued", len(t.queue)).Debug("queued envelope")
	t.lock.Unlock()
	return nil
}

// Abort implements Transport
func (t *LongPollingTransport) Abort() {
	t.lock.Lock()
	inflight := append([]*pollRequest(nil), t.requests...)
	if t.metaConnect != nil {
		inflight = append(inflight, t.metaConnect)
	}
	queued := t.queue
	t.queue = nil
	transportType := t.transportType
	t.lock.Unlock()

	for _, req := range inflight {
		// failed first so the canceled round trip finds it done
		t.transportFailure(req, &Failure{Reason: "abort", Transport: transportType})
		req.cancel()
	}
	for _, envelope := range queued {
		envelope.OnFailure(envelope.Messages, &Failure{Reason: "abort", Transport: transportType})
	}
	t.Reset(true)
}

// Reset implements Transport
func (t *LongPollingTransport) Reset(initial bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.requests = nil
	t.metaConnect = nil
	t.queue = nil
	t.supportsCrossDomain = true
}

func (t *LongPollingTransport) maxConnectionsLocked() int {
	if t.client == nil {
		return DefaultConfiguration().MaxConnections
	}
	return t.client.Configuration().MaxConnections
}

func (t *LongPollingTransport) newRequestLocked(envelope *Envelope, metaConnect bool) *pollRequest {
	t.requestIDs++
	ctx, cancel := context.WithCancel(context.Background())
	return &pollRequest{id: t.requestIDs, envelope: envelope, metaConnect: metaConnect, ctx: ctx, cancel: cancel}
}

func (t *LongPollingTransport) settings() (Configuration, Advice, Logger, string) {
	t.lock.Lock()
	client, logger, transportType := t.client, t.logger, t.transportType
	t.lock.Unlock()
	if client == nil {
		return DefaultConfiguration(), DefaultConfiguration().Advice, logger, transportType
	}
	return client.Configuration(), client.Advice(), logger, transportType
}

// transportSend starts the HTTP request with its network delay deadline. A
// request aborted before this point is never sent.
func (t *LongPollingTransport) transportSend(req *pollRequest) {
	config, advice, logger, transportType := t.settings()

	delay := config.MaxNetworkDelay
	if req.metaConnect {
		delay += advice.TimeoutAsDuration()
	}

	armed := req.arm(delay, func() {
		req.expired.Store(true)
		req.cancel()
		t.transportFailure(req, &Failure{
			Reason: fmt.Sprintf(
				"Request %d of transport %s exceeded %d ms max network delay",
				req.id, transportType, delay.Milliseconds(),
			),
			Transport: transportType,
		})
	})
	logger = logger.WithField("request", req.id)
	if !armed {
		req.cancel()
		logger.Debug("request completed before it was sent")
		return
	}

	go func() {
		defer req.cancel()
		start := time.Now()
		logger.WithField("messages", len(req.envelope.Messages)).Debug("starting")
		messages, failure := t.roundTrip(req.ctx, req.envelope, config.RequestHeaders)
		logger.WithField("duration", time.Since(start)).Debug("finishing")
		if req.expired.Load() {
			return
		}
		if failure != nil {
			failure.Transport = transportType
			t.requestFailed(req, failure)
			return
		}
		if len(messages) == 0 {
			t.requestFailed(req, &Failure{
				Reason:    "Empty HTTP response",
				HTTPCode:  http.StatusNoContent,
				Transport: transportType,
			})
			return
		}
		t.transportSuccess(req, messages)
	}()
}

func (t *LongPollingTransport) log() Logger {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.logger
}

func (t *LongPollingTransport) roundTrip(ctx context.Context, envelope *Envelope, headers map[string]string) ([]*Message, *Failure) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(envelope.Messages); err != nil {
		return nil, &Failure{Reason: "Unable to encode messages", Exception: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, envelope.URL, &buf)
	if err != nil {
		return nil, &Failure{Reason: "Unable to create request", Exception: err}
	}
	request.Header.Set("Content-Type", "application/json;charset=UTF-8")
	request.Header.Set("Accept", "application/json")
	for k, v := range headers {
		request.Header.Set(k, v)
	}

	response, err := t.httpClient.Do(request)
	if err != nil {
		return nil, &Failure{Reason: "error", Exception: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &Failure{Reason: "error", Exception: err, HTTPCode: response.StatusCode}
	}
	if response.StatusCode != http.StatusOK {
		return nil, &Failure{
			Reason:    "error",
			HTTPCode:  response.StatusCode,
			Exception: BadResponseError{response.StatusCode, response.Status, body},
		}
	}

	messages, err := decodeMessages(body)
	if err != nil {
		return nil, &Failure{Reason: "Unable to parse response", Exception: err, HTTPCode: response.StatusCode}
	}
	return messages, nil
}

// decodeMessages parses either a JSON array of messages or a single message
// object. Blank input yields no messages.
func decodeMessages(body []byte) ([]*Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] != '[' {
		var m Message
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		return []*Message{&m}, nil
	}
	messages := make([]*Message, 0)
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (t *LongPollingTransport) transportSuccess(req *pollRequest, messages []*Message) {
	if !req.done.CompareAndSwap(false, true) {
		return
	}
	req.stopTimer()
	next := t.complete(req, true, nil)
	req.envelope.OnSuccess(messages)
	next()
}

// requestFailed fails a request the server answered badly or not at all.
// Such a server is not trusted with cross-domain requests anymore.
func (t *LongPollingTransport) requestFailed(req *pollRequest, failure *Failure) {
	if req.done.Load() {
		return
	}
	t.lock.Lock()
	t.supportsCrossDomain = false
	t.lock.Unlock()
	t.transportFailure(req, failure)
}

func (t *LongPollingTransport) transportFailure(req *pollRequest, failure *Failure) {
	if !req.done.CompareAndSwap(false, true) {
		return
	}
	req.stopTimer()
	t.log().WithField("request", req.id).WithError(failure).Debug("request failed")
	next := t.complete(req, false, failure)
	req.envelope.OnFailure(req.envelope.Messages, failure)
	next()
}

// complete releases the slot of req and returns what to do with the queue
// once the continuation of req has run: send the next envelope, or fail all
// the queued ones if req failed
func (t *LongPollingTransport) complete(req *pollRequest, success bool, failure *Failure) func() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if req.metaConnect {
		if t.metaConnect == req {
			t.metaConnect = nil
		}
		return func() {}
	}

	for i, r := range t.requests {
		if r == req {
			t.requests = append(t.requests[:i:i], t.requests[i+1:]...)
			break
		}
	}
	if len(t.queue) == 0 {
		return func() {}
	}

	if !success {
		queued := t.queue
		t.queue = nil
		previous := &Failure{
			Reason:    "Previous request failed",
			HTTPCode:  failure.HTTPCode,
			Transport: t.transportType,
		}
		return func() {
			for _, envelope := range queued {
				envelope.OnFailure(envelope.Messages, previous)
			}
		}
	}

	next := t.queue[0]
	t.queue = t.queue[1:]
	if t.client != nil && t.client.Configuration().AutoBatch {
		next = t.coalesceLocked(next)
	}
	nextReq := t.newRequestLocked(next, false)
	t.requests = append(t.requests, nextReq)
	return func() { t.transportSend(nextReq) }
}

// coalesceLocked merges every queued envelope bound to the same URL with the
// same sync flag into envelope
func (t *LongPollingTransport) coalesceLocked(envelope *Envelope) *Envelope {
	kept := t.queue[:0]
	for _, queued := range t.queue {
		if queued.URL == envelope.URL && queued.Sync == envelope.Sync {
			envelope.Messages = append(envelope.Messages, queued.Messages...)
			continue
		}
		kept = append(kept, queued)
	}
	t.queue = kept
	return envelope
}
