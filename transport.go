package gobayeux

import (
	"fmt"
	"sync"
	"time"
)

// Transport carries Bayeux messages between the client and the server.
//
// Send never reports network problems through its return value: those are
// delivered to the envelope's OnFailure continuation as a *Failure. The
// returned error is reserved for misuse such as ErrConcurrentMetaConnect.
type Transport interface {
	// Registered is called once the transport is added to a client under
	// the given type
	Registered(transportType string, client *Client)
	// Unregistered is called once the transport is removed from a client
	Unregistered()
	// Type is the type the transport was registered with
	Type() string
	// Accept reports whether the transport can be used for the protocol
	// version and URL, possibly on a different domain
	Accept(version string, crossDomain bool, url string) bool
	// Send transmits the envelope. metaConnect marks the envelope carrying
	// the single /meta/connect request.
	Send(envelope *Envelope, metaConnect bool) error
	// Abort cancels all outstanding work and fails the pending envelopes
	Abort()
	// Reset rearms the transport. initial is true when a new session is
	// being started.
	Reset(initial bool)
}

// Envelope is one unit of outgoing work handed to a transport
type Envelope struct {
	URL      string
	Messages []*Message
	Sync     bool
	// OnSuccess receives the messages read from the server. It may be
	// called from any goroutine.
	OnSuccess func(messages []*Message)
	// OnFailure receives the messages that could not be delivered. It may
	// be called from any goroutine.
	OnFailure func(messages []*Message, failure *Failure)
}

func (e *Envelope) ids() []string {
	ids := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Failure describes why a message could not be delivered. It distinguishes
// network failures (HTTPCode, WebSocketCode), local exceptions (Exception)
// and the recovery decided by the client (Action, Delay).
type Failure struct {
	Reason        string
	Exception     error
	HTTPCode      int
	WebSocketCode int
	// Transport is the type of the transport that failed
	Transport string
	// Message is the original message that failed
	Message *Message
	// Action is the recovery the client takes: handshake, retry or none
	Action string
	// Delay is the backoff applied before the recovery action
	Delay time.Duration
}

func (f *Failure) Error() string {
	switch {
	case f.Exception != nil && f.Reason != "":
		return fmt.Sprintf("%s transport failure: %s (%s)", f.Transport, f.Reason, f.Exception)
	case f.Exception != nil:
		return fmt.Sprintf("%s transport failure: %s", f.Transport, f.Exception)
	case f.HTTPCode != 0:
		return fmt.Sprintf("%s transport failure: %s (http %d)", f.Transport, f.Reason, f.HTTPCode)
	case f.WebSocketCode != 0:
		return fmt.Sprintf("%s transport failure: %s (websocket %d)", f.Transport, f.Reason, f.WebSocketCode)
	default:
		return fmt.Sprintf("%s transport failure: %s", f.Transport, f.Reason)
	}
}

func (f *Failure) Unwrap() error {
	return f.Exception
}

// TransportRegistry is the ordered catalog of the transports known to a
// client
type TransportRegistry struct {
	lock       sync.RWMutex
	types      []string
	transports map[string]Transport
}

// NewTransportRegistry creates an empty registry
func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{transports: make(map[string]Transport)}
}

// Add registers the transport at the end of the list, or at index when it
// is a valid position. It returns false, keeping the earlier registration,
// when the type is already present.
func (r *TransportRegistry) Add(transportType string, t Transport, index int) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.transports[transportType]; ok {
		return false
	}
	if index < 0 || index >= len(r.types) {
		r.types = append(r.types, transportType)
	} else {
		r.types = append(r.types[:index], append([]string{transportType}, r.types[index:]...)...)
	}
	r.transports[transportType] = t
	return true
}

// Find returns the transport registered with the type or nil
func (r *TransportRegistry) Find(transportType string) Transport {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.transports[transportType]
}

// Remove unregisters the type and returns its transport, or nil
func (r *TransportRegistry) Remove(transportType string) Transport {
	r.lock.Lock()
	defer r.lock.Unlock()
	t, ok := r.transports[transportType]
	if !ok {
		return nil
	}
	delete(r.transports, transportType)
	for i, tt := range r.types {
		if tt == transportType {
			r.types = append(r.types[:i:i], r.types[i+1:]...)
			break
		}
	}
	return t
}

// Clear unregisters every transport and returns them in registration order
func (r *TransportRegistry) Clear() []Transport {
	r.lock.Lock()
	defer r.lock.Unlock()
	removed := make([]Transport, 0, len(r.types))
	for _, tt := range r.types {
		removed = append(removed, r.transports[tt])
	}
	r.types = nil
	r.transports = make(map[string]Transport)
	return removed
}

// Types returns the registered types in registration order
func (r *TransportRegistry) Types() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]string(nil), r.types...)
}

func (r *TransportRegistry) ordered() []Transport {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ts := make([]Transport, 0, len(r.types))
	for _, tt := range r.types {
		ts = append(ts, r.transports[tt])
	}
	return ts
}

// FindTypes returns, in registration order, the types whose transport
// accepts the arguments
func (r *TransportRegistry) FindTypes(version string, crossDomain bool, url string) []string {
	types := make([]string, 0)
	for _, t := range r.ordered() {
		if t.Accept(version, crossDomain, url) {
			types = append(types, t.Type())
		}
	}
	return types
}

// Negotiate returns the first transport, in registration order, whose type
// is one of the candidates and that accepts the arguments. The order of the
// candidates does not matter.
func (r *TransportRegistry) Negotiate(candidates []string, version string, crossDomain bool, url string) Transport {
	for _, t := range r.ordered() {
		for _, candidate := range candidates {
			if t.Type() == candidate && t.Accept(version, crossDomain, url) {
				return t
			}
		}
	}
	return nil
}

// Reset forwards the reset to every registered transport
func (r *TransportRegistry) Reset(initial bool) {
	for _, t := range r.ordered() {
		t.Reset(initial)
	}
}
