package gobayeux

import (
	"fmt"
)

const (
	// ErrClientNotConnected is returned when the client is not connected
	ErrClientNotConnected = sentinel("client not connected to server")

	// ErrNoTransport is returned when no registered transport can be
	// negotiated with the server
	ErrNoTransport = sentinel("could not negotiate a transport with the server")

	// ErrConcurrentMetaConnect is returned when a /meta/connect is sent while
	// another one is still outstanding
	ErrConcurrentMetaConnect = sentinel("concurrent /meta/connect requests are not allowed")

	// ErrUnbalancedBatch is returned when EndBatch is called more times than
	// StartBatch
	ErrUnbalancedBatch = sentinel("calls to EndBatch are not balanced with calls to StartBatch")

	// ErrMissingListener is returned when a listener or subscription is added
	// without a callback
	ErrMissingListener = sentinel("a callback is required to listen to a channel")

	// ErrMissingSubscription is returned when removing a nil or foreign
	// subscription handle
	ErrMissingSubscription = sentinel("subscription is not registered with this client")

	// ErrFailedToConnect is a general connection error
	ErrFailedToConnect = sentinel("connect request was not successful")
)

type sentinel string

func (s sentinel) Error() string {
	return string(s)
}

// ConnectionFailedError describes an unsuccessful /meta/connect reply
type ConnectionFailedError struct {
	Err error
}

func (e ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection failed (%s)", e.Err)
}

func (e ConnectionFailedError) Unwrap() error {
	return e.Err
}

// HandshakeFailedError describes an unsuccessful /meta/handshake reply
type HandshakeFailedError struct {
	Err error
}

func (e HandshakeFailedError) Error() string {
	return e.Err.Error()
}

func (e HandshakeFailedError) Unwrap() error {
	return e.Err
}

func newHandshakeError(msg string) *HandshakeFailedError {
	return &HandshakeFailedError{
		fmt.Errorf("handshake was not successful: %s", msg),
	}
}

// SubscriptionFailedError is returned for any errors on Subscribe
type SubscriptionFailedError struct {
	Channels []Channel
	Err      error
}

func (e SubscriptionFailedError) Error() string {
	return fmt.Sprintf("subscription failed (%s)", e.Err)
}

func (e SubscriptionFailedError) Unwrap() error {
	return e.Err
}

// UnsubscribeFailedError is returned for any errors on Unsubscribe
type UnsubscribeFailedError struct {
	Channels []Channel
	Err      error
}

func (e UnsubscribeFailedError) Error() string {
	return fmt.Sprintf("unsubscribe failed (%s)", e.Err)
}

func (e UnsubscribeFailedError) Unwrap() error {
	return e.Err
}

// ActionFailedError carries the error string of an unsuccessful reply to an
// action performed on channels
type ActionFailedError struct {
	Action       string
	ErrorMessage string
}

func (e ActionFailedError) Error() string {
	return fmt.Sprintf("unable to %s channels: %s", e.Action, e.ErrorMessage)
}

func newSubscribeError(msg string) *ActionFailedError {
	return &ActionFailedError{"subscribe to", msg}
}

func newUnsubscribeError(msg string) *ActionFailedError {
	return &ActionFailedError{"unsubscribe from", msg}
}

func newPublishError(msg string) *ActionFailedError {
	return &ActionFailedError{"publish to", msg}
}

// DisconnectFailedError is returned when the call to Disconnect fails
type DisconnectFailedError struct {
	Err error
}

func (e DisconnectFailedError) Error() string {
	msg := "unable to disconnect from Bayeux server"

	if e.Err == nil {
		return msg
	}

	return fmt.Sprintf("%s (%s)", msg, e.Err)
}

func (e DisconnectFailedError) Unwrap() error {
	return e.Err
}

// AlreadyRegisteredError signifies that an extension or transport is already
// registered with the client under the given name
type AlreadyRegisteredError struct {
	Name string
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("already registered: %s", e.Name)
}

// BadResponseError is returned when we get an unexpected HTTP response from the server
type BadResponseError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e BadResponseError) Error() string {
	return fmt.Sprintf(
		"expected 200 response from bayeux server, got %d with status '%s' and body '%s'",
		e.StatusCode,
		e.Status,
		e.Body,
	)
}

// InvalidChannelError is the result of a failure to validate a channel name
type InvalidChannelError struct {
	Channel
}

func (e InvalidChannelError) Error() string {
	return fmt.Sprintf("channel %q appears to not be a valid channel", e.Channel)
}

// ErrMessageUnparsable is returned when we fail to parse a message
type ErrMessageUnparsable string

func (e ErrMessageUnparsable) Error() string {
	return fmt.Sprintf("error message not parseable: %s", string(e))
}

// BadStateError is returned when the state machine transition is not valid
type BadStateError struct {
	CurrentState int32
	ToState      int32
	Message      string
}

func (e BadStateError) Error() string {
	return fmt.Sprintf("%s, (current: %s, to: %s)", e.Message, stateName(e.CurrentState), stateName(e.ToState))
}

// BadHandshakeError is returned when trying to handshake but not disconnected
type BadHandshakeError struct {
	*BadStateError
}

func newBadHandshake(current, to int32) *BadHandshakeError {
	return &BadHandshakeError{
		&BadStateError{
			Message:      "attempting to handshake but not in disconnected state",
			CurrentState: current,
			ToState:      to,
		},
	}
}

// UnknownEventTypeError is returned when the next state is unknown
type UnknownEventTypeError struct {
	Event
}

func (e UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type (%q)", e.Event)
}

// ReplyError converts an unsuccessful reply into the error type matching its
// channel. It returns nil for successful replies.
func ReplyError(m *Message) error {
	if m == nil || m.Successful {
		return nil
	}
	msg := m.Error
	if msg == "" && m.Failure != nil {
		msg = m.Failure.Reason
	}
	switch m.Channel {
	case MetaHandshake:
		return newHandshakeError(msg)
	case MetaConnect:
		return ConnectionFailedError{fmt.Errorf("%w: %s", ErrFailedToConnect, msg)}
	case MetaDisconnect:
		return DisconnectFailedError{fmt.Errorf("%s", msg)}
	case MetaSubscribe:
		return SubscriptionFailedError{[]Channel{m.Subscription}, newSubscribeError(msg)}
	case MetaUnsubscribe:
		return UnsubscribeFailedError{[]Channel{m.Subscription}, newUnsubscribeError(msg)}
	default:
		return newPublishError(msg)
	}
}
