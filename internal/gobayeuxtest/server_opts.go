package gobayeuxtest

import (
	"time"

	"github.com/sigmavirus24/gobayeux/v3"
)

type ServerOpts interface {
	apply(s *Server)
}

type serverOptFn func(s *Server)

func (opt serverOptFn) apply(s *Server) {
	opt(s)
}

// WithHandshakeError makes every handshake request fail with a 400 Bad
// Request
func WithHandshakeError(handshakeError bool) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.handshakeError = handshakeError
	})
}

// WithAdvice sets the advice attached to handshake and connect replies
func WithAdvice(advice gobayeux.Advice) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.advice = advice
	})
}

// WithConnectHold sets how long a /meta/connect is held when there is
// nothing to deliver
func WithConnectHold(hold time.Duration) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.connectHold = hold
	})
}

// WithConnectionTypes sets the connection types announced in handshake
// replies
func WithConnectionTypes(types ...string) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.connectionTypes = types
	})
}

// WithDeniedChannels makes subscriptions to the given channels fail
func WithDeniedChannels(channels ...gobayeux.Channel) ServerOpts {
	return serverOptFn(func(s *Server) {
		for _, ch := range channels {
			s.denied[ch] = true
		}
	})
}

// WithSilentServices makes the server never answer requests sent to
// /service channels
func WithSilentServices(silent bool) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.silentServices = silent
	})
}
