package gobayeux

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// ListenerExceptionHandler is told about a listener or subscription callback
// that panicked while a message was dispatched to it
type ListenerExceptionHandler func(err error, subscription *Subscription, m *Message)

// ExtensionExceptionHandler is told about an extension that panicked while
// processing a message. The message continues through the pipeline
// unmodified.
type ExtensionExceptionHandler func(err error, extensionName string, outgoing bool, m *Message)

// CallbackExceptionHandler is told about a request callback that panicked
// while receiving its reply
type CallbackExceptionHandler func(err error, m *Message)

// TransportFailureHandler is told when a failed handshake makes the client
// negotiate a transport again. newType is empty when no transport could be
// negotiated and the session ends.
type TransportFailureHandler func(failure *Failure, oldType, newType string)

// Options stores the configuration gathered from the Option functions passed
// to NewClient
type Options struct {
	Logger        Logger
	Client        *http.Client
	Transport     http.RoundTripper
	Configuration *Configuration
	Dialer        *websocket.Dialer

	Metrics        *MetricsConfig
	TracerProvider trace.TracerProvider

	ListenerException  ListenerExceptionHandler
	ExtensionException ExtensionExceptionHandler
	CallbackException  CallbackExceptionHandler
	TransportFailure   TransportFailureHandler
}

// Option is a functional option for NewClient
type Option func(*Options)

// WithLogger configures the client to log through a logrus.FieldLogger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(options *Options) {
		options.Logger = &wrappedFieldLogger{logger}
	}
}

// WithHTTPClient configures the http.Client used by the long-polling
// transport. A client without a cookie jar gets one.
func WithHTTPClient(client *http.Client) Option {
	return func(options *Options) {
		options.Client = client
	}
}

// WithHTTPTransport configures the http.RoundTripper of the http.Client
// used by the long-polling transport
func WithHTTPTransport(transport http.RoundTripper) Option {
	return func(options *Options) {
		options.Transport = transport
	}
}

// WithConfiguration replaces DefaultConfiguration. The URL given to
// NewClient wins over the one in the configuration.
func WithConfiguration(config Configuration) Option {
	return func(options *Options) {
		options.Configuration = &config
	}
}

// WithDialer configures the dialer of the WebSocket transport
func WithDialer(dialer *websocket.Dialer) Option {
	return func(options *Options) {
		options.Dialer = dialer
	}
}

// WithMetrics enables the Prometheus metrics of the client. Fields left
// empty in config take their default value.
func WithMetrics(config MetricsConfig) Option {
	return func(options *Options) {
		defaults := defaultMetricsConfig()
		if config.Namespace == "" {
			config.Namespace = defaults.Namespace
		}
		if config.Subsystem == "" {
			config.Subsystem = defaults.Subsystem
		}
		if config.Registry == nil {
			config.Registry = defaults.Registry
		}
		options.Metrics = &config
	}
}

// WithTracerProvider configures where the spans of handshakes and remote
// calls are sent. The global provider is used otherwise.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(options *Options) {
		options.TracerProvider = provider
	}
}

// WithListenerExceptionHandler sets the handler for panicking listeners
func WithListenerExceptionHandler(handler ListenerExceptionHandler) Option {
	return func(options *Options) {
		options.ListenerException = handler
	}
}

// WithExtensionExceptionHandler sets the handler for panicking extensions
func WithExtensionExceptionHandler(handler ExtensionExceptionHandler) Option {
	return func(options *Options) {
		options.ExtensionException = handler
	}
}

// WithCallbackExceptionHandler sets the handler for panicking request
// callbacks
func WithCallbackExceptionHandler(handler CallbackExceptionHandler) Option {
	return func(options *Options) {
		options.CallbackException = handler
	}
}

// WithTransportFailureHandler sets the handler told about transport
// renegotiations
func WithTransportFailureHandler(handler TransportFailureHandler) Option {
	return func(options *Options) {
		options.TransportFailure = handler
	}
}
