package gobayeux

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Configuration holds the settings of a Client
type Configuration struct {
	// URL is the Bayeux server endpoint
	URL string
	// LogLevel builds a logrus logger at that level (debug, info, warn,
	// error) when no logger option is given
	LogLevel string
	// Protocol is the WebSocket sub-protocol requested when dialing
	Protocol string
	// StickyReconnect keeps WebSocket enabled after a close, provided it
	// opened at least once
	StickyReconnect bool
	// ConnectTimeout bounds the WebSocket opening handshake. Zero means no
	// bound.
	ConnectTimeout time.Duration
	// MaxConnections is the number of concurrent HTTP requests of the
	// long-polling transport, one of which is reserved to /meta/connect
	MaxConnections int
	// BackoffIncrement is added to the backoff period on every consecutive
	// failure
	BackoffIncrement time.Duration
	// MaxBackoff caps the backoff period
	MaxBackoff time.Duration
	// MaxNetworkDelay is how long a request may wait for its response
	// before being failed
	MaxNetworkDelay time.Duration
	// RequestHeaders are added to every HTTP request and to the WebSocket
	// opening handshake
	RequestHeaders map[string]string
	// AppendMessageTypeToURL sends /meta/handshake, /meta/connect and
	// /meta/disconnect requests to <URL>/handshake and so on
	AppendMessageTypeToURL bool
	// AutoBatch groups the messages sent while a request is in flight
	AutoBatch bool
	// URLs overrides URL per transport type
	URLs map[string]string
	// MaxURILength is the maximum length of a request URI for transports
	// that put messages in the URI
	MaxURILength int
	// Advice is the default advice, overlaid by the advice of the server
	Advice Advice
	// Origin is the origin the client acts from. When its host differs from
	// the server's the session is cross-domain.
	Origin string
	// DisableWebSocket stops the WebSocket transport from being negotiated
	DisableWebSocket bool
}

// DefaultConfiguration returns the configuration used when none is given
func DefaultConfiguration() Configuration {
	return Configuration{
		StickyReconnect:        true,
		MaxConnections:         2,
		BackoffIncrement:       time.Second,
		MaxBackoff:             time.Minute,
		MaxNetworkDelay:        10 * time.Second,
		RequestHeaders:         map[string]string{},
		AppendMessageTypeToURL: true,
		URLs:                   map[string]string{},
		MaxURILength:           2000,
		Advice: Advice{
			Timeout: 60000,
		},
	}
}

// Validate checks the configuration and returns a copy with the settings
// that cannot apply to the URL switched off
func (c Configuration) Validate() (Configuration, error) {
	if c.URL == "" {
		return c, fmt.Errorf("missing required configuration parameter URL")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return c, err
	}
	if c.MaxConnections < 2 {
		return c, fmt.Errorf("MaxConnections must be at least 2, got %d", c.MaxConnections)
	}
	if c.AppendMessageTypeToURL {
		segments := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
		last := segments[len(segments)-1]
		if u.RawQuery != "" || strings.Contains(last, ".") {
			c.AppendMessageTypeToURL = false
		}
	}
	c.RequestHeaders = copyStrings(c.RequestHeaders)
	c.URLs = copyStrings(c.URLs)
	return c, nil
}

// IsCrossDomain reports whether the server URL lives on another host than
// Origin. Without an Origin the session is never cross-domain.
func (c Configuration) IsCrossDomain() bool {
	if c.Origin == "" {
		return false
	}
	origin, err := url.Parse(c.Origin)
	if err != nil {
		return false
	}
	server, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	return !strings.EqualFold(origin.Host, server.Host)
}

// transportURL is the URL to use for the transport type
func (c Configuration) transportURL(transportType string) string {
	if u, ok := c.URLs[transportType]; ok && u != "" {
		return u
	}
	return c.URL
}

func copyStrings(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// fileConfig is the TOML representation of a Configuration. Durations are
// Go duration strings such as "10s".
type fileConfig struct {
	URL                    string            `toml:"url"`
	LogLevel               string            `toml:"log_level"`
	Protocol               string            `toml:"protocol"`
	StickyReconnect        bool              `toml:"sticky_reconnect"`
	ConnectTimeout         string            `toml:"connect_timeout"`
	MaxConnections         int               `toml:"max_connections"`
	BackoffIncrement       string            `toml:"backoff_increment"`
	MaxBackoff             string            `toml:"max_backoff"`
	MaxNetworkDelay        string            `toml:"max_network_delay"`
	RequestHeaders         map[string]string `toml:"request_headers"`
	AppendMessageTypeToURL bool              `toml:"append_message_type_to_url"`
	AutoBatch              bool              `toml:"auto_batch"`
	URLs                   map[string]string `toml:"urls"`
	MaxURILength           int               `toml:"max_uri_length"`
	Advice                 Advice            `toml:"advice"`
	Origin                 string            `toml:"origin"`
	DisableWebSocket       bool              `toml:"disable_websocket"`
}

// LoadConfiguration reads a TOML file and overlays the keys it defines onto
// DefaultConfiguration
func LoadConfiguration(path string) (Configuration, error) {
	cfg := DefaultConfiguration()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Configuration{}, fmt.Errorf("load bayeux config: %w", err)
	}

	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("protocol") {
		cfg.Protocol = strings.TrimSpace(raw.Protocol)
	}
	if meta.IsDefined("sticky_reconnect") {
		cfg.StickyReconnect = raw.StickyReconnect
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("request_headers") {
		cfg.RequestHeaders = raw.RequestHeaders
	}
	if meta.IsDefined("append_message_type_to_url") {
		cfg.AppendMessageTypeToURL = raw.AppendMessageTypeToURL
	}
	if meta.IsDefined("auto_batch") {
		cfg.AutoBatch = raw.AutoBatch
	}
	if meta.IsDefined("urls") {
		cfg.URLs = raw.URLs
	}
	if meta.IsDefined("max_uri_length") {
		cfg.MaxURILength = raw.MaxURILength
	}
	if meta.IsDefined("origin") {
		cfg.Origin = strings.TrimSpace(raw.Origin)
	}
	if meta.IsDefined("disable_websocket") {
		cfg.DisableWebSocket = raw.DisableWebSocket
	}

	durations := []struct {
		key    string
		value  string
		target *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"backoff_increment", raw.BackoffIncrement, &cfg.BackoffIncrement},
		{"max_backoff", raw.MaxBackoff, &cfg.MaxBackoff},
		{"max_network_delay", raw.MaxNetworkDelay, &cfg.MaxNetworkDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Configuration{}, fmt.Errorf("load bayeux config: %s: %w", d.key, err)
		}
		*d.target = parsed
	}

	if meta.IsDefined("advice", "reconnect") {
		cfg.Advice.Reconnect = raw.Advice.Reconnect
	}
	if meta.IsDefined("advice", "timeout") {
		cfg.Advice.Timeout = raw.Advice.Timeout
	}
	if meta.IsDefined("advice", "interval") {
		cfg.Advice.Interval = raw.Advice.Interval
	}
	if meta.IsDefined("advice", "max_interval") {
		cfg.Advice.MaxInterval = raw.Advice.MaxInterval
	}
	if meta.IsDefined("advice", "hosts") {
		cfg.Advice.Hosts = raw.Advice.Hosts
	}

	return cfg, nil
}
