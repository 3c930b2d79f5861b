// Package timestamp stamps every outgoing message with the time it was sent.
package timestamp

import (
	"net/http"
	"time"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

// ExtensionName is the name the extension is conventionally registered with
const ExtensionName = "timestamp"

// Extension sets the timestamp field of outgoing messages, in the HTTP date
// format, e.g. "Sun, 18 Oct 2026 10:00:00 GMT"
type Extension struct {
	now func() time.Time
}

// New creates the timestamp extension
func New() *Extension {
	return &Extension{now: time.Now}
}

// Outgoing implements bayeux.MessageExtender
func (e *Extension) Outgoing(m *bayeux.Message) bool {
	m.Timestamp = e.now().UTC().Format(http.TimeFormat)
	return true
}

// Incoming implements bayeux.MessageExtender
func (e *Extension) Incoming(*bayeux.Message) bool {
	return true
}

// Registered implements bayeux.MessageExtender
func (e *Extension) Registered(string, *bayeux.Client) {}

// Unregistered implements bayeux.MessageExtender
func (e *Extension) Unregistered() {}
