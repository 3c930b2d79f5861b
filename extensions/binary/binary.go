// Package binary implements the CometD binary extension. Messages published
// with PublishBinary or RemoteCallBinary carry their bytes Z85 encoded on the
// wire; the extension converts between that and the base64 form
// encoding/json gives to bayeux.BinaryData in memory.
package binary

import (
	"encoding/json"
	"fmt"
	"sync"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

// ExtensionName is the name the extension is conventionally registered with
const ExtensionName = "binary"

// Extension converts the data of binary messages to and from Z85
type Extension struct {
	lock   sync.Mutex
	logger bayeux.Logger
}

// New creates the binary extension
func New() *Extension {
	return &Extension{logger: bayeux.NullLogger()}
}

func isBinary(m *bayeux.Message) bool {
	if m.IsMeta() || len(m.Data) == 0 {
		return false
	}
	_, ok := m.GetExt(false)[ExtensionName]
	return ok
}

// Outgoing implements bayeux.MessageExtender
func (e *Extension) Outgoing(m *bayeux.Message) bool {
	if !isBinary(m) {
		return true
	}
	data, err := rewriteData(m.Data, func(raw json.RawMessage) (interface{}, error) {
		var bytes []byte
		if err := json.Unmarshal(raw, &bytes); err != nil {
			return nil, err
		}
		return EncodeZ85(bytes), nil
	})
	if err != nil {
		e.log().WithError(err).WithField("channel", m.Channel).Warn("cannot encode binary data")
		return true
	}
	m.Data = data
	return true
}

// Incoming implements bayeux.MessageExtender
func (e *Extension) Incoming(m *bayeux.Message) bool {
	if !isBinary(m) {
		return true
	}
	data, err := rewriteData(m.Data, func(raw json.RawMessage) (interface{}, error) {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, err
		}
		return DecodeZ85(encoded)
	})
	if err != nil {
		e.log().WithError(err).WithField("channel", m.Channel).Warn("cannot decode binary data")
		return true
	}
	m.Data = data
	return true
}

// rewriteData replaces the "data" member of the binary payload with the
// result of convert
func rewriteData(payload json.RawMessage, convert func(json.RawMessage) (interface{}, error)) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	raw, ok := fields["data"]
	if !ok {
		return nil, fmt.Errorf("binary payload has no data")
	}
	converted, err := convert(raw)
	if err != nil {
		return nil, err
	}
	if fields["data"], err = json.Marshal(converted); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// Registered implements bayeux.MessageExtender
func (e *Extension) Registered(name string, client *bayeux.Client) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.logger = client.Logger().WithField("extension", name)
}

// Unregistered implements bayeux.MessageExtender
func (e *Extension) Unregistered() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.logger = bayeux.NullLogger()
}

func (e *Extension) log() bayeux.Logger {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.logger
}
