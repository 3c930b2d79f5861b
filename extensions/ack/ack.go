// Package ack implements the CometD message acknowledgement extension.
//
// When the server supports it, every /meta/connect carries the id of the
// last batch of messages the client received, so that the server can deliver
// again the messages lost on a broken connection.
package ack

import (
	"sync"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

// ExtensionName is the name the extension is conventionally registered with
const ExtensionName = "ack"

// Extension acknowledges the message batches received with /meta/connect
type Extension struct {
	lock            sync.Mutex
	logger          bayeux.Logger
	disabled        bool
	serverSupported bool
	batch           int64
}

// New creates an enabled acknowledgement extension
func New() *Extension {
	return &Extension{logger: bayeux.NullLogger()}
}

// SetEnabled controls whether acknowledgement is requested on the next
// handshake
func (e *Extension) SetEnabled(enabled bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.disabled = !enabled
}

// ServerSupportsAcks reports whether the server accepted acknowledgement on
// the last handshake
func (e *Extension) ServerSupportsAcks() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.serverSupported
}

// Batch is the id of the last batch received
func (e *Extension) Batch() int64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.batch
}

// Outgoing implements bayeux.MessageExtender
func (e *Extension) Outgoing(m *bayeux.Message) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	switch m.Channel {
	case bayeux.MetaHandshake:
		m.GetExt(true)["ack"] = !e.disabled
		e.serverSupported = false
		e.batch = 0
	case bayeux.MetaConnect:
		if e.serverSupported {
			m.GetExt(true)["ack"] = e.batch
			e.logger.WithField("batch", e.batch).Debug("sending batch")
		}
	}
	return true
}

// Incoming implements bayeux.MessageExtender. The server answers the
// handshake with either a boolean or an object carrying enabled and the
// initial batch.
func (e *Extension) Incoming(m *bayeux.Message) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	ext := m.GetExt(false)
	switch m.Channel {
	case bayeux.MetaHandshake:
		switch v := ext["ack"].(type) {
		case bool:
			e.serverSupported = v
		case map[string]interface{}:
			e.serverSupported = v["enabled"] == true
			if batch, ok := number(v["batch"]); ok {
				e.batch = batch
			}
		}
		e.logger.WithField("supported", e.serverSupported).Debug("server acknowledgement support")
	case bayeux.MetaConnect:
		if !m.Successful || !e.serverSupported {
			break
		}
		if batch, ok := number(ext["ack"]); ok {
			e.batch = batch
			e.logger.WithField("batch", batch).Debug("server sent batch")
		}
	}
	return true
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

// number converts a JSON number decoded into an interface{} or set by Go
// code
func number(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
