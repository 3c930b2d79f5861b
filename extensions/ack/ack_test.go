package ack

import (
	"testing"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

func TestOutgoingHandshake(t *testing.T) {
	testCases := []struct {
		name    string
		enabled bool
	}{
		{"enabled", true},
		{"disabled", false},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			e := New()
			e.SetEnabled(tc.enabled)
			m := &bayeux.Message{Channel: bayeux.MetaHandshake}
			if !e.Outgoing(m) {
				t.Fatal("expected the message to be kept")
			}
			if got := m.Ext["ack"]; got != tc.enabled {
				t.Errorf("expected ext.ack = %v, got %v", tc.enabled, got)
			}
		})
	}
}

func TestIncomingHandshake(t *testing.T) {
	testCases := []struct {
		name      string
		ext       map[string]interface{}
		supported bool
		batch     int64
	}{
		{"boolean true", map[string]interface{}{"ack": true}, true, 0},
		{"boolean false", map[string]interface{}{"ack": false}, false, 0},
		{"object", map[string]interface{}{"ack": map[string]interface{}{"enabled": true, "batch": float64(7)}}, true, 7},
		{"object disabled", map[string]interface{}{"ack": map[string]interface{}{"enabled": false}}, false, 0},
		{"missing", nil, false, 0},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			e := New()
			e.Outgoing(&bayeux.Message{Channel: bayeux.MetaHandshake})
			e.Incoming(&bayeux.Message{Channel: bayeux.MetaHandshake, Successful: true, Ext: tc.ext})
			if got := e.ServerSupportsAcks(); got != tc.supported {
				t.Errorf("expected support %v, got %v", tc.supported, got)
			}
			if got := e.Batch(); got != tc.batch {
				t.Errorf("expected batch %d, got %d", tc.batch, got)
			}
		})
	}
}

func TestConnectBatch(t *testing.T) {
	e := New()
	e.Outgoing(&bayeux.Message{Channel: bayeux.MetaHandshake})
	e.Incoming(&bayeux.Message{Channel: bayeux.MetaHandshake, Successful: true, Ext: map[string]interface{}{"ack": true}})

	connect := &bayeux.Message{Channel: bayeux.MetaConnect}
	e.Outgoing(connect)
	if got := connect.Ext["ack"]; got != int64(0) {
		t.Errorf("expected the first connect to acknowledge batch 0, got %v", got)
	}

	e.Incoming(&bayeux.Message{Channel: bayeux.MetaConnect, Successful: true, Ext: map[string]interface{}{"ack": float64(3)}})
	e.Incoming(&bayeux.Message{Channel: bayeux.MetaConnect, Successful: false, Ext: map[string]interface{}{"ack": float64(9)}})

	connect = &bayeux.Message{Channel: bayeux.MetaConnect}
	e.Outgoing(connect)
	if got := connect.Ext["ack"]; got != int64(3) {
		t.Errorf("expected batch 3 to be acknowledged, got %v", got)
	}

	e.Outgoing(&bayeux.Message{Channel: bayeux.MetaHandshake})
	if e.Batch() != 0 || e.ServerSupportsAcks() {
		t.Error("expected a new handshake to reset the state")
	}
}

func TestConnectWithoutServerSupport(t *testing.T) {
	e := New()
	e.Outgoing(&bayeux.Message{Channel: bayeux.MetaHandshake})
	e.Incoming(&bayeux.Message{Channel: bayeux.MetaHandshake, Successful: true})

	connect := &bayeux.Message{Channel: bayeux.MetaConnect}
	e.Outgoing(connect)
	if _, ok := connect.Ext["ack"]; ok {
		t.Error("expected no acknowledgement without server support")
	}
}
