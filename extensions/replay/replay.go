package replay

import (
	"sync"
	"sync/atomic"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

const (
	// ExtensionName is the name used by Salesforce for its Bayeux extensions
	ExtensionName string = "replay"

	// ReplayNewEvents asks the server for the events published after the
	// subscription only
	ReplayNewEvents int = -1
	// ReplayAllEvents asks the server for every event it retains
	ReplayAllEvents int = -2
)

// Extension represents the structure of the Salesforce Bayeux
// Message Extension and manages the state
type Extension struct {
	supportedByServer atomic.Bool
	replayStore       IDStorer

	lock   sync.Mutex
	logger bayeux.Logger
}

// IDStorer stores and manages the channels and replay IDs for a bayeux
// server that supports the replay extension
type IDStorer interface {
	Set(channel string, replayID int)
	Get(channel string) (int, bool)
	Delete(channel string)
	AsMap() map[string]int
}

// New creates a new extension instance keeping its replay ids in store. A nil
// store means a fresh MapStorage.
func New(store IDStorer) *Extension {
	if store == nil {
		store = NewMapStorage()
	}
	return &Extension{replayStore: store}
}

// Outgoing attaches any additional metadata to a message
func (e *Extension) Outgoing(ms *bayeux.Message) bool {
	switch ms.Channel {
	case bayeux.MetaHandshake:
		e.supportedByServer.Store(false)
		ext := ms.GetExt(true)
		ext[ExtensionName] = true
	case bayeux.MetaSubscribe:
		if e.isSupported() {
			ext := ms.GetExt(true)
			ext[ExtensionName] = e.replayStore.AsMap()
		}
	}
	return true
}

// Incoming records the replay ids of broadcast events and whether the server
// supports the extension
func (e *Extension) Incoming(ms *bayeux.Message) bool {
	switch ms.Channel.Type() {
	case bayeux.MetaChannel:
		switch ms.Channel {
		case bayeux.MetaHandshake:
			if supported, ok := ms.GetExt(false)[ExtensionName].(bool); ok && supported {
				e.supportedByServer.Store(true)
				e.log().Debug("server supports replay")
			}
		case bayeux.MetaUnsubscribe:
			if ms.Successful {
				e.replayStore.Delete(string(ms.Subscription))
			}
		}
	case bayeux.BroadcastChannel:
		e.updateReplayID(ms)
	}
	return true
}

// Registered is called after an extension has been successfully registered
func (e *Extension) Registered(extensionName string, client *bayeux.Client) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if client != nil {
		e.logger = client.Logger().WithField("extension", extensionName)
	}
}

// Unregistered is called when an extension is unregistered
func (e *Extension) Unregistered() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.logger = nil
	e.supportedByServer.Store(false)
}

type eventData struct {
	Event struct {
		ReplayID *int `json:"replayId"`
	} `json:"event"`
}

func (e *Extension) updateReplayID(ms *bayeux.Message) {
	var data eventData
	if err := ms.DecodeData(&data); err != nil || data.Event.ReplayID == nil {
		return
	}
	e.replayStore.Set(string(ms.Channel), *data.Event.ReplayID)
}

func (e *Extension) isSupported() bool {
	return e.supportedByServer.Load()
}

func (e *Extension) log() bayeux.Logger {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.logger == nil {
		return bayeux.NullLogger()
	}
	return e.logger
}

// MapStorage implements the IDStorer interface over a regular map with a
// RWMutex protecting the access
type MapStorage struct {
	store map[string]int
	lock  sync.RWMutex
}

// NewMapStorage creates a new MapStorage instance
func NewMapStorage() *MapStorage {
	return &MapStorage{store: make(map[string]int)}
}

// Set implements the IDStorer interface
func (s *MapStorage) Set(channel string, replayID int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.store[channel] = replayID
}

// Get implements the IDStorer interface
func (s *MapStorage) Get(channel string) (replayID int, ok bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	replayID, ok = s.store[channel]
	return
}

// Delete implements the IDStorer interface
func (s *MapStorage) Delete(channel string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.store, channel)
}

// AsMap implements the IDStorer interface
func (s *MapStorage) AsMap() map[string]int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	replay := make(map[string]int, len(s.store))
	for k, v := range s.store {
		replay[k] = v
	}
	return replay
}
