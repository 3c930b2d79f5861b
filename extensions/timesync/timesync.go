// Package timesync implements the CometD time synchronization extension,
// estimating the network lag and the offset between the client and server
// clocks from the timestamps carried by meta messages.
package timesync

import (
	"math"
	"sync"
	"time"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

// ExtensionName is the name the extension is conventionally registered with
const ExtensionName = "timesync"

// DefaultMaxSamples is the size of the window the estimates are averaged
// over
const DefaultMaxSamples = 10

// Extension estimates the network lag and clock offset with the server
type Extension struct {
	now        func() time.Time
	maxSamples int

	lock    sync.Mutex
	client  *bayeux.Client
	logger  bayeux.Logger
	lags    []int64
	offsets []int64
	lag     int64
	offset  int64
}

// New creates the extension averaging over maxSamples samples, or
// DefaultMaxSamples when maxSamples is not positive
func New(maxSamples int) *Extension {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Extension{
		now:        time.Now,
		maxSamples: maxSamples,
		logger:     bayeux.NullLogger(),
	}
}

type sample struct {
	TC, TS, P int64
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// Outgoing implements bayeux.MessageExtender
func (e *Extension) Outgoing(m *bayeux.Message) bool {
	if !m.IsMeta() {
		return true
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	m.GetExt(true)[ExtensionName] = map[string]interface{}{
		"tc": millis(e.now()),
		"l":  e.lag,
		"o":  e.offset,
	}
	return true
}

// Incoming implements bayeux.MessageExtender. The server echoes tc and adds
// ts, its own time, and p, the time it held the message.
func (e *Extension) Incoming(m *bayeux.Message) bool {
	if !m.IsMeta() {
		return true
	}
	s, ok := parseSample(m.GetExt(false)[ExtensionName])
	if !ok {
		return true
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	now := millis(e.now())
	lag := float64(now-s.TC-s.P) / 2
	offset := float64(s.TS-s.TC) - lag
	e.lags = append(e.lags, int64(math.Round(lag)))
	e.offsets = append(e.offsets, int64(math.Round(offset)))
	if len(e.offsets) > e.maxSamples {
		e.lags = e.lags[1:]
		e.offsets = e.offsets[1:]
	}

	var lags, offsets int64
	for i := range e.offsets {
		lags += e.lags[i]
		offsets += e.offsets[i]
	}
	n := float64(len(e.offsets))
	e.lag = int64(math.Round(float64(lags) / n))
	e.offset = int64(math.Round(float64(offsets) / n))
	e.logger.WithField("lag", e.lag).WithField("offset", e.offset).Debug("time sync")
	return true
}

func parseSample(v interface{}) (sample, bool) {
	fields, ok := v.(map[string]interface{})
	if !ok {
		return sample{}, false
	}
	var s sample
	for key, target := range map[string]*int64{"tc": &s.TC, "ts": &s.TS, "p": &s.P} {
		n, ok := fields[key].(float64)
		if !ok && key != "p" {
			return sample{}, false
		}
		*target = int64(n)
	}
	return s, true
}

// Registered implements bayeux.MessageExtender
func (e *Extension) Registered(name string, client *bayeux.Client) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.client = client
	e.logger = client.Logger().WithField("extension", name)
}

// Unregistered implements bayeux.MessageExtender. The samples are dropped.
func (e *Extension) Unregistered() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.client = nil
	e.logger = bayeux.NullLogger()
	e.lags = nil
	e.offsets = nil
}

// NetworkLag is the estimated one way network delay
func (e *Extension) NetworkLag() time.Duration {
	e.lock.Lock()
	defer e.lock.Unlock()
	return time.Duration(e.lag) * time.Millisecond
}

// TimeOffset is the estimated difference between the server clock and the
// client clock
func (e *Extension) TimeOffset() time.Duration {
	e.lock.Lock()
	defer e.lock.Unlock()
	return time.Duration(e.offset) * time.Millisecond
}

// TimeOffsetSamples returns the offset samples of the current window
func (e *Extension) TimeOffsetSamples() []time.Duration {
	e.lock.Lock()
	defer e.lock.Unlock()
	samples := make([]time.Duration, 0, len(e.offsets))
	for _, o := range e.offsets {
		samples = append(samples, time.Duration(o)*time.Millisecond)
	}
	return samples
}

// ServerTime is the current time on the server clock
func (e *Extension) ServerTime() time.Time {
	return e.now().Add(e.TimeOffset())
}

// AfterServerTime runs fn on the client once the server clock reaches at.
// It returns nil when the extension is not registered.
func (e *Extension) AfterServerTime(at time.Time, fn func()) bayeux.Timer {
	e.lock.Lock()
	client := e.client
	e.lock.Unlock()
	if client == nil {
		return nil
	}
	delay := at.Sub(e.ServerTime())
	if delay <= 0 {
		delay = time.Millisecond
	}
	return client.AfterFunc(delay, fn)
}
