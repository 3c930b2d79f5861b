package gobayeux

import (
	"fmt"
	"sync"
)

// MessageExtender defines the interface that extensions are expected to
// implement.
//
// Outgoing is called for every message the client sends, Incoming for every
// message it receives. Returning false drops the message. The message passed
// to the hooks is a copy, so an extension that panics leaves the original
// untouched.
type MessageExtender interface {
	Outgoing(*Message) bool
	Incoming(*Message) bool
	Registered(extensionName string, client *Client)
	Unregistered()
}

type extensionEntry struct {
	name      string
	extension MessageExtender
}

// extensionPipeline is the ordered list of registered extensions. Outgoing
// messages go through it in registration order, incoming messages in reverse
// registration order.
type extensionPipeline struct {
	lock    sync.RWMutex
	entries []extensionEntry
}

func (p *extensionPipeline) add(name string, ext MessageExtender) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, e := range p.entries {
		if e.name == name {
			return AlreadyRegisteredError{name}
		}
	}
	p.entries = append(p.entries, extensionEntry{name, ext})
	return nil
}

func (p *extensionPipeline) remove(name string) MessageExtender {
	p.lock.Lock()
	defer p.lock.Unlock()
	for i, e := range p.entries {
		if e.name == name {
			p.entries = append(p.entries[:i:i], p.entries[i+1:]...)
			return e.extension
		}
	}
	return nil
}

func (p *extensionPipeline) find(name string) MessageExtender {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for _, e := range p.entries {
		if e.name == name {
			return e.extension
		}
	}
	return nil
}

func (p *extensionPipeline) snapshot() []extensionEntry {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return append([]extensionEntry(nil), p.entries...)
}

// extensionFailureFunc is told about an extension that panicked while
// processing a message
type extensionFailureFunc func(err error, name string, outgoing bool, m *Message)

func (p *extensionPipeline) outgoing(m *Message, onFailure extensionFailureFunc) *Message {
	for _, e := range p.snapshot() {
		m = applyExtension(e, m, true, onFailure)
		if m == nil {
			return nil
		}
	}
	return m
}

func (p *extensionPipeline) incoming(m *Message, onFailure extensionFailureFunc) *Message {
	entries := p.snapshot()
	for i := len(entries) - 1; i >= 0; i-- {
		m = applyExtension(entries[i], m, false, onFailure)
		if m == nil {
			return nil
		}
	}
	return m
}

func applyExtension(e extensionEntry, m *Message, outgoing bool, onFailure extensionFailureFunc) (result *Message) {
	work := m.Clone()
	defer func() {
		if r := recover(); r != nil {
			onFailure(panicError(r), e.name, outgoing, m)
			result = m
		}
	}()

	hook := e.extension.Incoming
	if outgoing {
		hook = e.extension.Outgoing
	}
	if !hook(work) {
		return nil
	}
	return work
}

// PanicError wraps a value recovered from a panic in a user supplied
// extension, listener or callback
type PanicError struct {
	Value interface{}
}

func (e PanicError) Error() string {
	return fmt.Sprintf("recovered from panic: %v", e.Value)
}

func (e PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func panicError(r interface{}) error {
	return PanicError{r}
}
