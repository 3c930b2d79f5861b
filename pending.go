package gobayeux

import (
	"sort"

	"go.opentelemetry.io/otel/trace"
)

// pendingCall is the bookkeeping for a request whose reply has not been
// received yet
type pendingCall struct {
	seq      uint64
	message  *Message
	callback MessageCallback
	timer    Timer
	span     trace.Span
	remote   bool
}

// pendingTable correlates message ids with callbacks. It is owned by the
// client executor. Every entry leaves the table exactly once through take or
// drain.
type pendingTable struct {
	calls map[string]*pendingCall
	seq   uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (p *pendingTable) add(id string, call *pendingCall) {
	p.seq++
	call.seq = p.seq
	p.calls[id] = call
}

// take removes the entry for id and stops its timer
func (p *pendingTable) take(id string) (*pendingCall, bool) {
	call, ok := p.calls[id]
	if !ok {
		return nil, false
	}
	delete(p.calls, id)
	if call.timer != nil {
		call.timer.Stop()
	}
	return call, true
}

func (p *pendingTable) isRemote(id string) bool {
	call, ok := p.calls[id]
	return ok && call.remote
}

// drain empties the table and returns the entries in the order they were
// added
func (p *pendingTable) drain() []*pendingCall {
	calls := make([]*pendingCall, 0, len(p.calls))
	for id := range p.calls {
		call, _ := p.take(id)
		calls = append(calls, call)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].seq < calls[j].seq })
	return calls
}

func (p *pendingTable) len() int {
	return len(p.calls)
}
