package gobayeux

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestSerialExecutor_Order(t *testing.T) {
	var e serialExecutor
	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		e.post(func() {
			got = append(got, i)
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("expected tasks to run in order but got %v", got)
		}
	}
}

func TestSerialExecutor_NoOverlap(t *testing.T) {
	var e serialExecutor
	var running, overlaps int32
	var lock sync.Mutex
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		go e.post(func() {
			lock.Lock()
			running++
			if running > 1 {
				overlaps++
			}
			lock.Unlock()
			time.Sleep(time.Millisecond)
			lock.Lock()
			running--
			lock.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	if overlaps != 0 {
		t.Errorf("expected tasks never to overlap but saw %d overlaps", overlaps)
	}
}

func TestSerialExecutor_AfterFunc(t *testing.T) {
	var e serialExecutor
	fired := make(chan struct{})
	timer := e.afterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected the function to run")
	}
	if timer.Stop() {
		t.Error("expected Stop after firing to return false")
	}

	stopped := e.afterFunc(10*time.Millisecond, func() { t.Error("expected a stopped timer never to run") })
	if !stopped.Stop() {
		t.Error("expected the first Stop to return true")
	}
	if stopped.Stop() {
		t.Error("expected a second Stop to return false")
	}
	time.Sleep(30 * time.Millisecond)

	var nilTimer *executorTimer
	if nilTimer.Stop() {
		t.Error("expected Stop on a nil timer to return false")
	}
}

// A timer stopped after it expired but before its task ran must not run.
func TestSerialExecutor_StopQueuedTask(t *testing.T) {
	var e serialExecutor
	block := make(chan struct{})
	e.post(func() { <-block })

	ran := false
	timer := e.afterFunc(time.Millisecond, func() { ran = true })
	time.Sleep(20 * time.Millisecond)
	if !timer.Stop() {
		t.Error("expected Stop to win over the queued task")
	}
	close(block)

	done := make(chan struct{})
	e.post(func() { close(done) })
	<-done
	if ran {
		t.Error("expected the stopped function not to run")
	}
}

func TestPendingTable(t *testing.T) {
	p := newPendingTable()
	for _, id := range []string{"3", "1", "2"} {
		p.add(id, &pendingCall{message: &Message{ID: id}, remote: id == "2"})
	}

	if _, ok := p.calls["1"]; !ok || len(p.calls) != 3 {
		t.Error("unexpected membership")
	}
	if !p.isRemote("2") || p.isRemote("1") {
		t.Error("unexpected remote flags")
	}

	call, ok := p.take("1")
	if !ok || call.message.ID != "1" {
		t.Fatalf("expected to take call 1 but got %+v", call)
	}
	if _, ok := p.take("1"); ok {
		t.Error("expected a call to be taken once")
	}

	var ids []string
	for _, call := range p.drain() {
		ids = append(ids, call.message.ID)
	}
	if !reflect.DeepEqual(ids, []string{"3", "2"}) {
		t.Errorf("expected the drained calls in insertion order but got %v", ids)
	}
	if p.len() != 0 {
		t.Errorf("expected an empty table but got %d entries", p.len())
	}
}

func TestPendingTable_TakeStopsTimer(t *testing.T) {
	var e serialExecutor
	p := newPendingTable()
	timer := e.afterFunc(time.Hour, func() {})
	p.add("1", &pendingCall{message: &Message{ID: "1"}, timer: timer})
	p.take("1")
	if timer.Stop() {
		t.Error("expected take to have stopped the timer")
	}
}
