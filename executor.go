package gobayeux

import (
	"sync"
	"sync/atomic"
	"time"
)

// serialExecutor runs posted tasks one at a time in FIFO order. The drain
// goroutine is started on demand and exits once the queue is empty, so an
// idle executor holds no goroutine.
type serialExecutor struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (e *serialExecutor) post(task func()) {
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.drain()
}

func (e *serialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
	}
}

// afterFunc schedules fn on the executor once d has elapsed
func (e *serialExecutor) afterFunc(d time.Duration, fn func()) *executorTimer {
	t := &executorTimer{}
	t.timer = time.AfterFunc(d, func() {
		e.post(func() {
			if t.fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Timer is the handle of a function scheduled with Client.AfterFunc
type Timer interface {
	// Stop prevents the function from running. It returns false if the
	// function already ran or the timer was already stopped.
	Stop() bool
}

type executorTimer struct {
	timer *time.Timer
	fired atomic.Bool
}

// Stop cancels the timer. Once Stop returns true the function will never run,
// even if the underlying timer already expired and queued its task.
func (t *executorTimer) Stop() bool {
	if t == nil {
		return false
	}
	t.timer.Stop()
	return t.fired.CompareAndSwap(false, true)
}
