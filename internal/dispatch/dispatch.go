// Package dispatch runs callbacks in order on a single worker goroutine.
package dispatch

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/billm/baaaht/awareness/internal/logger"
)

// Dispatcher runs callbacks one at a time, in the order they were posted,
// on a single worker goroutine. The backlog is unbounded so posting never
// blocks a caller that holds a lock.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool
	done    chan struct{}
	logger  *logger.Logger
}

// New starts a dispatcher. A nil logger discards panic reports.
func New(log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDiscard()
	}
	d := &Dispatcher{
		pending: queue.New(),
		done:    make(chan struct{}),
		logger:  log,
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Post queues fn. It reports false once the dispatcher is closed.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.pending.Add(fn)
	d.cond.Signal()
	return true
}

// Flush blocks until every callback posted before it has run
func (d *Dispatcher) Flush() {
	done := make(chan struct{})
	if !d.Post(func() { close(done) }) {
		<-d.done
		return
	}
	<-done
}

// Backlog returns the number of callbacks waiting to run
func (d *Dispatcher) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Length()
}

// Close stops accepting callbacks, runs the ones already queued and waits
// for the worker to exit. Calling Close from a callback deadlocks.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	<-d.done
}

// Closed reports whether Close has been called
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for d.pending.Length() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.pending.Length() == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.pending.Remove().(func())
		d.mu.Unlock()

		d.invoke(fn)
	}
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Callback panicked", "panic", r)
		}
	}()
	fn()
}
