package connection

import (
	"bytes"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// entry is one registered listener. Once inactive it is skipped by every
// delivery that has not started yet.
type entry[T any] struct {
	fn     func(T)
	active atomic.Bool
}

func newEntry[T any](fn func(T)) *entry[T] {
	e := &entry[T]{fn: fn}
	e.active.Store(true)
	return e
}

// deliver calls the listener if it is still registered.
func (e *entry[T]) deliver(v T) {
	if e.active.Load() {
		e.fn(v)
	}
}

// notifier is a FIFO of pending listener calls. One goroutine at a time
// owns the queue and runs calls in enqueue order. Every other goroutine
// that drains blocks until the calls queued before it have run, so a
// supervisor operation returns only after its listeners were called.
type notifier struct {
	logger *slog.Logger

	mu       sync.Mutex
	done     *sync.Cond
	queue    []func()
	queued   uint64 // Calls ever enqueued
	finished uint64 // Calls ever run
	owner    uint64 // Goroutine running calls, 0 when idle
}

func newNotifier(logger *slog.Logger) *notifier {
	n := &notifier{logger: logger}
	n.done = sync.NewCond(&n.mu)
	return n
}

// enqueue appends calls. Callers hold the supervisor lock so enqueue order
// matches transition order.
func (n *notifier) enqueue(calls ...func()) {
	n.mu.Lock()
	n.queue = append(n.queue, calls...)
	n.queued += uint64(len(calls))
	n.mu.Unlock()
}

// owned reports whether the calling goroutine is running listener calls,
// that is, whether it is inside a listener callback.
func (n *notifier) owned() bool {
	id := goroutineID()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.owner == id
}

// drain returns once every call enqueued so far has run. If no goroutine
// owns the queue the caller takes it over; otherwise it waits for the
// owner. Called from inside a listener it returns at once and the owner
// runs the new calls after the current one.
// Must be called without the supervisor lock held.
func (n *notifier) drain() {
	id := goroutineID()

	n.mu.Lock()
	defer n.mu.Unlock()

	target := n.queued
	for n.finished < target {
		switch n.owner {
		case id:
			return
		case 0:
			n.runQueueLocked(id)
		default:
			n.done.Wait()
		}
	}
}

// runQueueLocked runs calls until the queue is empty. n.mu is released
// while each call runs.
func (n *notifier) runQueueLocked(id uint64) {
	n.owner = id
	for len(n.queue) > 0 {
		call := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()

		n.run(call)

		n.mu.Lock()
		n.finished++
		n.done.Broadcast()
	}
	n.queue = nil
	n.owner = 0
	n.done.Broadcast()
}

// run invokes one listener call. A panicking listener is logged and does
// not stop delivery to the others.
func (n *notifier) run(call func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("listener panicked", "panic", r)
		}
	}()
	call()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the calling goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
