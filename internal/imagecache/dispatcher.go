package imagecache

import (
	"context"
	"sync"
)

// Dispatcher runs completions on the goroutine that owns the UI.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

// Dispatch calls f(fn).
func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Immediate runs completions on the goroutine that produced them.
var Immediate Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// MainLoop queues completions until the UI goroutine drains them with Run
// or Drain. The zero value is not usable; create one with NewMainLoop.
type MainLoop struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

// NewMainLoop creates an empty queue.
func NewMainLoop() *MainLoop {
	return &MainLoop{notify: make(chan struct{}, 1)}
}

// Dispatch queues fn. It never blocks.
func (l *MainLoop) Dispatch(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued completions.
func (l *MainLoop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Drain runs every queued completion on the calling goroutine and returns
// how many ran. Completions queued while draining run in the same call.
func (l *MainLoop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
		}
		n += len(batch)
	}
}

// Run drains the queue whenever work arrives until ctx is done.
func (l *MainLoop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.notify:
		}
	}
}
