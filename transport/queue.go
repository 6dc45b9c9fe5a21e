package transport

import (
	"context"
	"sync"

	"github.com/telnet2/go-practice/go-runspace/engine"
)

// eventQueue is an unbounded FIFO so the connection's read loop never
// blocks on a slow consumer.
type eventQueue struct {
	mu     sync.Mutex
	items  []engine.Event
	notify chan struct{}
	closed bool
	err    error
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev engine.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns queued events first; once the queue is empty and closed it
// returns the close error.
func (q *eventQueue) pop(ctx context.Context) (engine.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = engine.Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return engine.Event{}, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return engine.Event{}, ctx.Err()
		}
	}
}

func (q *eventQueue) close(err error) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

// abort discards anything still queued and closes the queue with err.
func (q *eventQueue) abort(err error) {
	q.mu.Lock()
	q.items = nil
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}
