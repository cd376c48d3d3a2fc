package live

import "sync"

// eventQueue decouples the read loop from the consumer. push never waits on
// the consumer: events pile up in an unbounded slice until they are taken from
// out.
type eventQueue struct {
	in   chan Event
	out  chan Event
	done chan struct{}
	once sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		in:   make(chan Event),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// push hands ev to the pump. It returns without queueing once the queue is
// closed.
func (q *eventQueue) push(ev Event) {
	select {
	case q.in <- ev:
	case <-q.done:
	}
}

// close stops the pump and closes out. Pending events are dropped.
func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}

func (q *eventQueue) run() {
	defer close(q.out)

	var pending []Event
	for {
		var (
			out  chan Event
			next Event
		)
		if len(pending) > 0 {
			out = q.out
			next = pending[0]
		}

		select {
		case ev := <-q.in:
			pending = append(pending, ev)
		case out <- next:
			pending[0] = Event{}
			pending = pending[1:]
		case <-q.done:
			return
		}
	}
}
