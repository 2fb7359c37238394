package event

import (
	"sync"
)

// Bus is a per-session publish/subscribe channel for canonical events.
//
// Publish never blocks: each subscriber owns an unbounded pending queue
// drained by its own goroutine, so a slow consumer (a stalled websocket, a
// persistence hiccup) delays only itself. Delivery order per subscriber is
// the publish order, which is what gives the reducer its FIFO guarantee.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	out     chan Event
	done    chan struct{}
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new listener. The returned cancel function detaches
// the listener; its channel closes once cancelled, dropping anything the
// consumer never read. It is safe to call cancel more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{out: make(chan Event, 16), done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.run()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.out, func() {}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

// Publish delivers the event to every current subscriber in publish order.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(e)
	}
}

// Close detaches all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, e)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

// run drains the pending queue into the out channel in order. A cancelled
// subscriber stops delivery immediately even if the consumer is gone.
func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}
	}
}
