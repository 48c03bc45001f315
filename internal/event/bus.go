package event

import "sync"

// Handler receives events from a Bus. Handlers run on the bus dispatcher
// goroutine, one event at a time, in publish order.
type Handler func(Event)

// Publisher is the producer side of a Bus.
type Publisher interface {
	Publish(Event)
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out to all subscribers on a single dispatcher goroutine.
//
// Publish never blocks: events are queued without bound so that a producer
// (the session actor) can never deadlock against a subscriber that calls
// back into it. Nothing is dropped or coalesced.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	subs    []subscription
	nextID  uint64
	closed  bool
	idle    bool

	done chan struct{}
}

// NewBus creates a Bus and starts its dispatcher.
func NewBus() *Bus {
	b := &Bus{done: make(chan struct{}), idle: true}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe registers h and returns a function that removes it.
// Subscribers see events in the order they subscribed.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues ev for delivery. Events published after Close are discarded.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, ev)
	b.idle = false
	b.cond.Broadcast()
}

// Flush blocks until every event published so far has been delivered.
func (b *Bus) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.idle && !b.closed {
		b.cond.Wait()
	}
}

// Close delivers queued events, stops the dispatcher and waits for it to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.pending) == 0 && !b.closed {
			b.idle = true
			b.cond.Broadcast()
			b.cond.Wait()
		}
		if len(b.pending) == 0 && b.closed {
			b.idle = true
			b.cond.Broadcast()
			b.mu.Unlock()
			return
		}
		ev := b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		subs := make([]subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			s.handler(ev)
		}
	}
}
