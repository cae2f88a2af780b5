package console

import (
	"context"
	"sync"
	"sync/atomic"
)

// Source delivers messages to subscribers in emission order. The returned
// function removes the subscription; it is safe to call from inside the
// callback and more than once.
type Source interface {
	Subscribe(fn func(Message)) (unsubscribe func())
}

type subscription struct {
	id   int64
	fn   func(Message)
	live atomic.Bool
}

type envelope struct {
	msg     Message
	barrier chan struct{}
}

// Bus is a single-producer message stream. Publish never blocks; one
// dispatcher goroutine delivers queued messages to subscribers in order, so
// callbacks for one bus never run concurrently.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []envelope
	subs   []*subscription
	nextID int64
	closed bool
	done   chan struct{}
}

// NewBus starts a bus and its dispatcher.
func NewBus() *Bus {
	b := &Bus{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Publish queues msg for delivery. It reports false once the bus is closed.
func (b *Bus) Publish(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.queue = append(b.queue, envelope{msg: msg})
	b.cond.Signal()
	return true
}

// Subscribe registers fn for every message dispatched after this call.
func (b *Bus) Subscribe(fn func(Message)) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, fn: fn}
	sub.live.Store(true)
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		if !sub.live.Swap(false) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Flush blocks until every message published before the call has been
// delivered.
func (b *Bus) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		select {
		case <-b.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.queue = append(b.queue, envelope{barrier: barrier})
	b.cond.Signal()
	b.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages, delivers what is queued and waits for the
// dispatcher to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Signal()
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		env := b.queue[0]
		b.queue[0] = envelope{}
		b.queue = b.queue[1:]
		subs := make([]*subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		if env.barrier != nil {
			close(env.barrier)
			continue
		}
		for _, s := range subs {
			if s.live.Load() {
				s.fn(env.msg)
			}
		}
	}
}
