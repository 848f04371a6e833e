package syncx

import (
	"sync"
	"time"
)

// Broadcast fans values out to subscribers without blocking the publisher.
// A subscriber whose buffer is full misses the value.
type Broadcast[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	buffer int
	closed bool
}

// NewBroadcast creates a broadcaster whose subscriber channels hold buffer values.
func NewBroadcast[T any](buffer int) *Broadcast[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcast[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a receiver. The returned cancel func closes the channel
// and may be called more than once. Subscribing after Close yields a closed channel.
func (b *Broadcast[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber with room. It returns the number of
// subscribers that received it; publishing after Close delivers nothing.
func (b *Broadcast[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	n := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			n++
		default:
		}
	}
	return n
}

// PublishWait delivers v like Publish but waits, up to timeout in total, for
// full subscribers to make room. Subscribers cannot cancel while it waits.
func (b *Broadcast[T]) PublishWait(v T, timeout time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	expired := false

	n := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			n++
			continue
		default:
		}
		if expired {
			continue
		}
		select {
		case ch <- v:
			n++
		case <-deadline.C:
			expired = true
		}
	}
	return n
}

// Close closes every subscriber channel. Safe to call repeatedly.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Len returns the number of live subscribers.
func (b *Broadcast[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
