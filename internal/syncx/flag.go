package syncx

import (
	"sync"
	"sync/atomic"
)

// Flag is a non-blocking try-lock: at most one holder at a time.
type Flag struct {
	held atomic.Bool
}

// TryAcquire takes the flag if it is free.
func (f *Flag) TryAcquire() bool { return f.held.CompareAndSwap(false, true) }

// Force takes the flag regardless of its state and reports whether it was already held.
func (f *Flag) Force() bool { return f.held.Swap(true) }

// Release frees the flag. Releasing a free flag is a no-op.
func (f *Flag) Release() { f.held.Store(false) }

// Held reports whether the flag is taken.
func (f *Flag) Held() bool { return f.held.Load() }

// Latch is a one-way boolean that closes a channel when tripped.
type Latch struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
}

func (l *Latch) ch() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

// Trip sets the latch and reports whether this call was the one that set it.
func (l *Latch) Trip() bool {
	tripped := false
	l.once.Do(func() {
		close(l.ch())
		tripped = true
	})
	return tripped
}

// Tripped reports whether Trip has been called.
func (l *Latch) Tripped() bool {
	select {
	case <-l.ch():
		return true
	default:
		return false
	}
}

// Done is closed once the latch trips.
func (l *Latch) Done() <-chan struct{} { return l.ch() }
