package session

import (
	"sync"
	"testing"
	"time"
)

func TestCountdown(t *testing.T) {
	ticks := make(chan time.Time, 4)
	var (
		mu      sync.Mutex
		seen    []int
		expired = make(chan struct{})
	)
	cd := newCountdown(3, time.Second,
		func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} },
		func(r int) { mu.Lock(); seen = append(seen, r); mu.Unlock() },
		func() { close(expired) },
	)
	cd.start()
	for i := 0; i < 3; i++ {
		ticks <- time.Now()
	}

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("countdown did not expire")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != 2 || seen[2] != 0 {
		t.Errorf("ticks = %v, want [2 1 0]", seen)
	}
	cd.Stop()
	cd.Stop()
}

func TestCountdownStop(t *testing.T) {
	ticks := make(chan time.Time)
	stopped := make(chan struct{})
	cd := newCountdown(1, time.Second,
		func(time.Duration) (<-chan time.Time, func()) { return ticks, func() { close(stopped) } },
		func(int) { t.Error("tick after stop") },
		func() { t.Error("expired after stop") },
	)
	cd.start()
	cd.Stop()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("tick source not released")
	}
}
