package syncx

import (
	"testing"
	"time"
)

func TestBroadcastDelivers(t *testing.T) {
	b := NewBroadcast[int](4)
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelA()
	defer cancelC()

	if n := b.Publish(7); n != 2 {
		t.Fatalf("Publish reached %d subscribers, want 2", n)
	}
	for _, ch := range []<-chan int{a, c} {
		select {
		case v := <-ch:
			if v != 7 {
				t.Errorf("got %d, want 7", v)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBroadcastSlowSubscriber(t *testing.T) {
	b := NewBroadcast[int](1)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(1)
	if n := b.Publish(2); n != 0 {
		t.Errorf("full subscriber should be skipped, reached %d", n)
	}
	if v := <-ch; v != 1 {
		t.Errorf("got %d, want 1", v)
	}
}

func TestBroadcastCancelAndClose(t *testing.T) {
	b := NewBroadcast[string](2)
	ch1, cancel1 := b.Subscribe()
	ch2, _ := b.Subscribe()

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("cancelled channel still open")
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}

	b.Close()
	b.Close()
	if _, ok := <-ch2; ok {
		t.Error("channel open after Close")
	}
	if n := b.Publish("late"); n != 0 {
		t.Errorf("Publish after Close reached %d", n)
	}
	ch3, cancel3 := b.Subscribe()
	cancel3()
	if _, ok := <-ch3; ok {
		t.Error("subscribe after Close should yield a closed channel")
	}
}

func TestBroadcastPublishWait(t *testing.T) {
	b := NewBroadcast[int](1)
	ch, cancel := b.Subscribe()
	defer cancel()
	b.Publish(1)

	done := make(chan int)
	go func() { done <- b.PublishWait(2, time.Second) }()

	if v := <-ch; v != 1 {
		t.Fatalf("got %d, want 1", v)
	}
	if v := <-ch; v != 2 {
		t.Errorf("got %d, want 2", v)
	}
	if n := <-done; n != 1 {
		t.Errorf("PublishWait reached %d subscribers, want 1", n)
	}
}

func TestBroadcastPublishWaitTimesOut(t *testing.T) {
	b := NewBroadcast[int](1)
	stuck, cancelStuck := b.Subscribe()
	defer cancelStuck()
	b.Publish(1)
	ready, cancelReady := b.Subscribe()
	defer cancelReady()

	start := time.Now()
	if n := b.PublishWait(2, 20*time.Millisecond); n != 1 {
		t.Errorf("PublishWait reached %d subscribers, want 1", n)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("PublishWait blocked for %s", d)
	}
	if v := <-ready; v != 2 {
		t.Errorf("ready subscriber got %d, want 2", v)
	}
	if v := <-stuck; v != 1 {
		t.Errorf("stuck subscriber got %d, want 1", v)
	}
}
