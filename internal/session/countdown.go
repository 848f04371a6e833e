package session

import (
	"sync"
	"time"
)

// tickSource yields ticks every d until its stop func is called.
type tickSource func(d time.Duration) (<-chan time.Time, func())

func realTicks(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// countdown fires onTick with the ticks left after each interval and
// onExpire once when none remain. It can be stopped exactly once.
type countdown struct {
	ticks    int
	interval time.Duration
	source   tickSource
	onTick   func(remaining int)
	onExpire func()

	stop     chan struct{}
	stopOnce sync.Once
}

func newCountdown(ticks int, interval time.Duration, source tickSource, onTick func(int), onExpire func()) *countdown {
	if source == nil {
		source = realTicks
	}
	return &countdown{
		ticks:    ticks,
		interval: interval,
		source:   source,
		onTick:   onTick,
		onExpire: onExpire,
		stop:     make(chan struct{}),
	}
}

func (c *countdown) start() { go c.run() }

func (c *countdown) run() {
	ticks, stop := c.source(c.interval)
	defer stop()

	remaining := c.ticks
	for {
		select {
		case <-c.stop:
			return
		case <-ticks:
			remaining--
			c.onTick(remaining)
			if remaining <= 0 {
				c.onExpire()
				return
			}
		}
	}
}

// Stop cancels the countdown. Safe to call repeatedly, including from onExpire.
func (c *countdown) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
