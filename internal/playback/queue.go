// Package playback serializes synthesized replies onto a single audio output.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dtpsim/voicestage/internal/audio"
	"github.com/dtpsim/voicestage/internal/syncx"
)

// Synthesizer renders text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Clip, error)
}

// Task is one text waiting to be spoken.
type Task struct {
	ID         uint64
	Text       string
	EnqueuedAt time.Time
}

// Hooks observe task outcomes. Hooks run on the drain goroutine and must not call Close.
type Hooks struct {
	OnStart  func(Task)
	OnPlayed func(Task)
	OnError  func(Task, error)
}

// Queue plays tasks strictly in order, one at a time.
type Queue struct {
	synth  Synthesizer
	player audio.Player
	hooks  Hooks

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	items   fifo[Task]
	playing syncx.Flag
	closed  bool
	nextID  uint64
	wg      sync.WaitGroup
}

// New builds a queue whose playback is bound to ctx.
func New(ctx context.Context, synth Synthesizer, player audio.Player, hooks Hooks) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	return &Queue{synth: synth, player: player, hooks: hooks, ctx: ctx, cancel: cancel}
}

// Enqueue appends text and starts draining if the output is idle.
// It returns false once the queue is closed.
func (q *Queue) Enqueue(text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.nextID++
	q.items.push(Task{ID: q.nextID, Text: text, EnqueuedAt: time.Now()})
	if q.playing.TryAcquire() {
		q.wg.Add(1)
		go q.drain()
	}
	return true
}

// Playing reports whether a task holds the output.
func (q *Queue) Playing() bool { return q.playing.Held() }

// Pending is the number of queued tasks not yet started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

// Close discards queued tasks, cancels the one playing and waits for the
// drain goroutine. It returns the number of discarded tasks. Safe to call repeatedly.
func (q *Queue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	dropped := len(q.items.drain())
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	if dropped > 0 {
		slog.Debug("playback queue closed", "discarded", dropped)
	}
	return dropped
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		task, ok := q.items.pop()
		if !ok || q.closed {
			q.playing.Release()
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		q.play(task)
	}
}

func (q *Queue) play(task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("playback panic", "task", task.ID, "panic", r)
		}
	}()
	if q.hooks.OnStart != nil {
		q.hooks.OnStart(task)
	}
	clip, err := q.synth.Synthesize(q.ctx, task.Text)
	if err == nil {
		err = q.player.Play(q.ctx, clip)
	}
	switch {
	case err == nil:
		if q.hooks.OnPlayed != nil {
			q.hooks.OnPlayed(task)
		}
	case q.ctx.Err() != nil:
	default:
		if q.hooks.OnError != nil {
			q.hooks.OnError(task, err)
		}
	}
}
