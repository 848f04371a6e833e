package vad

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dtpsim/voicestage/internal/audio"
)

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("vad: segmenter already started")

// Kind distinguishes speech boundaries.
type Kind int

const (
	SpeechStart Kind = iota + 1
	SpeechEnd
)

func (k Kind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is one speech boundary. Offset is the stream position in audio time.
type Event struct {
	Kind        Kind
	Offset      time.Duration
	Probability float32
}

// Config tunes the segmenter.
type Config struct {
	Rate              int           // detector sample rate
	PositiveThreshold float32       // probability that opens speech
	NegativeThreshold float32       // probability below which a frame counts as silence
	Throttle          time.Duration // minimum audio time between detector calls
	RedemptionFrames  int           // silent frames tolerated before speech ends
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = 16000
	}
	if c.PositiveThreshold <= 0 {
		c.PositiveThreshold = 0.5
	}
	if c.NegativeThreshold <= 0 || c.NegativeThreshold >= c.PositiveThreshold {
		c.NegativeThreshold = c.PositiveThreshold - 0.15
	}
	if c.RedemptionFrames <= 0 {
		c.RedemptionFrames = 8
	}
	return c
}

// Segmenter runs a Detector over a chunk stream. It runs once; a stopped
// segmenter cannot be restarted.
type Segmenter struct {
	det    Detector
	cfg    Config
	events chan Event
	stop   chan struct{}

	started  atomic.Bool
	stopOnce sync.Once

	// run-loop state
	rs         *audio.Resampler
	pending    []float32
	pos        int64 // samples scored so far
	lastScored int64
	lastProb   float32
	speaking   bool
	silent     int
}

func NewSegmenter(det Detector, cfg Config) *Segmenter {
	return &Segmenter{
		det:        det,
		cfg:        cfg.withDefaults(),
		events:     make(chan Event, 16),
		stop:       make(chan struct{}),
		lastScored: -1,
	}
}

// Events yields boundaries; it is closed when Run returns.
func (s *Segmenter) Events() <-chan Event { return s.events }

// Stop ends Run without emitting further events. Safe to call repeatedly.
func (s *Segmenter) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run consumes in until it closes, ctx ends or Stop is called.
func (s *Segmenter) Run(ctx context.Context, in <-chan audio.Chunk) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.events)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case chunk, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.feed(ctx, chunk); err != nil {
				return err
			}
		}
	}
}

func (s *Segmenter) feed(ctx context.Context, chunk audio.Chunk) error {
	samples := chunk.Samples
	if chunk.Rate > 0 && chunk.Rate != s.cfg.Rate {
		if s.rs == nil {
			rs, err := audio.NewResampler(chunk.Rate, s.cfg.Rate)
			if err != nil {
				return err
			}
			s.rs = rs
		}
		out, err := s.rs.Process(samples)
		if err != nil {
			slog.Debug("resample failed, dropping chunk", "error", err)
			return nil
		}
		samples = out
	}
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= WindowSamples {
		window := s.pending[:WindowSamples]
		if ev, ok := s.step(ctx, window); ok {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return nil
			case <-s.stop:
				return nil
			}
		}
		s.pending = s.pending[WindowSamples:]
	}
	return nil
}

// step advances the hysteresis by one window.
func (s *Segmenter) step(ctx context.Context, window []float32) (Event, bool) {
	throttle := int64(s.cfg.Throttle) * int64(s.cfg.Rate) / int64(time.Second)
	if s.lastScored < 0 || s.pos-s.lastScored >= throttle {
		p, err := s.det.Score(ctx, window, s.cfg.Rate)
		if err != nil {
			slog.Debug("vad score failed, reusing last probability", "error", err)
		} else {
			s.lastProb = p
		}
		s.lastScored = s.pos
	}
	s.pos += int64(len(window))
	p := s.lastProb
	offset := time.Duration(s.pos) * time.Second / time.Duration(s.cfg.Rate)

	if !s.speaking {
		if p >= s.cfg.PositiveThreshold {
			s.speaking = true
			s.silent = 0
			return Event{Kind: SpeechStart, Offset: offset, Probability: p}, true
		}
		return Event{}, false
	}
	switch {
	case p >= s.cfg.PositiveThreshold:
		s.silent = 0
	case p < s.cfg.NegativeThreshold:
		s.silent++
		if s.silent >= s.cfg.RedemptionFrames {
			s.speaking = false
			s.silent = 0
			_ = s.det.Reset(ctx)
			return Event{Kind: SpeechEnd, Offset: offset, Probability: p}, true
		}
	}
	return Event{}, false
}
