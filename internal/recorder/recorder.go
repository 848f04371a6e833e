// Package recorder turns speech boundaries into finished audio segments.
package recorder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dtpsim/voicestage/internal/audio"
)

// State is the capture phase.
type State int

const (
	Idle State = iota
	Capturing
	Finalizing
)

func (s State) String() string {
	return [...]string{"idle", "capturing", "finalizing"}[s]
}

const (
	DefaultRate    = 16000
	DefaultGrace   = 300 * time.Millisecond
	DefaultPreRoll = 250 * time.Millisecond
)

// Config tunes a Recorder.
type Config struct {
	Rate       int                  // rate segments are encoded at
	Grace      time.Duration        // delay between speech end and stopping
	PreRoll    time.Duration        // audio kept from before speech start
	MinBytes   int                  // non-final segments smaller than this are noise
	NewEncoder func() audio.Encoder // fresh encoder per capture
	Ended      func() bool          // session-ended check; nil means never
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.PreRoll < 0 {
		c.PreRoll = 0
	}
	if c.NewEncoder == nil {
		rate := c.Rate
		c.NewEncoder = func() audio.Encoder { return audio.NewWAVEncoder(rate) }
	}
	if c.Ended == nil {
		c.Ended = func() bool { return false }
	}
	return c
}

// Recorder captures between SpeechStarted and a debounced SpeechEnded.
// Completed captures are handed to the segment callback outside the lock.
type Recorder struct {
	cfg       Config
	onSegment func(*audio.Segment)

	mu        sync.Mutex
	state     State
	enc       audio.Encoder
	startedAt time.Time
	gen       uint64
	stopping  *time.Timer
	seq       uint64
	history   audio.Encoder
	preroll   []float32
	rs        *audio.Resampler
	closed    bool
}

// New builds a recorder. onSegment receives every segment finished by the debounce.
func New(cfg Config, onSegment func(*audio.Segment)) *Recorder {
	cfg = cfg.withDefaults()
	return &Recorder{
		cfg:       cfg,
		onSegment: onSegment,
		history:   cfg.NewEncoder(),
	}
}

// State reports the current phase.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Write feeds live samples. They always extend the session history and,
// while capturing, the current segment.
func (r *Recorder) Write(chunk audio.Chunk) {
	samples := chunk.Samples
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if chunk.Rate > 0 && chunk.Rate != r.cfg.Rate {
		if r.rs == nil {
			rs, err := audio.NewResampler(chunk.Rate, r.cfg.Rate)
			if err != nil {
				slog.Warn("recorder resampler unavailable", "error", err)
				return
			}
			r.rs = rs
		}
		out, err := r.rs.Process(samples)
		if err != nil {
			slog.Debug("recorder resample failed", "error", err)
			return
		}
		samples = out
	}
	r.history.Write(samples)
	if r.state == Capturing {
		r.enc.Write(samples)
		return
	}
	if keep := int(r.cfg.PreRoll * time.Duration(r.cfg.Rate) / time.Second); keep > 0 {
		r.preroll = append(r.preroll, samples...)
		if over := len(r.preroll) - keep; over > 0 {
			r.preroll = append(r.preroll[:0], r.preroll[over:]...)
		}
	}
}

// SpeechStarted opens a capture. It reports whether a new capture began; a
// start during the end grace window resumes the open capture instead.
func (r *Recorder) SpeechStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.cfg.Ended() {
		return false
	}
	if r.state == Capturing {
		if r.stopping != nil {
			r.stopping.Stop()
			r.stopping = nil
			r.gen++
		}
		return false
	}
	r.enc = r.cfg.NewEncoder()
	if len(r.preroll) > 0 {
		r.enc.Write(r.preroll)
		r.preroll = r.preroll[:0]
	}
	r.startedAt = time.Now()
	r.state = Capturing
	r.gen++
	return true
}

// SpeechEnded schedules the capture to stop after the grace window.
func (r *Recorder) SpeechEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Capturing || r.stopping != nil {
		return
	}
	r.gen++
	gen := r.gen
	r.stopping = time.AfterFunc(r.cfg.Grace, func() { r.expire(gen) })
}

func (r *Recorder) expire(gen uint64) {
	r.mu.Lock()
	if r.gen != gen || r.state != Capturing {
		r.mu.Unlock()
		return
	}
	seg := r.finishLocked(false)
	r.mu.Unlock()
	if seg != nil && r.onSegment != nil {
		r.onSegment(seg)
	}
}

// ForceStop ends any capture now and returns its segment without invoking
// the callback. It is a no-op returning nil when idle.
func (r *Recorder) ForceStop(final bool) *audio.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Capturing {
		return nil
	}
	return r.finishLocked(final)
}

// Capturing reports whether a capture is open.
func (r *Recorder) Capturing() bool { return r.State() == Capturing }

// Assemble renders everything heard this session as one final segment.
// It returns nil when nothing has been captured.
func (r *Recorder) Assemble() *audio.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := r.history.Bytes()
	if len(data) == 0 {
		return nil
	}
	r.seq++
	return &audio.Segment{
		Payload:    data,
		MIME:       r.history.MIME(),
		Seq:        r.seq,
		Final:      true,
		CapturedAt: time.Now(),
		Duration:   samplesDuration(r.history.Samples(), r.cfg.Rate),
	}
}

// Close drops any open capture and cancels a pending stop. Safe to call repeatedly.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping != nil {
		r.stopping.Stop()
		r.stopping = nil
	}
	r.gen++
	r.state = Idle
	r.enc = nil
	r.closed = true
}

func (r *Recorder) finishLocked(final bool) *audio.Segment {
	r.state = Finalizing
	if r.stopping != nil {
		r.stopping.Stop()
		r.stopping = nil
	}
	r.gen++
	enc := r.enc
	r.enc = nil
	defer func() { r.state = Idle }()

	data := enc.Bytes()
	if len(data) == 0 {
		return nil
	}
	if !final && len(data) < r.cfg.MinBytes {
		slog.Debug("dropping short segment", "bytes", len(data), "min", r.cfg.MinBytes)
		return nil
	}
	r.seq++
	return &audio.Segment{
		Payload:    data,
		MIME:       enc.MIME(),
		Seq:        r.seq,
		Final:      final,
		CapturedAt: r.startedAt,
		Duration:   samplesDuration(enc.Samples(), r.cfg.Rate),
	}
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
