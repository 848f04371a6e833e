// Package audio holds the sample, segment and clip types plus device adapters.
package audio

import (
	"context"
	"time"
)

// Chunk is one buffer of mono float32 samples read from an input device.
type Chunk struct {
	Samples  []float32
	Rate     int
	DeviceID string
	At       time.Time
}

// Duration is the wall-clock length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.Rate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.Rate)
}

// Segment is one finished capture. It is immutable once created.
type Segment struct {
	Payload    []byte
	MIME       string
	Seq        uint64
	Final      bool
	CapturedAt time.Time
	Duration   time.Duration
}

// Len is the encoded payload size in bytes.
func (s *Segment) Len() int { return len(s.Payload) }

// Clip is synthesized audio ready for a player.
type Clip struct {
	Data []byte
	MIME string
}

// Input is a live microphone stream owned by a single session.
type Input interface {
	Start(ctx context.Context) (<-chan Chunk, error)
	SampleRate() int
	Close() error
}

// Encoder accumulates samples for one capture.
type Encoder interface {
	Write(samples []float32)
	Samples() int
	Bytes() []byte
	MIME() string
}

// Player plays one clip to completion or until ctx is cancelled.
type Player interface {
	Play(ctx context.Context, clip Clip) error
}
