// Package vad turns a live sample stream into alternating speech start/end events.
package vad

import (
	"context"
	"math"

	"github.com/dtpsim/voicestage/internal/grpcclient"
)

// WindowSamples is the frame size the detectors score, at 16 kHz about 32 ms.
const WindowSamples = 512

// Detector scores one window of mono samples as a speech probability in [0, 1].
type Detector interface {
	Score(ctx context.Context, window []float32, rate int) (float32, error)
	Reset(ctx context.Context) error
	Close() error
}

// Remote delegates scoring to a model served over gRPC.
type Remote struct {
	client *grpcclient.Client
}

func NewRemote(c *grpcclient.Client) *Remote { return &Remote{client: c} }

func (r *Remote) Score(ctx context.Context, window []float32, rate int) (float32, error) {
	return r.client.Score(ctx, window, rate)
}

func (r *Remote) Reset(ctx context.Context) error { return r.client.Reset(ctx) }

func (r *Remote) Close() error { return r.client.Close() }

// Energy maps frame RMS onto a probability. Levels at or below Floor score 0,
// levels at or above Ceil score 1, linear in between.
type Energy struct {
	Floor float64
	Ceil  float64
}

// NewEnergy returns an energy detector tuned for a close-talking microphone.
func NewEnergy() *Energy {
	return &Energy{Floor: 0.005, Ceil: 0.03}
}

func (e *Energy) Score(_ context.Context, window []float32, _ int) (float32, error) {
	level := rms(window)
	switch {
	case level <= e.Floor:
		return 0, nil
	case level >= e.Ceil:
		return 1, nil
	default:
		return float32((level - e.Floor) / (e.Ceil - e.Floor)), nil
	}
}

func (e *Energy) Reset(context.Context) error { return nil }

func (e *Energy) Close() error { return nil }

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
