package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono float32 chunks between sample rates.
// Equal rates pass samples through untouched.
type Resampler struct {
	from, to int
	r        resampling.Resampler
	buf      []float64
}

// NewResampler builds a mono converter from one rate to another.
func NewResampler(from, to int) (*Resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", from, to)
	}
	rs := &Resampler{from: from, to: to}
	if from == to {
		return rs, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}
	rs.r = r
	return rs, nil
}

// Process converts one chunk of samples. Output length may lag input while the filter primes.
func (rs *Resampler) Process(in []float32) ([]float32, error) {
	if rs.r == nil {
		return in, nil
	}
	rs.buf = rs.buf[:0]
	for _, s := range in {
		rs.buf = append(rs.buf, float64(s))
	}
	out, err := rs.r.Process(rs.buf)
	if err != nil {
		return nil, err
	}
	res := make([]float32, len(out))
	for i, s := range out {
		res[i] = float32(s)
	}
	return res, nil
}

// Rates returns the source and target rates.
func (rs *Resampler) Rates() (int, int) { return rs.from, rs.to }
