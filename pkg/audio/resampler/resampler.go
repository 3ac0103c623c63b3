// Package resampler converts mono 16-bit PCM between fixed sample
// rates. Conversion state is preserved across calls, so feeding a long
// signal block by block yields the same stream as feeding it at once.
package resampler

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts PCM from one fixed rate to another. Instances are
// single-goroutine only.
type Resampler struct {
	inRate  int
	outRate int

	// nil when inRate == outRate; Process is then the identity.
	rs resampling.Resampler
}

// New creates a Resampler from inRate to outRate. Equal rates yield a
// pass-through converter.
func New(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resampler: invalid rates %d -> %d", inRate, outRate)
	}

	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resampler: create %d -> %d: %w", inRate, outRate, err)
	}
	r.rs = rs
	return r, nil
}

// Rates returns the configured input and output rates.
func (r *Resampler) Rates() (in, out int) {
	return r.inRate, r.outRate
}

// Process converts one block of samples. For equal rates the input is
// returned unchanged. Otherwise the returned length varies per call
// (the filter holds a few samples of state) while converging on
// len(pcm) * outRate / inRate over the stream.
func (r *Resampler) Process(pcm []int16) ([]int16, error) {
	if r.rs == nil {
		return pcm, nil
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	input := make([]float64, len(pcm))
	for i, s := range pcm {
		input[i] = float64(s) / 32768.0
	}

	output, err := r.rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resampler: process: %w", err)
	}

	out := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s > 1.0:
			out[i] = 32767
		case s < -1.0:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return out, nil
}
