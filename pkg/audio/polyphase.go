package audio

import (
	"math"
	"sync"
)

const polyphaseTaps = 64

// PolyphaseResampler downsamples mono float32 PCM through a windowed-sinc
// FIR low-pass filter, carrying filter history across calls so a stream
// of chunks resamples identically to one chunk resampled whole. This is
// the anti-aliased downsample path the Dispatcher uses for its
// 48kHz->16kHz STT feed (§4.2 step 1); plain linear interpolation
// (ResampleMonoF32) stays the upsample path for TTS playback, where
// there is no aliasing to guard against.
type PolyphaseResampler struct {
	mu sync.Mutex

	ratio   float64
	filter  []float32
	history []float32
	phase   float64
}

// NewPolyphaseResampler builds a resampler fixed to one srcRate->dstRate
// pair. Only meant for downsampling (dstRate < srcRate); for dstRate >=
// srcRate it degrades to an identity/no-op filter.
func NewPolyphaseResampler(srcRate, dstRate int) *PolyphaseResampler {
	ratio := float64(dstRate) / float64(srcRate)
	cutoff := 0.5
	if ratio < 1.0 {
		cutoff = ratio * 0.5
	}

	filter := make([]float32, polyphaseTaps)
	for i := 0; i < polyphaseTaps; i++ {
		n := float64(i) - float64(polyphaseTaps-1)/2.0
		if n == 0 {
			filter[i] = float32(2.0 * cutoff)
		} else {
			sinc := math.Sin(2.0*math.Pi*cutoff*n) / (math.Pi * n)
			window := 0.54 - 0.46*math.Cos(2.0*math.Pi*float64(i)/float64(polyphaseTaps-1))
			filter[i] = float32(sinc * window)
		}
	}
	var sum float32
	for _, f := range filter {
		sum += f
	}
	if sum != 0 {
		for i := range filter {
			filter[i] /= sum
		}
	}

	return &PolyphaseResampler{
		ratio:   ratio,
		filter:  filter,
		history: make([]float32, polyphaseTaps),
	}
}

// Resample filters and downsamples one chunk of mono float32 PCM,
// updating the filter's history so the next call continues the same
// continuous signal rather than reintroducing a discontinuity at every
// chunk boundary.
func (r *PolyphaseResampler) Resample(input []float32) []float32 {
	if r == nil || r.ratio >= 1.0 || len(input) == 0 {
		return input
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	step := 1.0 / r.ratio
	output := make([]float32, 0, int(float64(len(input))*r.ratio)+1)
	combined := make([]float32, 0, len(r.history)+len(input))
	combined = append(combined, r.history...)
	combined = append(combined, input...)

	pos := r.phase
	for ; pos < float64(len(input)); pos += step {
		srcIdx := int(pos) + len(r.history)

		var sample float32
		for j, coeff := range r.filter {
			sample += combined[srcIdx-len(r.filter)+1+j] * coeff
		}
		output = append(output, sample)
	}
	r.phase = pos - float64(len(input))

	if len(input) >= len(r.history) {
		copy(r.history, input[len(input)-len(r.history):])
	} else {
		shift := len(r.history) - len(input)
		copy(r.history, r.history[len(input):])
		copy(r.history[shift:], input)
	}

	return output
}
