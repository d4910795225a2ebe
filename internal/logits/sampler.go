package logits

import (
	"math"
	"math/rand/v2"
)

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
	// Invalid class ranges are forced to -Inf before every draw.
	Invalid []Range
}

// Draw is the outcome of one categorical draw.
type Draw struct {
	ID int
	// MaxProb is the largest probability in the top-k shortlist after the
	// temperature softmax.
	MaxProb float64
}

// Sampler draws token ids from logit vectors. It keeps scratch buffers
// between calls and is not safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	seed := uint64(cfg.Seed)
	return &Sampler{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9E3779B9)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws one index with the configured temperature, top-k and top-p.
// logits is modified in place when invalid ranges are configured.
func (s *Sampler) Sample(logits []float32) int {
	MaskRanges(logits, s.cfg.Invalid)
	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1) {
		return argmax(logits)
	}
	return s.draw(logits, s.cfg.TopK, s.cfg.Temperature, s.cfg.TopP).ID
}

// SampleTopK draws one index from the k largest logits softened at
// temperature, ignoring the configured top-p. It is the draw used by
// iterative refinement, where the temperature changes every pass.
func (s *Sampler) SampleTopK(logits []float32, k int, temperature float32) Draw {
	MaskRanges(logits, s.cfg.Invalid)
	return s.draw(logits, k, temperature, 1)
}

func (s *Sampler) draw(logits []float32, k int, temperature, topP float32) Draw {
	k = min(k, len(logits))
	topIdx, topVal := s.topK(logits, k, 1/temperature)
	if len(topVal) == 0 {
		return Draw{}
	}

	// topVal is sorted descending, so the first entry is the max.
	maxv := topVal[0]
	if math.IsInf(float64(maxv), -1) {
		return Draw{ID: topIdx[0]}
	}
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i, v := range topVal {
		prob[i] = math.Exp(float64(v - maxv))
		sum += prob[i]
	}
	inv := 1.0 / sum
	for i := range prob {
		prob[i] *= inv
	}

	cut := len(prob)
	if topP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= topP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	last := 0
	var c float64
	for i := range cut {
		if prob[i] == 0 {
			continue
		}
		last = i
		c += prob[i]
		if r < c {
			return Draw{ID: topIdx[i], MaxProb: prob[0]}
		}
	}
	// Rounding left r above the cumulative sum; take the last candidate
	// with non-zero mass.
	return Draw{ID: topIdx[last], MaxProb: prob[0]}
}

// argmax returns the index of the maximum value. It panics on empty input.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and scaled values of the k largest logits,
// ordered from largest to smallest. Ties keep the lower index. O(V*K), which
// is fine for the small k used here.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
