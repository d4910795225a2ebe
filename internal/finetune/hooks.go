package finetune

import (
	"github.com/samcharles93/satgen/internal/tensor"
	"github.com/samcharles93/satgen/internal/transformer"
)

// Dense is one affine layer of a head.
type Dense struct {
	W *tensor.Mat
	B []float32
}

// ClassificationHead replaces the output projection with an MLP applied to
// every final hidden state after the final layer norm. Hidden layers use
// ReLU.
type ClassificationHead struct {
	transformer.BaseHooks
	Layers []Dense
}

// NewClassificationHead builds a hidden→inner→out head with random
// weights.
func NewClassificationHead(hidden, inner, out int, seed int64) *ClassificationHead {
	dense := func(r, c int, seed int64) Dense {
		m := tensor.NewMat(r, c)
		tensor.FillRand(&m, seed, 0.02)
		return Dense{W: &m, B: make([]float32, r)}
	}
	return &ClassificationHead{Layers: []Dense{
		dense(inner, hidden, seed),
		dense(out, inner, seed+1),
	}}
}

func (c *ClassificationHead) Final(fc *transformer.FinalContext, x *tensor.Mat) *tensor.Mat {
	w := fc.Weights
	last := c.Layers[len(c.Layers)-1]
	out := tensor.NewMat(x.R, last.W.R)
	norm := make([]float32, x.C)
	for i := range x.R {
		tensor.LayerNorm(norm, x.Row(i), w.FinalNorm, w.FinalNormBias, fc.Eps)
		cur := norm
		for li, l := range c.Layers {
			dst := out.Row(i)
			if li < len(c.Layers)-1 {
				dst = make([]float32, l.W.R)
			}
			tensor.Linear(dst, l.W, l.B, cur)
			if li < len(c.Layers)-1 {
				for j, v := range dst {
					dst[j] = max(0, v)
				}
			}
			cur = dst
		}
	}
	return &out
}

// PrefixTuning prepends learned key/value rows to every layer's attention.
// Every query may attend to the whole prefix.
type PrefixTuning struct {
	transformer.BaseHooks
	Len int
	K   []*tensor.Mat // per layer, Len×Hidden
	V   []*tensor.Mat
}

// NewPrefixTuning builds random prefixes for layers layers.
func NewPrefixTuning(layers, hidden, prefixLen int, seed int64) *PrefixTuning {
	p := &PrefixTuning{Len: prefixLen, K: make([]*tensor.Mat, layers), V: make([]*tensor.Mat, layers)}
	for i := range layers {
		k, v := tensor.NewMat(prefixLen, hidden), tensor.NewMat(prefixLen, hidden)
		tensor.FillRand(&k, seed+int64(2*i), 0.02)
		tensor.FillRand(&v, seed+int64(2*i+1), 0.02)
		p.K[i], p.V[i] = &k, &v
	}
	return p
}

func (p *PrefixTuning) Attention(lc *transformer.LayerContext, q, k, v, out *tensor.Mat) {
	if p.Len == 0 || lc.Index >= len(p.K) {
		p.BaseHooks.Attention(lc, q, k, v, out)
		return
	}
	kk := prepend(p.K[lc.Index], k)
	vv := prepend(p.V[lc.Index], v)
	transformer.Attend(out, q, kk, vv, lc.Heads, func(i, j int) bool {
		return j < p.Len || lc.Allowed(i, j-p.Len)
	})
}

func prepend(prefix, m *tensor.Mat) *tensor.Mat {
	out := tensor.NewMat(prefix.R+m.R, m.C)
	copy(out.Data, prefix.Data[:prefix.R*prefix.C])
	for i := range m.R {
		copy(out.Row(prefix.R+i), m.Row(i))
	}
	return &out
}

// Classifier combines prefix tuning with a classification head. Either may
// be nil, falling back to the standard behaviour.
type Classifier struct {
	transformer.BaseHooks
	Head   *ClassificationHead
	Prefix *PrefixTuning
}

// NewClassifier builds the hooks for a single-score classifier over a stack
// with cfg dimensions.
func NewClassifier(cfg transformer.Config, inner, prefixLen int, seed int64) *Classifier {
	return &Classifier{
		Head:   NewClassificationHead(cfg.Hidden, inner, 1, seed),
		Prefix: NewPrefixTuning(cfg.Layers, cfg.Hidden, prefixLen, seed+1000),
	}
}

func (c *Classifier) Attention(lc *transformer.LayerContext, q, k, v, out *tensor.Mat) {
	if c.Prefix != nil {
		c.Prefix.Attention(lc, q, k, v, out)
		return
	}
	c.BaseHooks.Attention(lc, q, k, v, out)
}

func (c *Classifier) Final(fc *transformer.FinalContext, x *tensor.Mat) *tensor.Mat {
	if c.Head != nil {
		return c.Head.Final(fc, x)
	}
	return c.BaseHooks.Final(fc, x)
}
