package transformer

import (
	"math"

	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/tensor"
)

// LayerContext is what a hook sees for one layer of one batch row.
type LayerContext struct {
	Index       int
	Weights     *LayerWeights
	Heads       int
	PositionIDs []int

	mask      *layout.Mask
	window    int
	gridStart int
}

// Allowed reports whether query position i may attend to key position j of
// the model input.
func (lc *LayerContext) Allowed(i, j int) bool {
	if !lc.mask.At(i, j) {
		return false
	}
	if lc.window > 0 && i >= lc.gridStart && j >= lc.gridStart && i-j >= lc.window {
		return false
	}
	return true
}

// FinalContext is what the Final hook sees.
type FinalContext struct {
	Weights *Weights
	Eps     float32
}

// Hooks are the extension points of a forward pass. Each method writes its
// result into out or updates x in place. Implementations usually embed
// BaseHooks and override the methods they change.
type Hooks interface {
	// BeforeLayer runs on the residual stream before layer lc.Index.
	BeforeLayer(lc *LayerContext, x *tensor.Mat)
	// Attention combines q, k and v (rows are positions, columns are
	// heads×headDim) into out, which has the shape of q.
	Attention(lc *LayerContext, q, k, v, out *tensor.Mat)
	// MLP maps the normalised stream x to out.
	MLP(lc *LayerContext, x, out *tensor.Mat)
	// AfterLayer runs on the residual stream after layer lc.Index.
	AfterLayer(lc *LayerContext, x *tensor.Mat)
	// Final maps the last hidden states to per-position scores.
	Final(fc *FinalContext, x *tensor.Mat) *tensor.Mat
}

// BaseHooks is the standard pre-LN GPT behaviour: masked multi-head
// attention, a GELU MLP and a final layer norm with tied output projection.
type BaseHooks struct{}

func (BaseHooks) BeforeLayer(*LayerContext, *tensor.Mat) {}
func (BaseHooks) AfterLayer(*LayerContext, *tensor.Mat) {}

func (BaseHooks) Attention(lc *LayerContext, q, k, v, out *tensor.Mat) {
	Attend(out, q, k, v, lc.Heads, lc.Allowed)
}

func (BaseHooks) MLP(lc *LayerContext, x, out *tensor.Mat) {
	w := lc.Weights
	inner := make([]float32, w.FC1.R)
	for i := range x.R {
		tensor.Linear(inner, w.FC1, w.FC1Bias, x.Row(i))
		tensor.GELUInPlace(inner)
		tensor.Linear(out.Row(i), w.FC2, w.FC2Bias, inner)
	}
}

func (BaseHooks) Final(fc *FinalContext, x *tensor.Mat) *tensor.Mat {
	w := fc.Weights
	out := tensor.NewMat(x.R, w.WordEmbeddings.R)
	norm := make([]float32, x.C)
	for i := range x.R {
		tensor.LayerNorm(norm, x.Row(i), w.FinalNorm, w.FinalNormBias, fc.Eps)
		tensor.MatVec(out.Row(i), w.WordEmbeddings, norm)
	}
	return &out
}

// Attend is scaled dot-product attention over heads. allowed(i, j) gates
// query row i against key row j; a query with no allowed keys gets zeros.
func Attend(out, q, k, v *tensor.Mat, heads int, allowed func(i, j int) bool) {
	headDim := q.C / heads
	scale := float32(1 / math.Sqrt(float64(headDim)))
	scores := make([]float32, k.R)
	negInf := float32(math.Inf(-1))
	for i := range q.R {
		dst := out.Row(i)
		clear(dst)
		for h := range heads {
			lo, hi := h*headDim, (h+1)*headDim
			qh := q.Row(i)[lo:hi]
			for j := range k.R {
				if !allowed(i, j) {
					scores[j] = negInf
					continue
				}
				scores[j] = tensor.Dot(qh, k.Row(j)[lo:hi]) * scale
			}
			tensor.Softmax(scores)
			oh := dst[lo:hi]
			for j, p := range scores {
				if p == 0 {
					continue
				}
				for d, vv := range v.Row(j)[lo:hi] {
					oh[d] += p * vv
				}
			}
		}
	}
}
