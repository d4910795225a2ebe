package transformer

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/satgen/internal/safetensors"
	"github.com/samcharles93/satgen/internal/tensor"
)

// LayerWeights holds one transformer layer.
type LayerWeights struct {
	InputNorm, InputNormBias []float32
	QKV                      *tensor.Mat // [3*Hidden, Hidden]
	QKVBias                  []float32
	Dense                    *tensor.Mat // [Hidden, Hidden]
	DenseBias                []float32
	PostNorm, PostNormBias   []float32
	FC1                      *tensor.Mat // [4*Hidden, Hidden]
	FC1Bias                  []float32
	FC2                      *tensor.Mat // [Hidden, 4*Hidden]
	FC2Bias                  []float32
}

// Weights holds the full stack. The output projection is tied to
// WordEmbeddings.
type Weights struct {
	WordEmbeddings     *tensor.Mat // [Vocab, Hidden]
	PositionEmbeddings *tensor.Mat // [MaxPosition, Hidden]
	Layers             []LayerWeights
	FinalNorm          []float32
	FinalNormBias      []float32
}

// NewRandomWeights returns deterministic small random weights with unit
// layer norms.
func NewRandomWeights(cfg Config, seed int64) (*Weights, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := cfg.Hidden
	next := seed
	mat := func(r, c int) *tensor.Mat {
		m := tensor.NewMat(r, c)
		next++
		tensor.FillRand(&m, next, 0.02)
		return &m
	}
	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}

	w := &Weights{
		WordEmbeddings:     mat(cfg.Vocab, h),
		PositionEmbeddings: mat(cfg.MaxPosition, h),
		Layers:             make([]LayerWeights, cfg.Layers),
		FinalNorm:          ones(h),
		FinalNormBias:      make([]float32, h),
	}
	for i := range w.Layers {
		w.Layers[i] = LayerWeights{
			InputNorm:     ones(h),
			InputNormBias: make([]float32, h),
			QKV:           mat(3*h, h),
			QKVBias:       make([]float32, 3*h),
			Dense:         mat(h, h),
			DenseBias:     make([]float32, h),
			PostNorm:      ones(h),
			PostNormBias:  make([]float32, h),
			FC1:           mat(4*h, h),
			FC1Bias:       make([]float32, 4*h),
			FC2:           mat(h, 4*h),
			FC2Bias:       make([]float32, h),
		}
	}
	return w, nil
}

func layerName(i int, suffix string) string {
	return "layers." + strconv.Itoa(i) + "." + suffix
}

// LoadWeights reads a checkpoint written by SaveWeights or any file using
// the same tensor names. The config is derived from tensor shapes and the
// num_attention_heads metadata entry, which heads overrides when positive.
func LoadWeights(st *safetensors.File, heads int) (*Weights, Config, error) {
	var cfg Config
	w := &Weights{}
	var err error
	if w.WordEmbeddings, err = tensor.LoadSafetensorsMat(st, "word_embeddings.weight"); err != nil {
		return nil, cfg, err
	}
	if w.PositionEmbeddings, err = tensor.LoadSafetensorsMat(st, "position_embeddings.weight"); err != nil {
		return nil, cfg, err
	}
	cfg.Vocab, cfg.Hidden = w.WordEmbeddings.R, w.WordEmbeddings.C
	cfg.MaxPosition = w.PositionEmbeddings.R
	if heads <= 0 {
		heads, _ = strconv.Atoi(st.Metadata["num_attention_heads"])
	}
	cfg.Heads = heads
	cfg.SparseWindow, _ = strconv.Atoi(st.Metadata["sparse_window"])
	for {
		if _, ok := st.Tensor(layerName(cfg.Layers, "attention.query_key_value.weight")); !ok {
			break
		}
		cfg.Layers++
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfg, err
	}

	loader := &weightLoader{st: st}
	if w.FinalNorm = loader.vec("final_layernorm.weight", cfg.Hidden); loader.err != nil {
		return nil, cfg, loader.err
	}
	w.FinalNormBias = loader.vec("final_layernorm.bias", cfg.Hidden)
	w.Layers = make([]LayerWeights, cfg.Layers)
	for i := range w.Layers {
		l := &w.Layers[i]
		h := cfg.Hidden
		l.InputNorm = loader.vec(layerName(i, "input_layernorm.weight"), h)
		l.InputNormBias = loader.vec(layerName(i, "input_layernorm.bias"), h)
		l.QKV = loader.mat(layerName(i, "attention.query_key_value.weight"), 3*h, h)
		l.QKVBias = loader.vec(layerName(i, "attention.query_key_value.bias"), 3*h)
		l.Dense = loader.mat(layerName(i, "attention.dense.weight"), h, h)
		l.DenseBias = loader.vec(layerName(i, "attention.dense.bias"), h)
		l.PostNorm = loader.vec(layerName(i, "post_attention_layernorm.weight"), h)
		l.PostNormBias = loader.vec(layerName(i, "post_attention_layernorm.bias"), h)
		l.FC1 = loader.mat(layerName(i, "mlp.dense_h_to_4h.weight"), 4*h, h)
		l.FC1Bias = loader.vec(layerName(i, "mlp.dense_h_to_4h.bias"), 4*h)
		l.FC2 = loader.mat(layerName(i, "mlp.dense_4h_to_h.weight"), h, 4*h)
		l.FC2Bias = loader.vec(layerName(i, "mlp.dense_4h_to_h.bias"), h)
	}
	if loader.err != nil {
		return nil, cfg, loader.err
	}
	return w, cfg, nil
}

// weightLoader keeps the first error so layer loading reads as a list.
type weightLoader struct {
	st  *safetensors.File
	err error
}

func (l *weightLoader) vec(name string, n int) []float32 {
	if l.err != nil {
		return nil
	}
	v, err := tensor.LoadSafetensorsVec(l.st, name)
	if err == nil && len(v) != n {
		err = fmt.Errorf("%w: %s has %d values, want %d", ErrShape, name, len(v), n)
	}
	l.err = err
	return v
}

func (l *weightLoader) mat(name string, r, c int) *tensor.Mat {
	if l.err != nil {
		return nil
	}
	m, err := tensor.LoadSafetensorsMat(l.st, name)
	if err == nil && (m.R != r || m.C != c) {
		err = fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShape, name, m.R, m.C, r, c)
	}
	l.err = err
	return m
}

// SaveWeights writes w in the layout LoadWeights reads.
func SaveWeights(path string, w *Weights, cfg Config) error {
	mat := func(name string, m *tensor.Mat) safetensors.Tensor {
		return safetensors.Tensor{Name: name, Shape: []int{m.R, m.C}, Data: m.Data}
	}
	vec := func(name string, v []float32) safetensors.Tensor {
		return safetensors.Tensor{Name: name, Shape: []int{len(v)}, Data: v}
	}
	tensors := []safetensors.Tensor{
		mat("word_embeddings.weight", w.WordEmbeddings),
		mat("position_embeddings.weight", w.PositionEmbeddings),
	}
	for i, l := range w.Layers {
		tensors = append(tensors,
			vec(layerName(i, "input_layernorm.weight"), l.InputNorm),
			vec(layerName(i, "input_layernorm.bias"), l.InputNormBias),
			mat(layerName(i, "attention.query_key_value.weight"), l.QKV),
			vec(layerName(i, "attention.query_key_value.bias"), l.QKVBias),
			mat(layerName(i, "attention.dense.weight"), l.Dense),
			vec(layerName(i, "attention.dense.bias"), l.DenseBias),
			vec(layerName(i, "post_attention_layernorm.weight"), l.PostNorm),
			vec(layerName(i, "post_attention_layernorm.bias"), l.PostNormBias),
			mat(layerName(i, "mlp.dense_h_to_4h.weight"), l.FC1),
			vec(layerName(i, "mlp.dense_h_to_4h.bias"), l.FC1Bias),
			mat(layerName(i, "mlp.dense_4h_to_h.weight"), l.FC2),
			vec(layerName(i, "mlp.dense_4h_to_h.bias"), l.FC2Bias),
		)
	}
	tensors = append(tensors,
		vec("final_layernorm.weight", w.FinalNorm),
		vec("final_layernorm.bias", w.FinalNormBias),
	)
	return safetensors.WriteFile(path, tensors, map[string]string{
		"format":              "satgen",
		"num_attention_heads": strconv.Itoa(cfg.Heads),
		"sparse_window":       strconv.Itoa(cfg.SparseWindow),
	})
}
