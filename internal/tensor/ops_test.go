package tensor

import (
	"math"
	"testing"
)

func TestLayerNorm(t *testing.T) {
	t.Parallel()
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	LayerNorm(dst, src, []float32{1, 1, 1, 1}, []float32{0, 0, 0, 1}, 1e-5)

	// Without bias the normalised values are symmetric around zero.
	want := []float64{-1.3416, -0.4472, 0.4472, 1.3416 + 1}
	for i := range dst {
		if math.Abs(float64(dst[i])-want[i]) > 1e-3 {
			t.Fatalf("index %d: got %g want %g", i, dst[i], want[i])
		}
	}
}

func TestSoftmax(t *testing.T) {
	t.Parallel()
	x := []float32{0, float32(math.Log(3)), float32(math.Inf(-1))}
	Softmax(x)
	if math.Abs(float64(x[0])-0.25) > 1e-6 || math.Abs(float64(x[1])-0.75) > 1e-6 || x[2] != 0 {
		t.Fatalf("Softmax: got %v", x)
	}

	masked := []float32{float32(math.Inf(-1)), float32(math.Inf(-1))}
	Softmax(masked)
	if masked[0] != 0 || masked[1] != 0 {
		t.Fatalf("fully masked row: got %v want zeros", masked)
	}
}

func TestGELU(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want float32
	}{
		{0, 0},
		{1, 0.8412},
		{-1, -0.1588},
		{3, 2.9964},
	}
	for _, tc := range tests {
		if got := GELU(tc.in); math.Abs(float64(got-tc.want)) > 1e-3 {
			t.Fatalf("GELU(%g): got %g want %g", tc.in, got, tc.want)
		}
	}
}

func TestSigmoid(t *testing.T) {
	t.Parallel()
	if got := Sigmoid(0); got != 0.5 {
		t.Fatalf("Sigmoid(0): got %g", got)
	}
	if got := Sigmoid(20); got < 0.9999 {
		t.Fatalf("Sigmoid(20): got %g", got)
	}
}
