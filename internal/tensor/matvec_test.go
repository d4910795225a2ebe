package tensor

import (
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/samcharles93/satgen/internal/safetensors"
)

func matVecNaive(dst []float32, w *Mat, x []float32) {
	for i := 0; i < w.R; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func closeEnough(a, b float32, tol float64) bool {
	da, db := float64(a), float64(b)
	scale := math.Max(1.0, math.Max(math.Abs(da), math.Abs(db)))
	return math.Abs(da-db) <= tol*scale
}

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()
	for _, shape := range [][2]int{{3, 5}, {64, 33}, {257, 130}} {
		r, c := shape[0], shape[1]
		w := NewMat(r, c)
		FillRand(&w, int64(r), 1)
		xm := NewMat(1, c)
		FillRand(&xm, int64(c), 1)
		x := xm.Row(0)

		want := make([]float32, r)
		got := make([]float32, r)
		matVecNaive(want, &w, x)
		MatVec(got, &w, x)
		for i := range want {
			if !closeEnough(want[i], got[i], 1e-5) {
				t.Fatalf("%dx%d row %d: got %g want %g", r, c, i, got[i], want[i])
			}
		}
	}
}

func TestMatVecConcurrentCallers(t *testing.T) {
	t.Parallel()
	w := NewMat(300, 40)
	FillRand(&w, 9, 1)
	x := make([]float32, 40)
	for i := range x {
		x[i] = float32(i%7) - 3
	}
	want := make([]float32, 300)
	matVecNaive(want, &w, x)

	var wg sync.WaitGroup
	errs := make(chan int, 8)
	for range 8 {
		wg.Go(func() {
			dst := make([]float32, 300)
			for range 20 {
				MatVec(dst, &w, x)
				for i := range dst {
					if !closeEnough(dst[i], want[i], 1e-5) {
						errs <- i
						return
					}
				}
			}
		})
	}
	wg.Wait()
	close(errs)
	for i := range errs {
		t.Fatalf("concurrent MatVec diverged at row %d", i)
	}
}

func TestLinearAddsBias(t *testing.T) {
	t.Parallel()
	w, err := NewMatFromData(2, 2, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewMatFromData: %v", err)
	}
	dst := make([]float32, 2)
	Linear(dst, &w, []float32{10, 20}, []float32{1, 1})
	if dst[0] != 13 || dst[1] != 27 {
		t.Fatalf("Linear: got %v want [13 27]", dst)
	}
}

func TestNewMatFromDataShape(t *testing.T) {
	t.Parallel()
	if _, err := NewMatFromData(2, 3, make([]float32, 5)); err == nil {
		t.Fatal("expected shape error")
	}
}

func TestFillRandIsReproducible(t *testing.T) {
	t.Parallel()
	a, b := NewMat(4, 4), NewMat(4, 4)
	FillRand(&a, 3, 0.02)
	FillRand(&b, 3, 0.02)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("value %d differs: %g vs %g", i, a.Data[i], b.Data[i])
		}
		if a.Data[i] <= -0.02 || a.Data[i] >= 0.02 {
			t.Fatalf("value %d out of range: %g", i, a.Data[i])
		}
	}
}

func TestLoadSafetensors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "w.safetensors")
	err := safetensors.WriteFile(path, []safetensors.Tensor{
		{Name: "m", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "v", Shape: []int{3}, Data: []float32{7, 8, 9}},
	}, nil)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	st, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	m, err := LoadSafetensorsMat(st, "m")
	if err != nil {
		t.Fatalf("LoadSafetensorsMat: %v", err)
	}
	if m.R != 2 || m.C != 3 || m.Row(1)[2] != 6 {
		t.Fatalf("unexpected matrix %+v", m)
	}
	if _, err := LoadSafetensorsMat(st, "v"); err == nil {
		t.Fatal("expected rank error loading a vector as a matrix")
	}
	v, err := LoadSafetensorsVec(st, "v")
	if err != nil || len(v) != 3 || v[0] != 7 {
		t.Fatalf("LoadSafetensorsVec: %v %v", v, err)
	}
}

func BenchmarkMatVecNaive(b *testing.B) {
	w := NewMat(2048, 2048)
	x := make([]float32, 2048)
	dst := make([]float32, 2048)
	FillRand(&w, 1, 0.01)
	for b.Loop() {
		matVecNaive(dst, &w, x)
	}
}

func BenchmarkMatVecPool(b *testing.B) {
	w := NewMat(2048, 2048)
	x := make([]float32, 2048)
	dst := make([]float32, 2048)
	FillRand(&w, 1, 0.01)
	for b.Loop() {
		MatVec(dst, &w, x)
	}
}
