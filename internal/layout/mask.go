package layout

import "fmt"

// Mask is a square boolean attention matrix; At(i, j) reports whether query
// position i may attend to key position j.
type Mask struct {
	n    int
	bits []uint64
}

// NewMask returns an n×n mask with every entry cleared.
func NewMask(n int) *Mask {
	if n < 0 {
		panic("negative mask size")
	}
	return &Mask{n: n, bits: make([]uint64, (n*n+63)/64)}
}

// NewCausal returns an n×n lower-triangular mask.
func NewCausal(n int) *Mask {
	m := NewMask(n)
	for i := range n {
		for j := 0; j <= i; j++ {
			m.Set(i, j, true)
		}
	}
	return m
}

func (m *Mask) Size() int { return m.n }

func (m *Mask) At(i, j int) bool {
	k := m.index(i, j)
	return m.bits[k>>6]&(1<<(k&63)) != 0
}

func (m *Mask) Set(i, j int, v bool) {
	k := m.index(i, j)
	if v {
		m.bits[k>>6] |= 1 << (k & 63)
	} else {
		m.bits[k>>6] &^= 1 << (k & 63)
	}
}

// Row expands row i into dst, which must hold Size() entries.
func (m *Mask) Row(dst []bool, i int) {
	for j := range m.n {
		dst[j] = m.At(i, j)
	}
}

// Rows expands the mask into a dense matrix.
func (m *Mask) Rows() [][]bool {
	out := make([][]bool, m.n)
	for i := range out {
		out[i] = make([]bool, m.n)
		m.Row(out[i], i)
	}
	return out
}

// Clone returns an independent copy.
func (m *Mask) Clone() *Mask {
	return &Mask{n: m.n, bits: append([]uint64(nil), m.bits...)}
}

func (m *Mask) index(i, j int) int {
	if i < 0 || i >= m.n || j < 0 || j >= m.n {
		panic(fmt.Sprintf("mask index (%d,%d) out of range for size %d", i, j, m.n))
	}
	return i*m.n + j
}
