package tensor

import (
	"errors"
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows and equals C for
// matrices built by this package. Out‑of‑range indices panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

var errDataLength = errors.New("tensor: data length does not match shape")

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps data as an r x c matrix without copying.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 || r*c != len(data) {
		return Mat{}, errDataLength
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// Row returns a view of the i‑th row. Writes through the view update m.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Rows returns a view of rows [from, to) as a contiguous slice.
func (m *Mat) Rows(from, to int) []float32 {
	if from < 0 || to > m.R || from > to {
		panic("row range out of range")
	}
	return m.Data[from*m.Stride : to*m.Stride]
}

// Transpose returns a new C x R matrix.
func (m *Mat) Transpose() Mat {
	out := NewMat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}

// FillRand fills the matrix with reproducible pseudo‑random values in
// roughly (-scale/2, scale/2). Multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64, scale float32) {
	FillRandVec(m.Data, seed, scale)
}

// FillRandVec is FillRand for a bare slice.
func FillRandVec(dst []float32, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = (rng.Float32() - 0.5) * scale
	}
}

// Fill sets every element of dst to v.
func Fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}
