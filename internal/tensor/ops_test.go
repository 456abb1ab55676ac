package tensor

import (
	"math"
	"testing"
)

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, -1000, 0.5}
	Softmax(x)
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("softmax sum = %v", sum)
	}
	if x[3] != 0 {
		t.Fatalf("expected underflow to zero, got %v", x[3])
	}
}

func TestLayerNormVariantsAgree(t *testing.T) {
	t.Parallel()
	n := 96
	src := make([]float32, n)
	w := make([]float32, n)
	b := make([]float32, n)
	FillRandVec(src, 1, 8)
	FillRandVec(w, 2, 2)
	FillRandVec(b, 3, 2)

	ref := make([]float32, n)
	fused := make([]float32, n)
	LayerNorm(ref, src, w, b, 1e-5)
	LayerNormFused(fused, src, w, b, 1e-5)
	if d := maxAbsDiff(ref, fused); d > 1e-4 {
		t.Fatalf("layernorm variants differ by %g", d)
	}

	var mean float64
	ones := make([]float32, n)
	zeros := make([]float32, n)
	Fill(ones, 1)
	LayerNorm(ref, src, ones, zeros, 1e-5)
	for _, v := range ref {
		mean += float64(v)
	}
	if math.Abs(mean/float64(n)) > 1e-5 {
		t.Fatalf("normalized mean = %v", mean/float64(n))
	}
}

func TestAddLayerNormMatchesSeparateOps(t *testing.T) {
	t.Parallel()
	n := 64
	x1 := make([]float32, n)
	delta := make([]float32, n)
	w := make([]float32, n)
	b := make([]float32, n)
	FillRandVec(x1, 4, 4)
	FillRandVec(delta, 5, 4)
	FillRandVec(w, 6, 2)
	FillRandVec(b, 7, 2)
	x2 := append([]float32(nil), x1...)

	fused := make([]float32, n)
	AddLayerNorm(fused, x1, delta, w, b, 1e-5)

	Add(x2, delta)
	split := make([]float32, n)
	LayerNorm(split, x2, w, b, 1e-5)

	for i := range x1 {
		if x1[i] != x2[i] {
			t.Fatalf("residual differs at %d: %v vs %v", i, x1[i], x2[i])
		}
	}
	if d := maxAbsDiff(fused, split); d > 1e-4 {
		t.Fatalf("fused add+norm differs by %g", d)
	}
}

func TestBiasGELUMatchesSeparateOps(t *testing.T) {
	t.Parallel()
	x := []float32{-3, -0.5, 0, 0.5, 3}
	bias := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	split := append([]float32(nil), x...)
	Add(split, bias)
	GELUInPlace(split)
	BiasGELU(x, bias)
	for i := range x {
		if x[i] != split[i] {
			t.Fatalf("gelu %d: %v vs %v", i, x[i], split[i])
		}
	}
	if g := GELU(0); g != 0 {
		t.Fatalf("GELU(0) = %v", g)
	}
}

func TestMatTransposeAndRows(t *testing.T) {
	t.Parallel()
	m, err := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewMatFromData: %v", err)
	}
	tr := m.Transpose()
	if tr.R != 3 || tr.C != 2 || tr.Row(2)[1] != 6 || tr.Row(0)[1] != 4 {
		t.Fatalf("unexpected transpose %+v", tr)
	}
	if got := m.Rows(1, 2); len(got) != 3 || got[0] != 4 {
		t.Fatalf("Rows(1,2) = %v", got)
	}
	if _, err := NewMatFromData(2, 2, []float32{1}); err == nil {
		t.Fatal("expected length error")
	}
}
