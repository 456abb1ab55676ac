package numerics

import (
	"math"
	"testing"
)

func TestAllClose(t *testing.T) {
	t.Parallel()
	tol := DefaultTolerance()
	cases := []struct {
		name      string
		got, want []float32
		ok        bool
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, true},
		{"within atol", []float32{0.2}, []float32{0}, true},
		{"outside atol", []float32{0.31}, []float32{0}, false},
		{"rtol widens band", []float32{100.5}, []float32{100}, true},
		{"length mismatch", []float32{1}, []float32{1, 2}, false},
		{"nan", []float32{float32(math.NaN())}, []float32{0}, false},
	}
	for _, tc := range cases {
		if got := AllClose(tc.got, tc.want, tol); got != tc.ok {
			t.Fatalf("%s: AllClose = %v", tc.name, got)
		}
	}
}

func TestCompareReport(t *testing.T) {
	t.Parallel()
	tol := Tolerance{RTol: 0, ATol: 0.5}
	r, err := Compare([]float32{1, 2, 3, 4}, []float32{1, 2.25, 2, 4}, tol)
	if err != nil {
		t.Fatal(err)
	}
	if r.Count != 4 || r.Worst != 2 || r.MaxAbs != 1 || r.Violations != 1 || r.Within() {
		t.Fatalf("report = %+v", r)
	}
	if math.Abs(r.MeanAbs-0.3125) > 1e-9 {
		t.Fatalf("mean = %v", r.MeanAbs)
	}
	if _, err := Compare([]float32{1}, nil, tol); err == nil {
		t.Fatal("expected length error")
	}
	empty, err := Compare(nil, nil, tol)
	if err != nil || !empty.Within() {
		t.Fatalf("empty compare = %+v, %v", empty, err)
	}
}

func TestCompareSteps(t *testing.T) {
	t.Parallel()
	a := [][][]float32{{{1, 2}}, {{3, 4}}}
	b := [][][]float32{{{1, 2}}, {{3, 4.1}}}
	r, err := CompareSteps(a, b, DefaultTolerance())
	if err != nil {
		t.Fatal(err)
	}
	if r.Count != 4 || !r.Within() || r.Worst != 3 {
		t.Fatalf("report = %+v", r)
	}
	if _, err := CompareSteps(a, b[:1], DefaultTolerance()); err == nil {
		t.Fatal("expected step count error")
	}
}

func TestMaxAbsDiffAndFactor(t *testing.T) {
	t.Parallel()
	if d := MaxAbsDiff([]float32{1, -2}, []float32{1.5, 1}); d != 3 {
		t.Fatalf("MaxAbsDiff = %v", d)
	}
	if !math.IsInf(MaxAbsDiff([]float32{1}, nil), 1) {
		t.Fatal("length mismatch should be infinite")
	}
	nan := float32(math.NaN())
	if !math.IsInf(MaxAbsDiff([]float32{nan, 1}, []float32{0, 1}), 1) {
		t.Fatal("NaN should be infinite")
	}
	if !WithinFactor(0.02, 0.01, BaselineFactor) || WithinFactor(0.05, 0.01, BaselineFactor) {
		t.Fatal("factor bound misapplied")
	}
	if !WithinFactor(0, 0, BaselineFactor) {
		t.Fatal("zero deviation must pass")
	}
}

func TestCompareNaNIsWorst(t *testing.T) {
	t.Parallel()
	nan := float32(math.NaN())
	r, err := Compare([]float32{nan, 5, 0}, []float32{0, 0, 0}, DefaultTolerance())
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(r.MaxAbs, 1) || r.Worst != 0 || r.Violations != 2 {
		t.Fatalf("report = %+v", r)
	}
}
