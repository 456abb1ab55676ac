// Package numerics compares score tensors from different execution paths
// within floating-point tolerance.
package numerics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Tolerance is an allclose-style bound: |got-want| <= ATol + RTol*|want|.
type Tolerance struct {
	RTol float64 `json:"rtol" yaml:"rtol"`
	ATol float64 `json:"atol" yaml:"atol"`
}

// DefaultTolerance is the band reduced-precision runs are held to.
func DefaultTolerance() Tolerance {
	return Tolerance{RTol: 3e-3, ATol: 3e-1}
}

// BaselineFactor bounds an optimized path's deviation relative to a known
// good reduced-precision baseline.
const BaselineFactor = 3.0

func (t Tolerance) String() string {
	return fmt.Sprintf("rtol=%g atol=%g", t.RTol, t.ATol)
}

// AllClose reports whether got matches want element-wise within t. Lengths
// must match; NaN never compares close.
func AllClose(got, want []float32, t Tolerance) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		g, w := float64(got[i]), float64(want[i])
		if !(math.Abs(g-w) <= t.ATol+t.RTol*math.Abs(w)) {
			return false
		}
	}
	return true
}

// Report summarizes the deviation between two score sets.
type Report struct {
	Count   int     `json:"count"`
	MaxAbs  float64 `json:"max_abs"`
	MeanAbs float64 `json:"mean_abs"`
	// Worst is the flat index of MaxAbs.
	Worst int `json:"worst"`
	// Violations counts elements outside the tolerance.
	Violations int       `json:"violations"`
	Tolerance  Tolerance `json:"tolerance"`
}

// Within reports whether no element violated the tolerance.
func (r Report) Within() bool { return r.Violations == 0 }

func (r Report) String() string {
	return fmt.Sprintf("n=%d max=%.3g mean=%.3g violations=%d (%s)", r.Count, r.MaxAbs, r.MeanAbs, r.Violations, r.Tolerance)
}

// Compare measures got against want.
func Compare(got, want []float32, t Tolerance) (Report, error) {
	if len(got) != len(want) {
		return Report{}, fmt.Errorf("numerics: length %d vs %d", len(got), len(want))
	}
	r := Report{Count: len(got), Tolerance: t}
	if len(got) == 0 {
		return r, nil
	}
	g, w := widen(got), widen(want)
	diff := make([]float64, len(g))
	floats.SubTo(diff, g, w)
	for i, d := range diff {
		// NaN counts as an unbounded deviation.
		d = math.Abs(d)
		if math.IsNaN(d) {
			d = math.Inf(1)
		}
		diff[i] = d
		if !(d <= t.ATol+t.RTol*math.Abs(w[i])) {
			r.Violations++
		}
	}
	r.Worst = floats.MaxIdx(diff)
	r.MaxAbs = diff[r.Worst]
	r.MeanAbs = floats.Sum(diff) / float64(len(diff))
	return r, nil
}

// CompareSteps compares per-step score sets shaped [step][batch][vocab].
func CompareSteps(got, want [][][]float32, t Tolerance) (Report, error) {
	if len(got) != len(want) {
		return Report{}, fmt.Errorf("numerics: %d steps vs %d", len(got), len(want))
	}
	var flatGot, flatWant []float32
	for s := range got {
		if len(got[s]) != len(want[s]) {
			return Report{}, fmt.Errorf("numerics: step %d has %d rows vs %d", s, len(got[s]), len(want[s]))
		}
		for b := range got[s] {
			flatGot = append(flatGot, got[s][b]...)
			flatWant = append(flatWant, want[s][b]...)
		}
	}
	return Compare(flatGot, flatWant, t)
}

// MaxAbsDiff is the L-infinity distance between a and b. NaN anywhere
// yields +Inf.
func MaxAbsDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	if len(a) == 0 {
		return 0
	}
	wa, wb := widen(a), widen(b)
	if floats.HasNaN(wa) || floats.HasNaN(wb) {
		return math.Inf(1)
	}
	return floats.Distance(wa, wb, math.Inf(1))
}

// WithinFactor reports whether deviation is below factor times baseline.
// A zero deviation is always within.
func WithinFactor(deviation, baseline, factor float64) bool {
	if deviation == 0 {
		return true
	}
	return deviation < factor*baseline
}

func widen(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
