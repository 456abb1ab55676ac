// Package logits selects tokens from score vectors.
package logits

import (
	"math"
	"slices"
)

// ArgMax returns the index of the largest value. Ties go to the lowest index
// and NaN never wins; an all-NaN vector yields 0. It panics on empty input.
func ArgMax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	bestV := float32(math.Inf(-1))
	found := false
	for i, v := range x {
		if v != v {
			continue
		}
		if !found || v > bestV {
			best, bestV, found = i, v, true
		}
	}
	return best
}

// ArgMaxRows applies ArgMax to each row into dst.
func ArgMaxRows(dst []int, rows [][]float32) []int {
	dst = dst[:0]
	for _, r := range rows {
		dst = append(dst, ArgMax(r))
	}
	return dst
}

// StopSet is a set of token ids that end a sequence.
type StopSet map[int]struct{}

// NewStopSet builds a set from ids, skipping negative ids.
func NewStopSet(ids ...int) StopSet {
	s := make(StopSet, len(ids))
	for _, id := range ids {
		if id >= 0 {
			s[id] = struct{}{}
		}
	}
	return s
}

// IsStop reports whether id is in s. A nil set stops on nothing.
func (s StopSet) IsStop(id int) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members in ascending order.
func (s StopSet) IDs() []int {
	out := make([]int, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
