// Package position supplies the positional encodings consumed by attention:
// a learned absolute table, or a rotary rotation derived from the index alone.
package position

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/kvdecode/internal/tensor"
)

// ErrPositionOutOfRange is returned when an absolute scheme is asked for a
// position outside its table.
var ErrPositionOutOfRange = errors.New("position out of range")

// DefaultRotaryBase is the frequency base used when NewRotary gets base <= 0.
const DefaultRotaryBase = 10000.0

// Kind is the closed set of positional variants.
type Kind uint8

const (
	Absolute Kind = iota
	Rotary
)

func (k Kind) String() string {
	switch k {
	case Absolute:
		return "absolute"
	case Rotary:
		return "rotary"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// RangeError reports the offending position and the horizon it exceeded.
type RangeError struct {
	Pos   int
	Limit int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("position %d out of range [0, %d)", e.Pos, e.Limit)
}

func (e *RangeError) Unwrap() error { return ErrPositionOutOfRange }

// Encoding is the contribution of one position. Embed is set for absolute
// schemes and aliases the table row. Cos and Sin are set for rotary schemes
// and have length Dim/2.
type Encoding struct {
	Pos   int
	Embed []float32
	Cos   []float32
	Sin   []float32
}

// Scheme is a positional encoding. The zero value is not usable.
type Scheme struct {
	kind    Kind
	table   *tensor.Mat
	dim     int
	invFreq []float64
}

// NewAbsolute wraps a learned [n_positions x d_model] table.
func NewAbsolute(table *tensor.Mat) (Scheme, error) {
	if table == nil || table.R <= 0 || table.C <= 0 {
		return Scheme{}, errors.New("absolute position table is empty")
	}
	return Scheme{kind: Absolute, table: table}, nil
}

// NewRotary builds the inverse-frequency table for a rotary dimension.
func NewRotary(dim int, base float64) (Scheme, error) {
	if dim <= 0 || dim%2 != 0 {
		return Scheme{}, fmt.Errorf("rotary dim must be positive and even, got %d", dim)
	}
	if base <= 0 {
		base = DefaultRotaryBase
	}
	half := dim / 2
	inv := make([]float64, half)
	for i := range half {
		inv[i] = 1.0 / math.Pow(base, float64(2*i)/float64(dim))
	}
	return Scheme{kind: Rotary, dim: dim, invFreq: inv}, nil
}

func (s Scheme) Kind() Kind { return s.kind }

// Valid reports whether s was built by NewAbsolute or NewRotary.
func (s Scheme) Valid() bool {
	switch s.kind {
	case Absolute:
		return s.table != nil
	case Rotary:
		return s.dim > 0
	default:
		return false
	}
}

// Dim is the rotary dimensionality, or the embedding width for absolute.
func (s Scheme) Dim() int {
	switch s.kind {
	case Absolute:
		return s.table.C
	case Rotary:
		return s.dim
	default:
		panic("unreachable")
	}
}

// Horizon returns the number of addressable positions, or 0 when unbounded.
func (s Scheme) Horizon() int {
	switch s.kind {
	case Absolute:
		return s.table.R
	case Rotary:
		return 0
	default:
		panic("unreachable")
	}
}

// Check validates the closed range [first, last] before any work is done.
func (s Scheme) Check(first, last int) error {
	if first < 0 {
		return &RangeError{Pos: first, Limit: s.Horizon()}
	}
	switch s.kind {
	case Absolute:
		if last >= s.table.R {
			return &RangeError{Pos: last, Limit: s.table.R}
		}
	case Rotary:
	}
	return nil
}

// Encode returns the encoding for position p. Rotary encodings depend only
// on p, never on earlier positions.
func (s Scheme) Encode(p int) (Encoding, error) {
	if err := s.Check(p, p); err != nil {
		return Encoding{}, err
	}
	switch s.kind {
	case Absolute:
		return Encoding{Pos: p, Embed: s.table.Row(p)}, nil
	case Rotary:
		half := len(s.invFreq)
		enc := Encoding{Pos: p, Cos: make([]float32, half), Sin: make([]float32, half)}
		for i, f := range s.invFreq {
			angle := float64(p) * f
			enc.Cos[i] = float32(math.Cos(angle))
			enc.Sin[i] = float32(math.Sin(angle))
		}
		return enc, nil
	default:
		panic("unreachable")
	}
}

// EncodeRange encodes positions [first, first+n).
func (s Scheme) EncodeRange(first, n int) ([]Encoding, error) {
	if err := s.Check(first, first+n-1); err != nil {
		return nil, err
	}
	out := make([]Encoding, n)
	for i := range out {
		enc, err := s.Encode(first + i)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// AddTo adds the absolute embedding to x. It is a no-op for rotary schemes.
func (s Scheme) AddTo(x []float32, enc Encoding) {
	switch s.kind {
	case Absolute:
		tensor.Add(x, enc.Embed)
	case Rotary:
	}
}

// Rotate applies the rotate-half rotation to the first Dim components of each
// head in x. It is a no-op for absolute schemes.
func (s Scheme) Rotate(x []float32, nHeads, headDim int, enc Encoding) {
	switch s.kind {
	case Absolute:
		return
	case Rotary:
	}
	if s.dim > headDim {
		panic("rotary dim exceeds head dim")
	}
	half := s.dim / 2
	for h := range nHeads {
		base := h * headDim
		for i := range half {
			c, sn := enc.Cos[i], enc.Sin[i]
			i0 := base + i
			i1 := base + i + half
			x0, x1 := x[i0], x[i1]
			x[i0] = x0*c - x1*sn
			x[i1] = x0*sn + x1*c
		}
	}
}
