// Package kvcache holds the per-layer key/value attention state of one
// decoding run. Storage is allocated once as a single arena and never
// resized, so buffer addresses stay stable for captured graphs.
package kvcache

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/x448/float16"
)

// ErrCacheOverflow is returned when an advance would exceed max length.
var ErrCacheOverflow = errors.New("kv cache overflow")

// ErrCacheTooLarge is returned by Allocate when the arena would exceed
// MaxElements.
var ErrCacheTooLarge = errors.New("kv cache too large")

// MaxElements bounds the key/value elements of a single arena.
const MaxElements = 1 << 31

// OverflowError carries the rejected request.
type OverflowError struct {
	Filled    int
	Requested int
	Max       int
}

func (e *OverflowError) Error() string {
	if e.Requested < 0 {
		return fmt.Sprintf("kv cache: negative advance %d", e.Requested)
	}
	return fmt.Sprintf("kv cache: advance %d from %d exceeds max length %d", e.Requested, e.Filled, e.Max)
}

func (e *OverflowError) Unwrap() error { return ErrCacheOverflow }

// Precision is the storage type of cached keys and values.
type Precision uint8

const (
	F32 Precision = iota
	F16
)

func (p Precision) String() string {
	switch p {
	case F32:
		return "f32"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("Precision(%d)", uint8(p))
	}
}

// Size is the number of bytes per stored element.
func (p Precision) Size() int {
	switch p {
	case F32:
		return 4
	case F16:
		return 2
	default:
		panic("unknown precision")
	}
}

// ParsePrecision accepts "f32", "fp32", "f16" and "fp16".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	default:
		return F32, fmt.Errorf("unknown kv cache precision %q", s)
	}
}

// Config sizes a cache.
type Config struct {
	NumLayers int
	Batch     int
	MaxLength int
	NumHeads  int
	HeadDim   int
	Precision Precision
}

// Bytes is the arena size Allocate would reserve for c, or math.MaxInt64
// when that does not fit in an int64.
func (c Config) Bytes() int64 {
	n, ok := c.elements()
	if !ok {
		return math.MaxInt64
	}
	b, ok := mulChecked(n, int64(c.Precision.Size()))
	if !ok {
		return math.MaxInt64
	}
	return b
}

// elements is the key plus value element count, reporting false on overflow.
func (c Config) elements() (int64, bool) {
	n := int64(2)
	for _, d := range []int{c.NumLayers, c.Batch, c.MaxLength, c.NumHeads, c.HeadDim} {
		var ok bool
		if n, ok = mulChecked(n, int64(d)); !ok {
			return 0, false
		}
	}
	return n, true
}

func mulChecked(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}

func (c Config) validate() error {
	switch {
	case c.NumLayers <= 0:
		return fmt.Errorf("kv cache: num layers must be positive, got %d", c.NumLayers)
	case c.Batch <= 0:
		return fmt.Errorf("kv cache: batch must be positive, got %d", c.Batch)
	case c.MaxLength <= 0:
		return fmt.Errorf("kv cache: max length must be positive, got %d", c.MaxLength)
	case c.NumHeads <= 0 || c.HeadDim <= 0:
		return fmt.Errorf("kv cache: invalid head shape %dx%d", c.NumHeads, c.HeadDim)
	}
	switch c.Precision {
	case F32, F16:
	default:
		return fmt.Errorf("kv cache: unknown precision %v", c.Precision)
	}
	if n, ok := c.elements(); !ok || n > MaxElements {
		return fmt.Errorf("%w: %d layers x %d rows x %d positions x %dx%d exceeds %d elements",
			ErrCacheTooLarge, c.NumLayers, c.Batch, c.MaxLength, c.NumHeads, c.HeadDim, MaxElements)
	}
	return nil
}

// DecodeCache is the ordered set of layer states for one run. Every layer
// shares max length, batch size and filled length. It is not safe for
// concurrent use; a run owns its cache exclusively.
type DecodeCache struct {
	id     uuid.UUID
	cfg    Config
	layers []*LayerState
	filled int

	arena32 []float32
	arena16 []float16.Float16
}

// Allocate reserves storage for every layer up front.
func Allocate(cfg Config) (*DecodeCache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	stride := cfg.NumHeads * cfg.HeadDim
	per := cfg.Batch * cfg.MaxLength * stride
	c := &DecodeCache{
		id:     uuid.New(),
		cfg:    cfg,
		layers: make([]*LayerState, cfg.NumLayers),
	}
	switch cfg.Precision {
	case F32:
		c.arena32 = make([]float32, 2*cfg.NumLayers*per)
	case F16:
		c.arena16 = make([]float16.Float16, 2*cfg.NumLayers*per)
	}
	for i := range c.layers {
		ls := &LayerState{
			index:   i,
			batch:   cfg.Batch,
			maxLen:  cfg.MaxLength,
			stride:  stride,
			headDim: cfg.HeadDim,
			prec:    cfg.Precision,
		}
		off := 2 * i * per
		switch cfg.Precision {
		case F32:
			ls.k = c.arena32[off : off+per : off+per]
			ls.v = c.arena32[off+per : off+2*per : off+2*per]
		case F16:
			ls.k16 = c.arena16[off : off+per : off+per]
			ls.v16 = c.arena16[off+per : off+2*per : off+2*per]
		}
		c.layers[i] = ls
	}
	return c, nil
}

// ID identifies the arena. Captured graphs are scoped by it.
func (c *DecodeCache) ID() uuid.UUID { return c.id }

func (c *DecodeCache) Config() Config { return c.cfg }

func (c *DecodeCache) FilledLength() int { return c.filled }

func (c *DecodeCache) MaxLength() int { return c.cfg.MaxLength }

func (c *DecodeCache) Remaining() int { return c.cfg.MaxLength - c.filled }

func (c *DecodeCache) Batch() int { return c.cfg.Batch }

func (c *DecodeCache) NumLayers() int { return len(c.layers) }

func (c *DecodeCache) Layer(i int) *LayerState { return c.layers[i] }

// Bytes is the size of the key/value arena.
func (c *DecodeCache) Bytes() int64 {
	return int64(len(c.arena32))*4 + int64(len(c.arena16))*2
}

// Reset rewinds every layer to empty. Storage is kept.
func (c *DecodeCache) Reset() {
	c.filled = 0
	for _, l := range c.layers {
		l.filled = 0
	}
}

// CheckAdvance reports whether Advance(n) would succeed.
func (c *DecodeCache) CheckAdvance(n int) error {
	if n < 0 || c.filled+n > c.cfg.MaxLength {
		return &OverflowError{Filled: c.filled, Requested: n, Max: c.cfg.MaxLength}
	}
	return nil
}

// Advance moves every layer's cursor forward by n. On error no layer is
// touched.
func (c *DecodeCache) Advance(n int) error {
	if err := c.CheckAdvance(n); err != nil {
		return err
	}
	c.filled += n
	for _, l := range c.layers {
		l.filled = c.filled
	}
	return nil
}

// Synchronized reports whether all layers agree on the filled length.
func (c *DecodeCache) Synchronized() bool {
	for _, l := range c.layers {
		if l.filled != c.filled {
			return false
		}
	}
	return true
}

// AppendBinding records the arena buffers into b.
func (c *DecodeCache) AppendBinding(b *graph.Binding) {
	switch c.cfg.Precision {
	case F32:
		graph.Bind(b, "kv", c.arena32)
	case F16:
		graph.Bind(b, "kv16", c.arena16)
	}
}
