package kvcache

import (
	"fmt"

	"github.com/x448/float16"
)

// LayerState is the key/value storage of one transformer layer. Each batch
// row owns a [max_length][num_heads*head_dim] slab for keys and another for
// values.
type LayerState struct {
	index   int
	batch   int
	maxLen  int
	stride  int
	headDim int
	prec    Precision
	filled  int

	k, v     []float32
	k16, v16 []float16.Float16
}

func (l *LayerState) Index() int { return l.index }

func (l *LayerState) FilledLength() int { return l.filled }

// Width is num_heads*head_dim.
func (l *LayerState) Width() int { return l.stride }

func (l *LayerState) offset(row, pos int) int {
	if row < 0 || row >= l.batch {
		panic(fmt.Sprintf("kvcache: row %d out of range [0, %d)", row, l.batch))
	}
	if pos < 0 || pos >= l.maxLen {
		panic(fmt.Sprintf("kvcache: position %d out of range [0, %d)", pos, l.maxLen))
	}
	return (row*l.maxLen + pos) * l.stride
}

// StoreKV writes one position. Writes below the filled length would rewrite
// committed context and panic, as do out-of-range rows and positions.
func (l *LayerState) StoreKV(row, pos int, k, v []float32) {
	if pos < l.filled {
		panic(fmt.Sprintf("kvcache: layer %d write at %d below filled length %d", l.index, pos, l.filled))
	}
	off := l.offset(row, pos)
	k = k[:l.stride]
	v = v[:l.stride]
	switch l.prec {
	case F32:
		copy(l.k[off:off+l.stride], k)
		copy(l.v[off:off+l.stride], v)
	case F16:
		dk := l.k16[off : off+l.stride]
		dv := l.v16[off : off+l.stride]
		for i := range dk {
			dk[i] = float16.Fromfloat32(k[i])
			dv[i] = float16.Fromfloat32(v[i])
		}
	}
}

// Key returns the key vector at (row, pos). F32 storage returns a view;
// F16 storage decodes into scratch, which must hold Width elements.
func (l *LayerState) Key(row, pos int, scratch []float32) []float32 {
	off := l.offset(row, pos)
	switch l.prec {
	case F32:
		return l.k[off : off+l.stride]
	default:
		return decode16(scratch, l.k16[off:off+l.stride])
	}
}

// Value is Key for the value slab.
func (l *LayerState) Value(row, pos int, scratch []float32) []float32 {
	off := l.offset(row, pos)
	switch l.prec {
	case F32:
		return l.v[off : off+l.stride]
	default:
		return decode16(scratch, l.v16[off:off+l.stride])
	}
}

func decode16(dst []float32, src []float16.Float16) []float32 {
	dst = dst[:len(src)]
	for i, h := range src {
		dst[i] = h.Float32()
	}
	return dst
}
