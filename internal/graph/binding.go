package graph

import (
	"fmt"
	"strings"
	"unsafe"
)

// Buffer is one fixed-address buffer a graph reads or writes.
type Buffer struct {
	Name string
	Addr uintptr
	Len  int
}

// Binding is the ordered set of buffers a graph was captured against.
// Two bindings are equal only if every buffer has the same address and
// length, in the same order.
type Binding struct {
	bufs []Buffer
}

// Bind appends the address and length of s to b.
func Bind[T any](b *Binding, name string, s []T) {
	b.bufs = append(b.bufs, Buffer{
		Name: name,
		Addr: uintptr(unsafe.Pointer(unsafe.SliceData(s))),
		Len:  len(s),
	})
}

// Reset empties b while keeping its backing storage.
func (b *Binding) Reset() { b.bufs = b.bufs[:0] }

func (b *Binding) Len() int { return len(b.bufs) }

// Buffers returns a copy of the bound buffers.
func (b *Binding) Buffers() []Buffer {
	return append([]Buffer(nil), b.bufs...)
}

func (b *Binding) Equal(o *Binding) bool {
	if b == nil || o == nil {
		return b == o
	}
	if len(b.bufs) != len(o.bufs) {
		return false
	}
	for i := range b.bufs {
		if b.bufs[i] != o.bufs[i] {
			return false
		}
	}
	return true
}

// clone snapshots b so the caller may keep mutating its own Binding.
func (b *Binding) clone() Binding {
	return Binding{bufs: b.Buffers()}
}

// diff names the first buffer that differs, for error messages.
func (b *Binding) diff(o *Binding) string {
	if len(b.bufs) != len(o.bufs) {
		return fmt.Sprintf("%d buffers, want %d", len(o.bufs), len(b.bufs))
	}
	var sb strings.Builder
	for i := range b.bufs {
		want, got := b.bufs[i], o.bufs[i]
		if want == got {
			continue
		}
		fmt.Fprintf(&sb, "%s: addr %#x len %d, want addr %#x len %d", got.Name, got.Addr, got.Len, want.Addr, want.Len)
		break
	}
	return sb.String()
}
