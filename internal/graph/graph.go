// Package graph records the op sequence of one forward pass and replays it
// later against the same fixed buffers.
package graph

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrShapeMismatch is returned when a captured graph is asked to run against
// buffers other than the ones it was captured with.
var ErrShapeMismatch = errors.New("graph shape mismatch")

// Shape identifies one forward program. Length is the total cached length
// after the step; New is the number of positions the step writes.
type Shape struct {
	Batch  int
	Length int
	New    int
}

func (s Shape) String() string {
	return fmt.Sprintf("b%d/l%d/n%d", s.Batch, s.Length, s.New)
}

// Key scopes a shape to one cache arena so graphs from different arenas never
// alias each other's buffers.
type Key struct {
	Arena uuid.UUID
	Shape Shape
}

// MismatchError describes why a binding was rejected.
type MismatchError struct {
	Key    Key
	Detail string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("graph %s: stale binding: %s", e.Key.Shape, e.Detail)
}

func (e *MismatchError) Unwrap() error { return ErrShapeMismatch }

// Graph is a captured op list bound to fixed buffers.
type Graph struct {
	key     Key
	binding Binding
	ops     []func()
}

func (g *Graph) Key() Key { return g.key }

// Ops returns the number of recorded ops.
func (g *Graph) Ops() int { return len(g.ops) }

// Check reports whether b matches the captured binding.
func (g *Graph) Check(b *Binding) error {
	if g.binding.Equal(b) {
		return nil
	}
	return &MismatchError{Key: g.key, Detail: g.binding.diff(b)}
}

// Replay validates b and then runs every recorded op in order. Inputs must
// already be copied into the bound buffers.
func (g *Graph) Replay(b *Binding) error {
	if err := g.Check(b); err != nil {
		return err
	}
	g.run()
	return nil
}

func (g *Graph) run() {
	for _, op := range g.ops {
		op()
	}
}

// Recorder is handed to a model's forward pass. Every op goes through Do,
// which runs it immediately and, while capturing, keeps it for replay.
type Recorder struct {
	capture bool
	ops     []func()
}

// NewRecorder returns a recorder; capture=false gives eager dispatch.
func NewRecorder(capture bool) *Recorder {
	return &Recorder{capture: capture}
}

func (r *Recorder) Capturing() bool { return r != nil && r.capture }

// Do runs op and records it when capturing. A nil Recorder runs op eagerly.
func (r *Recorder) Do(op func()) {
	op()
	if r.Capturing() {
		r.ops = append(r.ops, op)
	}
}

// Graph freezes the recorded ops under key and binding.
func (r *Recorder) Graph(key Key, b *Binding) (*Graph, error) {
	if !r.Capturing() {
		return nil, errors.New("recorder is not capturing")
	}
	if len(r.ops) == 0 {
		return nil, errors.New("recorder captured no ops")
	}
	g := &Graph{key: key, binding: b.clone(), ops: r.ops}
	r.ops = nil
	return g, nil
}
