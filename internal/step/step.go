// Package step runs one forward pass against a decode cache, either by
// dispatching the model's ops directly or by replaying a captured graph.
package step

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/position"
)

// ErrExecutionFailure marks a forward pass that did not complete. The cache
// is not advanced for a failed step.
var ErrExecutionFailure = errors.New("execution failure")

// Phase selects between writing the whole prompt and extending by one token.
type Phase uint8

const (
	Prefill Phase = iota
	Extend
)

func (p Phase) String() string {
	switch p {
	case Prefill:
		return "prefill"
	case Extend:
		return "extend"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Mode selects how the forward pass is dispatched.
type Mode uint8

const (
	Eager Mode = iota
	Replay
)

func (m Mode) String() string {
	switch m {
	case Eager:
		return "eager"
	case Replay:
		return "replay"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Workspace is the model's scratch memory for one executor. It is allocated
// once and must keep the same buffers for its whole life.
type Workspace interface {
	AppendBinding(b *graph.Binding)
}

// Model is the forward capability the executor drives.
//
// Forward issues every op through r.Do. Ops must read token ids from
// call.IDs and write logits into call.Logits when they run, not when they
// are recorded, because a captured graph is replayed later with new ids in
// the same buffers. Per-step constants (start position, encodings, row
// counts) may be captured by value.
type Model interface {
	VocabSize() int
	NewWorkspace(batch, rows int) Workspace
	Forward(r *graph.Recorder, call *Call) error
}

// Call describes one forward pass.
type Call struct {
	Cache     *kvcache.DecodeCache
	Workspace Workspace
	Scheme    position.Scheme
	Fused     bool

	Batch int
	New   int
	// Start is the cache filled length before the step; new tokens land at
	// positions [Start, Start+New).
	Start     int
	Encodings []position.Encoding

	// IDs is [Batch*New] in row-major order.
	IDs []int32
	// Logits is [Batch*VocabSize] and receives the newest position per row.
	Logits []float32
}

// ExecutionError wraps a failed forward pass.
type ExecutionError struct {
	Phase Phase
	Shape graph.Shape
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Phase, e.Shape, ErrExecutionFailure, e.Cause)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrExecutionFailure, e.Cause} }
