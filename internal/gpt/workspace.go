package gpt

import (
	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/step"
)

// Workspace is the activation memory for one executor: batch rows of up to
// `rows` positions each. It is allocated once and never resized.
type Workspace struct {
	batch int
	rows  int

	x    []float32 // residual stream [batch*rows*D]
	h    []float32 // normalized input to the next matmul
	qkv  []float32 // [batch*rows*3D]
	attn []float32
	proj []float32
	fc   []float32 // [batch*rows*Inner]

	final  []float32 // [batch*D]
	scores []float32 // [heads*rows]
	kbuf   []float32 // F16 decode scratch
	vbuf   []float32
	runMax []float32 // online softmax state per head
	runSum []float32
}

// NewWorkspace allocates scratch for batch sequences of up to rows positions.
func (m *Model) NewWorkspace(batch, rows int) step.Workspace {
	d, inner := m.cfg.DModel, m.cfg.DInner
	n := batch * rows
	return &Workspace{
		batch:  batch,
		rows:   rows,
		x:      make([]float32, n*d),
		h:      make([]float32, n*d),
		qkv:    make([]float32, n*3*d),
		attn:   make([]float32, n*d),
		proj:   make([]float32, n*d),
		fc:     make([]float32, n*inner),
		final:  make([]float32, batch*d),
		scores: make([]float32, m.cfg.NHeads*rows),
		kbuf:   make([]float32, d),
		vbuf:   make([]float32, d),
		runMax: make([]float32, m.cfg.NHeads),
		runSum: make([]float32, m.cfg.NHeads),
	}
}

func (w *Workspace) AppendBinding(b *graph.Binding) {
	graph.Bind(b, "x", w.x)
	graph.Bind(b, "h", w.h)
	graph.Bind(b, "qkv", w.qkv)
	graph.Bind(b, "attn", w.attn)
	graph.Bind(b, "proj", w.proj)
	graph.Bind(b, "fc", w.fc)
	graph.Bind(b, "final", w.final)
	graph.Bind(b, "scores", w.scores)
}

// Bytes is the size of all activation buffers.
func (w *Workspace) Bytes() int64 {
	n := len(w.x) + len(w.h) + len(w.qkv) + len(w.attn) + len(w.proj) + len(w.fc) +
		len(w.final) + len(w.scores) + len(w.kbuf) + len(w.vbuf) + len(w.runMax) + len(w.runSum)
	return int64(n) * 4
}

func row(buf []float32, r, width int) []float32 {
	return buf[r*width : (r+1)*width : (r+1)*width]
}
