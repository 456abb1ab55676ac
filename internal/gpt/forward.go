package gpt

import (
	"fmt"

	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/step"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

type norm struct {
	w, b []float32
}

// Forward records the ops of one forward pass. All ops are per-row, so a
// position computes the same values whether it arrives in a prefill or an
// extend step.
func (m *Model) Forward(r *graph.Recorder, call *step.Call) error {
	ws, ok := call.Workspace.(*Workspace)
	if !ok {
		return fmt.Errorf("gpt: workspace of type %T", call.Workspace)
	}
	if call.Batch > ws.batch || call.New > ws.rows {
		return fmt.Errorf("gpt: step %dx%d exceeds workspace %dx%d", call.Batch, call.New, ws.batch, ws.rows)
	}
	cc := call.Cache.Config()
	if cc.NumLayers != m.cfg.NLayers || cc.NumHeads != m.cfg.NHeads || cc.HeadDim != m.cfg.HeadDim() {
		return fmt.Errorf("gpt: cache layout %dx%dx%d does not match model", cc.NumLayers, cc.NumHeads, cc.HeadDim)
	}
	if len(call.Encodings) != call.New {
		return fmt.Errorf("gpt: %d encodings for %d new positions", len(call.Encodings), call.New)
	}

	n := call.Batch * call.New
	r.Do(func() { m.embed(ws, call) })
	for l := range m.Layers {
		layer := &m.Layers[l]
		kv := call.Cache.Layer(l)
		// With fused kernels LN1 of every layer after the first is produced by
		// the previous layer's residual add.
		if !call.Fused || l == 0 {
			r.Do(func() { m.normRows(ws.h, ws.x, n, norm{layer.LN1W, layer.LN1B}, call.Fused) })
		}
		r.Do(func() { m.qkv(ws, call, layer, kv) })
		r.Do(func() { m.attend(ws, call, kv) })
		r.Do(func() { m.attnOut(ws, call, layer) })

		next := norm{m.LNFW, m.LNFB}
		if l+1 < len(m.Layers) {
			next = norm{m.Layers[l+1].LN1W, m.Layers[l+1].LN1B}
		}
		r.Do(func() { m.mlp(ws, call, layer, next) })
	}
	r.Do(func() { m.head(ws, call) })
	return nil
}

func (m *Model) embed(ws *Workspace, call *step.Call) {
	d := m.cfg.DModel
	for b := range call.Batch {
		for i := range call.New {
			r := b*call.New + i
			x := row(ws.x, r, d)
			copy(x, m.WTE.Row(int(call.IDs[r])))
			call.Scheme.AddTo(x, call.Encodings[i])
		}
	}
}

func (m *Model) normRows(dst, src []float32, n int, p norm, fused bool) {
	d := m.cfg.DModel
	for r := range n {
		if fused {
			tensor.LayerNormFused(row(dst, r, d), row(src, r, d), p.w, p.b, m.cfg.LayerNormEps)
		} else {
			tensor.LayerNorm(row(dst, r, d), row(src, r, d), p.w, p.b, m.cfg.LayerNormEps)
		}
	}
}

func linear(dst []float32, w *tensor.Mat, x, bias []float32, fused bool) {
	if fused {
		tensor.MatVecBias(dst, w, x, bias)
		return
	}
	tensor.MatVec(dst, w, x)
	tensor.Add(dst, bias)
}

func (m *Model) qkv(ws *Workspace, call *step.Call, layer *Layer, kv *kvcache.LayerState) {
	d := m.cfg.DModel
	heads, hd := m.cfg.NHeads, m.cfg.HeadDim()
	for b := range call.Batch {
		for i := range call.New {
			r := b*call.New + i
			out := row(ws.qkv, r, 3*d)
			linear(out, &layer.QKV, row(ws.h, r, d), layer.QKVB, call.Fused)
			q, k, v := out[:d], out[d:2*d], out[2*d:]
			enc := call.Encodings[i]
			call.Scheme.Rotate(q, heads, hd, enc)
			call.Scheme.Rotate(k, heads, hd, enc)
			kv.StoreKV(b, call.Start+i, k, v)
		}
	}
}

func (m *Model) attend(ws *Workspace, call *step.Call, kv *kvcache.LayerState) {
	d := m.cfg.DModel
	for b := range call.Batch {
		for i := range call.New {
			r := b*call.New + i
			q := row(ws.qkv, r, 3*d)[:d]
			out := row(ws.attn, r, d)
			pos := call.Start + i
			if call.Fused {
				m.flashAttention(ws, kv, b, pos, q, out)
			} else {
				m.attention(ws, kv, b, pos, q, out)
			}
		}
	}
}

func (m *Model) attnOut(ws *Workspace, call *step.Call, layer *Layer) {
	d := m.cfg.DModel
	for r := range call.Batch * call.New {
		proj := row(ws.proj, r, d)
		x := row(ws.x, r, d)
		linear(proj, &layer.Proj, row(ws.attn, r, d), layer.ProjB, call.Fused)
		if call.Fused {
			tensor.AddLayerNorm(row(ws.h, r, d), x, proj, layer.LN2W, layer.LN2B, m.cfg.LayerNormEps)
			continue
		}
		tensor.Add(x, proj)
		tensor.LayerNorm(row(ws.h, r, d), x, layer.LN2W, layer.LN2B, m.cfg.LayerNormEps)
	}
}

func (m *Model) mlp(ws *Workspace, call *step.Call, layer *Layer, next norm) {
	d, inner := m.cfg.DModel, m.cfg.DInner
	for r := range call.Batch * call.New {
		f := row(ws.fc, r, inner)
		h := row(ws.h, r, d)
		if call.Fused {
			tensor.MatVec(f, &layer.FC, h)
			tensor.BiasGELU(f, layer.FCB)
		} else {
			tensor.MatVec(f, &layer.FC, h)
			tensor.Add(f, layer.FCB)
			tensor.GELUInPlace(f)
		}
		proj := row(ws.proj, r, d)
		x := row(ws.x, r, d)
		linear(proj, &layer.Out, f, layer.OutB, call.Fused)
		if call.Fused {
			tensor.AddLayerNorm(h, x, proj, next.w, next.b, m.cfg.LayerNormEps)
			continue
		}
		tensor.Add(x, proj)
	}
}

// head projects the newest position of each batch row onto the vocabulary.
func (m *Model) head(ws *Workspace, call *step.Call) {
	d, vocab := m.cfg.DModel, m.cfg.VocabSize
	for b := range call.Batch {
		r := b*call.New + call.New - 1
		src := row(ws.h, r, d)
		if !call.Fused {
			src = row(ws.final, b, d)
			tensor.LayerNorm(src, row(ws.x, r, d), m.LNFW, m.LNFB, m.cfg.LayerNormEps)
		}
		tensor.MatVec(row(call.Logits, b, vocab), m.Head, src)
	}
}
