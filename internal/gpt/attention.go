package gpt

import (
	"math"

	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

// attention is causal multi-head attention for the query at pos over cached
// positions [0, pos]. Scores are materialized and normalized per head.
func (m *Model) attention(ws *Workspace, kv *kvcache.LayerState, b, pos int, q, out []float32) {
	heads, hd := m.cfg.NHeads, m.cfg.HeadDim()
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	n := pos + 1
	for t := range n {
		k := kv.Key(b, t, ws.kbuf)
		for h := range heads {
			qh := q[h*hd : (h+1)*hd]
			ws.scores[h*ws.rows+t] = tensor.Dot(qh, k[h*hd:(h+1)*hd]) * scale
		}
	}
	for h := range heads {
		tensor.Softmax(ws.scores[h*ws.rows : h*ws.rows+n])
	}
	clear(out)
	for t := range n {
		v := kv.Value(b, t, ws.vbuf)
		for h := range heads {
			w := ws.scores[h*ws.rows+t]
			oh := out[h*hd : (h+1)*hd]
			vh := v[h*hd : (h+1)*hd]
			for j := range oh {
				oh[j] += w * vh[j]
			}
		}
	}
}

// flashAttention computes the same result in one pass over keys and values,
// keeping a running max and denominator per head instead of a score row.
func (m *Model) flashAttention(ws *Workspace, kv *kvcache.LayerState, b, pos int, q, out []float32) {
	heads, hd := m.cfg.NHeads, m.cfg.HeadDim()
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	runMax, runSum := ws.runMax, ws.runSum
	for h := range heads {
		runMax[h] = float32(math.Inf(-1))
		runSum[h] = 0
	}
	clear(out)
	for t := range pos + 1 {
		k := kv.Key(b, t, ws.kbuf)
		v := kv.Value(b, t, ws.vbuf)
		for h := range heads {
			oh := out[h*hd : (h+1)*hd]
			vh := v[h*hd : (h+1)*hd]
			s := tensor.Dot(q[h*hd:(h+1)*hd], k[h*hd:(h+1)*hd]) * scale
			if s > runMax[h] {
				corr := float32(math.Exp(float64(runMax[h] - s)))
				runSum[h] *= corr
				for j := range oh {
					oh[j] *= corr
				}
				runMax[h] = s
			}
			p := float32(math.Exp(float64(s - runMax[h])))
			runSum[h] += p
			for j := range oh {
				oh[j] += p * vh[j]
			}
		}
	}
	for h := range heads {
		tensor.Scale(out[h*hd:(h+1)*hd], 1/runSum[h])
	}
}
