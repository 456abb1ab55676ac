package gpt

import (
	"errors"
	"math"

	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/position"
	"github.com/samcharles93/kvdecode/internal/step"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

// Layer holds one transformer block. Matrices are [out x in].
type Layer struct {
	LN1W, LN1B []float32
	QKV        tensor.Mat // [3D x D]
	QKVB       []float32
	Proj       tensor.Mat // [D x D]
	ProjB      []float32
	LN2W, LN2B []float32
	FC         tensor.Mat // [Inner x D]
	FCB        []float32
	Out        tensor.Mat // [D x Inner]
	OutB       []float32
}

// Model is a GPT-2 style transformer. The LM head is tied to WTE unless a
// checkpoint supplies its own.
type Model struct {
	cfg    Config
	WTE    tensor.Mat // [V x D]
	WPE    tensor.Mat // [NPositions x D]
	Layers []Layer
	LNFW   []float32
	LNFB   []float32
	Head   *tensor.Mat
}

var _ step.Model = (*Model)(nil)

func (m *Model) Config() Config { return m.cfg }

func (m *Model) VocabSize() int { return m.cfg.VocabSize }

// MaxPositions is the absolute horizon; 0 means the model has no table.
func (m *Model) MaxPositions() int { return m.cfg.NPositions }

// KVLayout reports the cache shape the model writes.
func (m *Model) KVLayout() (layers, heads, headDim int) {
	return m.cfg.NLayers, m.cfg.NHeads, m.cfg.HeadDim()
}

// Positions returns the positional scheme for a run. With rotary set the
// learned table is ignored and n_positions no longer bounds generation.
func (m *Model) Positions(rotary bool) (position.Scheme, error) {
	if rotary {
		return position.NewRotary(m.cfg.RotaryDim, m.cfg.RotaryBase)
	}
	if m.cfg.NPositions == 0 {
		return position.Scheme{}, errors.New("gpt: model has no absolute position table; use rotary")
	}
	return position.NewAbsolute(&m.WPE)
}

// CacheConfig sizes a decode cache for this model.
func (m *Model) CacheConfig(batch, maxLength int, prec kvcache.Precision) kvcache.Config {
	return kvcache.Config{
		NumLayers: m.cfg.NLayers,
		Batch:     batch,
		MaxLength: maxLength,
		NumHeads:  m.cfg.NHeads,
		HeadDim:   m.cfg.HeadDim(),
		Precision: prec,
	}
}

// SetRotaryDim changes how many dimensions per head rotary runs rotate.
// Zero restores the default of min(64, head dim).
func (m *Model) SetRotaryDim(dim int) error {
	cfg := m.cfg
	cfg.RotaryDim = dim
	if dim == 0 {
		cfg.RotaryDim = min(64, cfg.HeadDim())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfg = cfg
	return nil
}

// NumParams counts weights, with a tied head counted once.
func (m *Model) NumParams() int64 {
	n := len(m.WTE.Data) + len(m.WPE.Data) + len(m.LNFW) + len(m.LNFB)
	for i := range m.Layers {
		l := &m.Layers[i]
		n += len(l.LN1W) + len(l.LN1B) + len(l.QKV.Data) + len(l.QKVB) +
			len(l.Proj.Data) + len(l.ProjB) + len(l.LN2W) + len(l.LN2B) +
			len(l.FC.Data) + len(l.FCB) + len(l.Out.Data) + len(l.OutB)
	}
	if m.Head != &m.WTE {
		n += len(m.Head.Data)
	}
	return int64(n)
}

func newModel(cfg Config) *Model {
	d, inner := cfg.DModel, cfg.DInner
	m := &Model{
		cfg:    cfg,
		WTE:    tensor.NewMat(cfg.VocabSize, d),
		WPE:    tensor.NewMat(cfg.NPositions, d),
		Layers: make([]Layer, cfg.NLayers),
		LNFW:   make([]float32, d),
		LNFB:   make([]float32, d),
	}
	for i := range m.Layers {
		m.Layers[i] = Layer{
			LN1W:  make([]float32, d),
			LN1B:  make([]float32, d),
			QKV:   tensor.NewMat(3*d, d),
			QKVB:  make([]float32, 3*d),
			Proj:  tensor.NewMat(d, d),
			ProjB: make([]float32, d),
			LN2W:  make([]float32, d),
			LN2B:  make([]float32, d),
			FC:    tensor.NewMat(inner, d),
			FCB:   make([]float32, inner),
			Out:   tensor.NewMat(d, inner),
			OutB:  make([]float32, d),
		}
	}
	m.Head = &m.WTE
	return m
}

// fanIn returns the uniform range giving unit-variance outputs for n inputs.
func fanIn(n int) float32 {
	return float32(2 * math.Sqrt(3/float64(n)))
}

// NewRandom builds a model with reproducible pseudo-random weights.
func NewRandom(cfg Config, seed int64) (*Model, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := newModel(cfg)
	d, inner := cfg.DModel, cfg.DInner
	s := seed * 1000
	next := func() int64 { s++; return s }

	tensor.FillRand(&m.WTE, next(), 1)
	tensor.FillRand(&m.WPE, next(), 0.2)
	norm := func(w, b []float32) {
		tensor.FillRandVec(w, next(), 0.1)
		for i := range w {
			w[i] += 1
		}
		tensor.FillRandVec(b, next(), 0.1)
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		norm(l.LN1W, l.LN1B)
		norm(l.LN2W, l.LN2B)
		tensor.FillRand(&l.QKV, next(), fanIn(d))
		tensor.FillRandVec(l.QKVB, next(), 0.1)
		tensor.FillRand(&l.Proj, next(), fanIn(d)/2)
		tensor.FillRandVec(l.ProjB, next(), 0.1)
		tensor.FillRand(&l.FC, next(), fanIn(d))
		tensor.FillRandVec(l.FCB, next(), 0.1)
		tensor.FillRand(&l.Out, next(), fanIn(inner)/2)
		tensor.FillRandVec(l.OutB, next(), 0.1)
	}
	norm(m.LNFW, m.LNFB)
	return m, nil
}
