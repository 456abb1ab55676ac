// Package decode runs greedy autoregressive generation over a step executor.
package decode

import (
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/logits"
	"github.com/samcharles93/kvdecode/internal/position"
	"github.com/samcharles93/kvdecode/internal/step"
)

// DefaultMaxIdleSessions bounds how many released sessions are kept warm.
const DefaultMaxIdleSessions = 4

// Model is what the decoder needs beyond the forward pass: the cache layout
// it writes and the positional schemes it supports.
type Model interface {
	step.Model
	KVLayout() (layers, heads, headDim int)
	Positions(rotary bool) (position.Scheme, error)
	MaxPositions() int
}

// ModeConfig selects the execution variant of a run. Every combination must
// produce the same tokens.
type ModeConfig struct {
	UseReplay    bool `json:"use_replay" yaml:"use_replay"`
	FusedKernels bool `json:"fused_kernels" yaml:"fused_kernels"`
	Rotary       bool `json:"rotary" yaml:"rotary"`
	HalfCache    bool `json:"half_cache" yaml:"half_cache"`
}

func (m ModeConfig) String() string {
	parts := []string{"eager", "unfused", "absolute", "f32"}
	if m.UseReplay {
		parts[0] = "replay"
	}
	if m.FusedKernels {
		parts[1] = "fused"
	}
	if m.Rotary {
		parts[2] = "rotary"
	}
	if m.HalfCache {
		parts[3] = "f16"
	}
	return strings.Join(parts, "/")
}

func (m ModeConfig) precision() kvcache.Precision {
	if m.HalfCache {
		return kvcache.F16
	}
	return kvcache.F32
}

func (m ModeConfig) stepMode() step.Mode {
	if m.UseReplay {
		return step.Replay
	}
	return step.Eager
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithStopTokens ends a row once it produces any of ids.
func WithStopTokens(ids ...int) Option {
	return func(d *Decoder) { d.stops = logits.NewStopSet(ids...) }
}

// WithGraphCache shares an existing graph cache, e.g. between decoders over
// the same model.
func WithGraphCache(c *graph.Cache) Option {
	return func(d *Decoder) { d.graphs = c }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

// WithMaxIdleSessions sets how many released sessions are kept for reuse.
// Zero disables reuse; every run then allocates a fresh cache.
func WithMaxIdleSessions(n int) Option {
	return func(d *Decoder) { d.maxIdle = max(n, 0) }
}

// Decoder generates sequences with greedy selection. It is safe for
// concurrent use: each run leases its own session, and only the graph cache
// is shared.
type Decoder struct {
	model   Model
	stops   logits.StopSet
	graphs  *graph.Cache
	log     logger.Logger
	maxIdle int

	mu    sync.Mutex
	idle  map[sessionKey][]*session
	nidle int
}

func New(model Model, opts ...Option) *Decoder {
	d := &Decoder{
		model:   model,
		stops:   logits.NewStopSet(),
		maxIdle: DefaultMaxIdleSessions,
		idle:    make(map[sessionKey][]*session),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.graphs == nil {
		d.graphs = graph.NewCache(graph.DefaultLimit)
	}
	d.log = logger.OrDiscard(d.log)
	return d
}

func (d *Decoder) Graphs() *graph.Cache { return d.graphs }

func (d *Decoder) StopTokens() []int { return d.stops.IDs() }

func (d *Decoder) Model() Model { return d.model }

// IdleSessions reports how many sessions are parked for reuse.
func (d *Decoder) IdleSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nidle
}

// Close drops idle sessions and their captured graphs.
func (d *Decoder) Close() error {
	d.mu.Lock()
	idle := d.idle
	d.idle = make(map[sessionKey][]*session)
	d.nidle = 0
	d.mu.Unlock()
	for _, list := range idle {
		for _, s := range list {
			d.graphs.Forget(s.cache.ID())
		}
	}
	return nil
}

// sessionKey identifies sessions that can serve the same run shape.
type sessionKey struct {
	batch     int
	maxLength int
	prec      kvcache.Precision
	mode      step.Mode
	fused     bool
	rotary    bool
}

// session is a cache plus the executor bound to it. It is leased by one run
// at a time.
type session struct {
	key   sessionKey
	cache *kvcache.DecodeCache
	exec  *step.Executor
}

func (d *Decoder) lease(key sessionKey, scheme position.Scheme) (*session, error) {
	d.mu.Lock()
	if list := d.idle[key]; len(list) > 0 {
		s := list[len(list)-1]
		d.idle[key] = list[:len(list)-1]
		d.nidle--
		d.mu.Unlock()
		s.cache.Reset()
		return s, nil
	}
	d.mu.Unlock()

	layers, heads, headDim := d.model.KVLayout()
	cache, err := kvcache.Allocate(kvcache.Config{
		NumLayers: layers,
		Batch:     key.batch,
		MaxLength: key.maxLength,
		NumHeads:  heads,
		HeadDim:   headDim,
		Precision: key.prec,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate cache: %w", err)
	}
	exec, err := step.NewExecutor(d.model, cache, step.Options{
		Mode:   key.mode,
		Fused:  key.fused,
		Scheme: scheme,
		Graphs: d.graphs,
		Logger: d.log,
	})
	if err != nil {
		return nil, err
	}
	d.log.Debug("session allocated", "arena", cache.ID().String(), "batch", key.batch, "max_length", key.maxLength, "precision", key.prec.String())
	return &session{key: key, cache: cache, exec: exec}, nil
}

func (d *Decoder) release(s *session) {
	d.mu.Lock()
	if d.nidle < d.maxIdle {
		d.idle[s.key] = append(d.idle[s.key], s)
		d.nidle++
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	if n := d.graphs.Forget(s.cache.ID()); n > 0 {
		d.log.Debug("session dropped", "arena", s.cache.ID().String(), "graphs", n)
	}
}
