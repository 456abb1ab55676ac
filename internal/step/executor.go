package step

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/position"
)

// Options configures an Executor.
type Options struct {
	Mode   Mode
	Fused  bool
	Scheme position.Scheme
	// Graphs is required for Replay.
	Graphs *graph.Cache
	Logger logger.Logger
}

// Executor runs forward passes for one cache. Its id, logit and scratch
// buffers are allocated once so captured graphs stay valid across steps and
// across runs that Reset the cache.
type Executor struct {
	model Model
	cache *kvcache.DecodeCache
	opts  Options
	log   logger.Logger
	vocab int

	ws      Workspace
	ids     []int32
	logits  []float32
	rows    [][]float32
	binding graph.Binding
}

// NewExecutor binds model to cache.
func NewExecutor(model Model, cache *kvcache.DecodeCache, opts Options) (*Executor, error) {
	if model == nil || cache == nil {
		return nil, errors.New("step: model and cache are required")
	}
	switch opts.Mode {
	case Eager:
	case Replay:
		if opts.Graphs == nil {
			return nil, errors.New("step: replay mode requires a graph cache")
		}
	default:
		return nil, fmt.Errorf("step: unknown mode %v", opts.Mode)
	}
	if !opts.Scheme.Valid() {
		return nil, errors.New("step: positional scheme is required")
	}
	vocab := model.VocabSize()
	if vocab <= 0 {
		return nil, fmt.Errorf("step: model reports vocab size %d", vocab)
	}
	batch, maxLen := cache.Batch(), cache.MaxLength()
	e := &Executor{
		model:  model,
		cache:  cache,
		opts:   opts,
		log:    logger.OrDiscard(opts.Logger).With("arena", cache.ID().String(), "mode", opts.Mode.String()),
		vocab:  vocab,
		ws:     model.NewWorkspace(batch, maxLen),
		ids:    make([]int32, batch*maxLen),
		logits: make([]float32, batch*vocab),
		rows:   make([][]float32, batch),
	}
	for b := range e.rows {
		e.rows[b] = e.logits[b*vocab : (b+1)*vocab : (b+1)*vocab]
	}
	return e, nil
}

func (e *Executor) Cache() *kvcache.DecodeCache { return e.cache }

func (e *Executor) Mode() Mode { return e.opts.Mode }

func (e *Executor) VocabSize() int { return e.vocab }

// Step writes ids into the cache and returns the logits of the newest
// position for each batch row. The returned slices are owned by the executor
// and overwritten by the next call.
//
// Every check runs before anything is mutated: a rejected or failed step
// leaves the cache exactly as it was.
func (e *Executor) Step(ctx context.Context, ids [][]int, phase Phase) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := e.validate(ids, phase)
	if err != nil {
		return nil, err
	}
	if err := e.cache.CheckAdvance(n); err != nil {
		return nil, fmt.Errorf("%s of %d tokens: %w", phase, n, err)
	}
	start := e.cache.FilledLength()
	encs, err := e.opts.Scheme.EncodeRange(start, n)
	if err != nil {
		return nil, fmt.Errorf("%s at position %d: %w", phase, start, err)
	}

	batch := e.cache.Batch()
	in := e.ids[:batch*n]
	for b, row := range ids {
		for i, id := range row {
			in[b*n+i] = int32(id)
		}
	}

	shape := graph.Shape{Batch: batch, Length: start + n, New: n}
	e.bind(in)
	call := &Call{
		Cache:     e.cache,
		Workspace: e.ws,
		Scheme:    e.opts.Scheme,
		Fused:     e.opts.Fused,
		Batch:     batch,
		New:       n,
		Start:     start,
		Encodings: encs,
		IDs:       in,
		Logits:    e.logits,
	}

	switch e.opts.Mode {
	case Eager:
		err = e.runEager(call)
	case Replay:
		err = e.runReplay(call, shape)
	}
	if err != nil {
		return nil, &ExecutionError{Phase: phase, Shape: shape, Cause: err}
	}
	if err := e.cache.Advance(n); err != nil {
		return nil, err
	}
	return e.rows, nil
}

func (e *Executor) validate(ids [][]int, phase Phase) (int, error) {
	if len(ids) != e.cache.Batch() {
		return 0, fmt.Errorf("%s: got %d rows, cache batch is %d", phase, len(ids), e.cache.Batch())
	}
	n := len(ids[0])
	switch phase {
	case Prefill:
		if n < 1 {
			return 0, fmt.Errorf("prefill needs at least one token")
		}
	case Extend:
		if n != 1 {
			return 0, fmt.Errorf("extend takes exactly one token per row, got %d", n)
		}
	default:
		return 0, fmt.Errorf("unknown phase %v", phase)
	}
	for b, row := range ids {
		if len(row) != n {
			return 0, fmt.Errorf("%s: row %d has %d tokens, row 0 has %d", phase, b, len(row), n)
		}
		for _, id := range row {
			if id < 0 || id >= e.vocab {
				return 0, fmt.Errorf("%s: token id %d out of vocab range [0, %d)", phase, id, e.vocab)
			}
		}
	}
	return n, nil
}

func (e *Executor) bind(in []int32) {
	e.binding.Reset()
	e.cache.AppendBinding(&e.binding)
	graph.Bind(&e.binding, "ids", in)
	graph.Bind(&e.binding, "logits", e.logits)
	e.ws.AppendBinding(&e.binding)
}

func (e *Executor) runEager(call *Call) error {
	return e.forward(graph.NewRecorder(false), call)
}

func (e *Executor) runReplay(call *Call, shape graph.Shape) error {
	key := graph.Key{Arena: e.cache.ID(), Shape: shape}
	g, err := e.opts.Graphs.Acquire(key, &e.binding)
	switch {
	case err == nil && g != nil:
		e.log.Debug("replay", "shape", shape.String(), "ops", g.Ops())
		return guard(func() error { return g.Replay(&e.binding) })
	case errors.Is(err, graph.ErrShapeMismatch):
		e.log.Debug("stale graph, recapturing", "shape", shape.String(), "error", err)
	case err != nil:
		return err
	}

	if !e.opts.Graphs.BeginCapture(key) {
		e.log.Debug("capture in progress elsewhere, running eager", "shape", shape.String())
		return e.runEager(call)
	}
	rec := graph.NewRecorder(true)
	if err := e.forward(rec, call); err != nil {
		e.opts.Graphs.Abort(key)
		return err
	}
	captured, err := rec.Graph(key, &e.binding)
	if err != nil {
		e.opts.Graphs.Abort(key)
		return err
	}
	if err := e.opts.Graphs.Commit(captured); err != nil {
		return err
	}
	e.log.Debug("captured", "shape", shape.String(), "ops", captured.Ops())
	return nil
}

func (e *Executor) forward(r *graph.Recorder, call *Call) error {
	return guard(func() error { return e.model.Forward(r, call) })
}

func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in forward: %v", rec)
		}
	}()
	return fn()
}
