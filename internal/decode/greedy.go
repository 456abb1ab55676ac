package decode

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samcharles93/kvdecode/internal/logits"
	"github.com/samcharles93/kvdecode/internal/position"
	"github.com/samcharles93/kvdecode/internal/step"
)

// Timing splits a run into the prompt pass and the token-by-token loop.
type Timing struct {
	Prefill time.Duration `json:"prefill"`
	Decode  time.Duration `json:"decode"`
	Total   time.Duration `json:"total"`
}

// Result is the output of one run.
type Result struct {
	RunID        uuid.UUID
	PromptLength int
	// Sequences holds prompt plus generated tokens for each row.
	Sequences [][]int
	// Scores[i][b] are the logits that selected generated token i of row b.
	Scores [][][]float32
	// Stopped reports which rows produced a stop token.
	Stopped []bool
	Steps   int
	Timing  Timing
}

// Generated returns the tokens row b produced after its prompt.
func (r *Result) Generated(b int) []int {
	return r.Sequences[b][r.PromptLength:]
}

func (r *Result) length() int { return len(r.Sequences[0]) }

func (r *Result) done() bool {
	for _, s := range r.Stopped {
		if !s {
			return false
		}
	}
	return true
}

func newResult(prompts [][]int) *Result {
	r := &Result{
		RunID:        uuid.New(),
		PromptLength: len(prompts[0]),
		Sequences:    make([][]int, len(prompts)),
		Stopped:      make([]bool, len(prompts)),
	}
	for b, p := range prompts {
		r.Sequences[b] = append(make([]int, 0, len(p)+1), p...)
	}
	return r
}

// pick records the scores of one step and appends the greedy token of each
// row. Rows that already stopped repeat their stop token.
func (d *Decoder) pick(r *Result, rows [][]float32) {
	scores := make([][]float32, len(rows))
	best := logits.ArgMaxRows(make([]int, 0, len(rows)), rows)
	for b, row := range rows {
		scores[b] = append([]float32(nil), row...)
		seq := r.Sequences[b]
		tok := seq[len(seq)-1]
		if !r.Stopped[b] {
			tok = best[b]
			r.Stopped[b] = d.stops.IsStop(tok)
		}
		r.Sequences[b] = append(seq, tok)
	}
	r.Scores = append(r.Scores, scores)
	r.Steps++
}

func (r *Result) lastTokens(dst [][]int) [][]int {
	for b, seq := range r.Sequences {
		dst[b][0] = seq[len(seq)-1]
	}
	return dst
}

// validate checks prompt shape and ids and returns the prompt length.
func (d *Decoder) validate(prompts [][]int, maxLength int) (int, error) {
	if len(prompts) == 0 {
		return 0, &promptError{row: -1, reason: "no prompts"}
	}
	n := len(prompts[0])
	vocab := d.model.VocabSize()
	for b, p := range prompts {
		if len(p) == 0 {
			return 0, &promptError{row: b, reason: "empty"}
		}
		if len(p) != n {
			return 0, &promptError{row: b, reason: fmt.Sprintf("length %d, row 0 has %d", len(p), n)}
		}
		for _, id := range p {
			if id < 0 || id >= vocab {
				return 0, &promptError{row: b, reason: fmt.Sprintf("token id %d out of vocab range [0, %d)", id, vocab)}
			}
		}
	}
	if maxLength < n {
		return 0, fmt.Errorf("%w: max_length %d is shorter than the prompt (%d)", ErrInvalidLength, maxLength, n)
	}
	return n, nil
}

// scheme resolves the positional scheme and rejects runs the absolute table
// cannot reach before any work is done.
func (d *Decoder) scheme(mode ModeConfig, maxLength int) (position.Scheme, error) {
	s, err := d.model.Positions(mode.Rotary)
	if err != nil {
		return position.Scheme{}, err
	}
	if err := s.Check(0, maxLength-1); err != nil {
		return position.Scheme{}, fmt.Errorf("max_length %d with %s positions: %w", maxLength, s.Kind(), err)
	}
	return s, nil
}

// Generate decodes greedily until every row reaches maxLength tokens or
// produces a stop token. All prompts must have the same length.
func (d *Decoder) Generate(ctx context.Context, prompts [][]int, maxLength int, mode ModeConfig) (*Result, error) {
	start := time.Now()
	plen, err := d.validate(prompts, maxLength)
	if err != nil {
		return nil, err
	}
	scheme, err := d.scheme(mode, maxLength)
	if err != nil {
		return nil, err
	}
	res := newResult(prompts)
	log := d.log.With("run_id", res.RunID.String(), "mode", mode.String())
	if plen == maxLength {
		log.Debug("prompt already at max length")
		res.Timing.Total = time.Since(start)
		return res, nil
	}

	s, err := d.lease(sessionKey{
		batch:     len(prompts),
		maxLength: maxLength,
		prec:      mode.precision(),
		mode:      mode.stepMode(),
		fused:     mode.FusedKernels,
		rotary:    mode.Rotary,
	}, scheme)
	if err != nil {
		return nil, err
	}
	defer d.release(s)

	log.Debug("prefill", "batch", len(prompts), "tokens", plen, "arena", s.cache.ID().String())
	t := time.Now()
	out, err := s.exec.Step(ctx, prompts, step.Prefill)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}
	d.pick(res, out)
	res.Timing.Prefill = time.Since(t)

	t = time.Now()
	next := make([][]int, len(prompts))
	for b := range next {
		next[b] = make([]int, 1)
	}
	for res.length() < maxLength && !res.done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err = s.exec.Step(ctx, res.lastTokens(next), step.Extend)
		if err != nil {
			return nil, fmt.Errorf("extend at length %d: %w", res.length(), err)
		}
		d.pick(res, out)
	}
	res.Timing.Decode = time.Since(t)
	res.Timing.Total = time.Since(start)

	log.Info("generation complete",
		"batch", len(prompts),
		"prompt", plen,
		"length", res.length(),
		"steps", res.Steps,
		"stopped", res.done(),
		"prefill", res.Timing.Prefill,
		"decode", res.Timing.Decode,
	)
	return res, nil
}

// Recompute is the reference path: at every length it resets the cache and
// prefills the whole running sequence, so no K/V state survives between
// tokens. Replay is never used; the other mode fields apply.
func (d *Decoder) Recompute(ctx context.Context, prompts [][]int, maxLength int, mode ModeConfig) (*Result, error) {
	start := time.Now()
	plen, err := d.validate(prompts, maxLength)
	if err != nil {
		return nil, err
	}
	scheme, err := d.scheme(mode, maxLength)
	if err != nil {
		return nil, err
	}
	res := newResult(prompts)
	if plen == maxLength {
		res.Timing.Total = time.Since(start)
		return res, nil
	}

	s, err := d.lease(sessionKey{
		batch:     len(prompts),
		maxLength: maxLength,
		prec:      mode.precision(),
		mode:      step.Eager,
		fused:     mode.FusedKernels,
		rotary:    mode.Rotary,
	}, scheme)
	if err != nil {
		return nil, err
	}
	defer d.release(s)

	t := time.Now()
	for res.length() < maxLength && !res.done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cache.Reset()
		out, err := s.exec.Step(ctx, res.Sequences, step.Prefill)
		if err != nil {
			return nil, fmt.Errorf("recompute at length %d: %w", res.length(), err)
		}
		d.pick(res, out)
		if res.Steps == 1 {
			res.Timing.Prefill = time.Since(t)
			t = time.Now()
		}
	}
	res.Timing.Decode = time.Since(t)
	res.Timing.Total = time.Since(start)
	d.log.Debug("recompute complete", "run_id", res.RunID.String(), "steps", res.Steps)
	return res, nil
}
