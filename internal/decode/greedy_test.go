package decode

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samcharles93/kvdecode/internal/gpt"
	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/numerics"
	"github.com/samcharles93/kvdecode/internal/position"
	"golang.org/x/sync/errgroup"
)

func newModel(t *testing.T) *gpt.Model {
	t.Helper()
	m, err := gpt.NewRandom(gpt.TinyConfig(), 11)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	return m
}

func generate(t *testing.T, d *Decoder, prompts [][]int, maxLength int, mode ModeConfig) *Result {
	t.Helper()
	res, err := d.Generate(context.Background(), prompts, maxLength, mode)
	if err != nil {
		t.Fatalf("Generate(%s): %v", mode, err)
	}
	return res
}

var (
	shortPrompt = [][]int{{21, 7, 300, 45}}
	batchPrompt = [][]int{{21, 7, 300, 45}, {499, 0, 12, 88}, {5, 5, 5, 5}}
)

func TestGenerateShape(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	res := generate(t, d, batchPrompt, 12, ModeConfig{})
	if res.Steps != 8 || len(res.Scores) != 8 {
		t.Fatalf("steps=%d scores=%d, want 8", res.Steps, len(res.Scores))
	}
	for b, seq := range res.Sequences {
		if len(seq) != 12 {
			t.Fatalf("row %d length %d", b, len(seq))
		}
		if diff := cmp.Diff(batchPrompt[b], seq[:4]); diff != "" {
			t.Fatalf("row %d prompt not preserved:\n%s", b, diff)
		}
		if len(res.Generated(b)) != 8 {
			t.Fatalf("row %d generated %d tokens", b, len(res.Generated(b)))
		}
	}
	for i, step := range res.Scores {
		if len(step) != 3 || len(step[0]) != gpt.TinyConfig().VocabSize {
			t.Fatalf("scores[%d] shape %dx%d", i, len(step), len(step[0]))
		}
	}
	if res.Timing.Total < res.Timing.Prefill {
		t.Fatalf("timing %+v", res.Timing)
	}
}

func TestReplayMatchesEager(t *testing.T) {
	t.Parallel()
	m := newModel(t)
	for _, base := range []ModeConfig{{}, {FusedKernels: true}, {Rotary: true}, {HalfCache: true}} {
		d := New(m)
		eager := generate(t, d, batchPrompt, 16, base)

		replay := base
		replay.UseReplay = true
		first := generate(t, d, batchPrompt, 16, replay)
		second := generate(t, d, batchPrompt, 16, replay)
		for _, got := range []*Result{first, second} {
			if diff := cmp.Diff(eager.Sequences, got.Sequences); diff != "" {
				t.Fatalf("%s: sequences (-eager +replay):\n%s", replay, diff)
			}
			if diff := cmp.Diff(eager.Scores, got.Scores); diff != "" {
				t.Fatalf("%s: scores differ", replay)
			}
		}
		st := d.Graphs().Stats()
		if st.Captures != 12 || st.Replays != 12 {
			t.Fatalf("%s: stats %+v, want 12 captures then 12 replays", replay, st)
		}
	}
}

func TestFusedMatchesUnfused(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	tol := numerics.DefaultTolerance()
	for _, rotary := range []bool{false, true} {
		ref := generate(t, d, batchPrompt, 20, ModeConfig{Rotary: rotary})
		fused := generate(t, d, batchPrompt, 20, ModeConfig{Rotary: rotary, FusedKernels: true, UseReplay: true})
		if diff := cmp.Diff(ref.Sequences, fused.Sequences); diff != "" {
			t.Fatalf("rotary=%v: sequences (-unfused +fused):\n%s", rotary, diff)
		}
		rep, err := numerics.CompareSteps(fused.Scores, ref.Scores, tol)
		if err != nil {
			t.Fatal(err)
		}
		if !rep.Within() {
			t.Fatalf("rotary=%v: %s", rotary, rep)
		}
	}
}

func TestRecomputeMatchesStepwise(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	for _, mode := range []ModeConfig{{}, {FusedKernels: true}, {Rotary: true}, {HalfCache: true}} {
		stepwise := generate(t, d, batchPrompt, 14, mode)
		ref, err := d.Recompute(context.Background(), batchPrompt, 14, mode)
		if err != nil {
			t.Fatalf("Recompute(%s): %v", mode, err)
		}
		if diff := cmp.Diff(ref.Sequences, stepwise.Sequences); diff != "" {
			t.Fatalf("%s: sequences (-recompute +stepwise):\n%s", mode, diff)
		}
		if diff := cmp.Diff(ref.Scores, stepwise.Scores); diff != "" {
			t.Fatalf("%s: scores differ between recompute and stepwise", mode)
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	t.Parallel()
	m := newModel(t)
	a := generate(t, New(m), shortPrompt, 20, ModeConfig{UseReplay: true})
	b := generate(t, New(m), shortPrompt, 20, ModeConfig{UseReplay: true})
	if diff := cmp.Diff(a.Sequences, b.Sequences); diff != "" {
		t.Fatalf("repeat run differs:\n%s", diff)
	}
	if a.RunID == b.RunID {
		t.Fatal("runs share an id")
	}
}

func TestRotaryRunsPastPositionTable(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	limit := gpt.TinyConfig().NPositions

	res := generate(t, d, shortPrompt, limit+16, ModeConfig{Rotary: true, UseReplay: true})
	if got := len(res.Sequences[0]); got != limit+16 {
		t.Fatalf("length %d, want %d", got, limit+16)
	}

	_, err := d.Generate(context.Background(), shortPrompt, limit+1, ModeConfig{})
	if !errors.Is(err, position.ErrPositionOutOfRange) {
		t.Fatalf("absolute past table: err = %v", err)
	}
	var re *position.RangeError
	if !errors.As(err, &re) || re.Limit != limit {
		t.Fatalf("range error = %+v", re)
	}
	if d.IdleSessions() != 1 {
		t.Fatalf("rejected run leased a session: %d idle", d.IdleSessions())
	}
}

func TestStopTokenEndsRow(t *testing.T) {
	t.Parallel()
	m := newModel(t)
	free := generate(t, New(m), shortPrompt, 20, ModeConfig{})
	gen := free.Generated(0)
	stop := gen[3]
	first := 0
	for gen[first] != stop {
		first++
	}

	d := New(m, WithStopTokens(stop))
	res := generate(t, d, shortPrompt, 20, ModeConfig{UseReplay: true})
	if !res.Stopped[0] {
		t.Fatal("row not marked stopped")
	}
	if diff := cmp.Diff(gen[:first+1], res.Generated(0)); diff != "" {
		t.Fatalf("generated (-want +got):\n%s", diff)
	}
	if res.Steps != first+1 {
		t.Fatalf("steps = %d, want %d", res.Steps, first+1)
	}
	if diff := cmp.Diff([]int{stop}, d.StopTokens()); diff != "" {
		t.Fatalf("stop tokens:\n%s", diff)
	}
}

func TestFinishedRowsArePadded(t *testing.T) {
	t.Parallel()
	m := newModel(t)
	free := generate(t, New(m), batchPrompt, 16, ModeConfig{})
	stop := free.Generated(0)[0]

	res := generate(t, New(m, WithStopTokens(stop)), batchPrompt, 16, ModeConfig{})
	if !res.Stopped[0] {
		t.Fatal("row 0 should stop on its first token")
	}
	for _, tok := range res.Generated(0) {
		if tok != stop {
			t.Fatalf("row 0 not padded with stop token: %v", res.Generated(0))
		}
	}
	for b := range batchPrompt {
		if len(res.Sequences[b]) != len(res.Sequences[0]) {
			t.Fatalf("ragged rows: %d vs %d", len(res.Sequences[b]), len(res.Sequences[0]))
		}
	}
}

func TestConcurrentRuns(t *testing.T) {
	t.Parallel()
	m := newModel(t)
	d := New(m)
	mode := ModeConfig{UseReplay: true, FusedKernels: true}
	want := generate(t, New(m), batchPrompt, 18, ModeConfig{FusedKernels: true})

	var g errgroup.Group
	results := make([]*Result, 8)
	for i := range results {
		g.Go(func() error {
			res, err := d.Generate(context.Background(), batchPrompt, 18, mode)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Generate: %v", err)
	}
	for i, res := range results {
		if diff := cmp.Diff(want.Sequences, res.Sequences); diff != "" {
			t.Fatalf("run %d (-want +got):\n%s", i, diff)
		}
	}
	if n := d.IdleSessions(); n == 0 || n > DefaultMaxIdleSessions {
		t.Fatalf("idle sessions = %d", n)
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	vocab := gpt.TinyConfig().VocabSize
	cases := []struct {
		name    string
		prompts [][]int
		max     int
		want    error
	}{
		{"no prompts", nil, 8, ErrInvalidPrompt},
		{"empty row", [][]int{{}}, 8, ErrInvalidPrompt},
		{"ragged", [][]int{{1, 2}, {3}}, 8, ErrInvalidPrompt},
		{"negative id", [][]int{{1, -1}}, 8, ErrInvalidPrompt},
		{"id past vocab", [][]int{{vocab}}, 8, ErrInvalidPrompt},
		{"short max", [][]int{{1, 2, 3}}, 2, ErrInvalidLength},
	}
	for _, tc := range cases {
		_, err := d.Generate(context.Background(), tc.prompts, tc.max, ModeConfig{})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
		_, err = d.Recompute(context.Background(), tc.prompts, tc.max, ModeConfig{})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s recompute: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	if d.IdleSessions() != 0 {
		t.Fatal("invalid runs allocated sessions")
	}
}

func TestPromptAtMaxLength(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	res := generate(t, d, shortPrompt, len(shortPrompt[0]), ModeConfig{UseReplay: true})
	if res.Steps != 0 || len(res.Scores) != 0 || len(res.Generated(0)) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if d.Graphs().Stats().Captures != 0 {
		t.Fatal("no step should have run")
	}
}

func TestHalfCacheWithinTolerance(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	tol := numerics.DefaultTolerance()
	ref := generate(t, d, batchPrompt, 5, ModeConfig{})
	half := generate(t, d, batchPrompt, 5, ModeConfig{HalfCache: true})
	rep, err := numerics.CompareSteps(half.Scores, ref.Scores, tol)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Within() {
		t.Fatalf("half cache: %s", rep)
	}
	if rep.MaxAbs == 0 {
		t.Fatal("half cache produced identical scores; precision not applied")
	}
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Generate(ctx, shortPrompt, 10, ModeConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if _, err := d.Recompute(ctx, shortPrompt, 10, ModeConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("recompute err = %v", err)
	}
}

func TestSessionReuseAndRelease(t *testing.T) {
	t.Parallel()
	m := newModel(t)

	d := New(m, WithMaxIdleSessions(0))
	generate(t, d, shortPrompt, 10, ModeConfig{UseReplay: true})
	if st := d.Graphs().Stats(); st.Captures != 6 || st.Entries != 0 {
		t.Fatalf("released session kept graphs: %+v", st)
	}

	d = New(m)
	generate(t, d, shortPrompt, 10, ModeConfig{UseReplay: true})
	generate(t, d, shortPrompt, 10, ModeConfig{UseReplay: true})
	if st := d.Graphs().Stats(); st.Captures != 6 || st.Replays != 6 || st.Entries != 6 {
		t.Fatalf("reused session stats: %+v", st)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if d.IdleSessions() != 0 || d.Graphs().Len() != 0 {
		t.Fatalf("Close left %d sessions, %d graphs", d.IdleSessions(), d.Graphs().Len())
	}
}

func TestModeConfigString(t *testing.T) {
	t.Parallel()
	if got := (ModeConfig{}).String(); got != "eager/unfused/absolute/f32" {
		t.Fatalf("zero mode = %q", got)
	}
	all := ModeConfig{UseReplay: true, FusedKernels: true, Rotary: true, HalfCache: true}
	if got := all.String(); got != "replay/fused/rotary/f16" {
		t.Fatalf("all mode = %q", got)
	}
}

func TestHugeRotaryLengthFailsCleanly(t *testing.T) {
	t.Parallel()
	d := New(newModel(t))
	for _, maxLength := range []int{1 << 60, 1_000_000_000} {
		_, err := d.Generate(context.Background(), [][]int{{1, 2, 3}}, maxLength, ModeConfig{Rotary: true})
		if !errors.Is(err, kvcache.ErrCacheTooLarge) {
			t.Fatalf("max_length %d: err = %v", maxLength, err)
		}
		_, err = d.Recompute(context.Background(), [][]int{{1, 2, 3}}, maxLength, ModeConfig{Rotary: true})
		if !errors.Is(err, kvcache.ErrCacheTooLarge) {
			t.Fatalf("recompute max_length %d: err = %v", maxLength, err)
		}
	}
	if d.IdleSessions() != 0 {
		t.Fatal("failed runs parked sessions")
	}
}
