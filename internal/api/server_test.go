package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/kvdecode/internal/decode"
	"github.com/samcharles93/kvdecode/internal/gpt"
	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/position"
	"github.com/samcharles93/kvdecode/internal/step"
	"github.com/samcharles93/kvdecode/internal/tokenizer"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	m, err := gpt.NewRandom(gpt.TinyConfig(), 5)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	server := NewServer(decode.New(m), tokenizer.ByteLevel(), Defaults{MaxLength: 16, MaxBatch: 4}, nil)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestGenerateFromIDs(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt_ids":[[1,2,3],[7,8,9]],"max_length":8,"use_replay":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[GenerateResponse](t, rec)
	if !strings.HasPrefix(resp.ID, "gen_") {
		t.Fatalf("id = %q", resp.ID)
	}
	if resp.Mode != "replay/unfused/absolute/f32" {
		t.Fatalf("mode = %q", resp.Mode)
	}
	if len(resp.Sequences) != 2 || len(resp.Sequences[0]) != 8 || len(resp.Text) != 2 {
		t.Fatalf("sequences=%v text=%q", resp.Sequences, resp.Text)
	}
	if resp.Timing.Steps != 5 || resp.Scores != nil {
		t.Fatalf("steps=%d scores=%v", resp.Timing.Steps, resp.Scores != nil)
	}
}

func TestGenerateFromTextWithScores(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","include_scores":true,"rotary":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[GenerateResponse](t, rec)
	if diff := cmp.Diff([]int{'h', 'i'}, resp.Sequences[0][:2]); diff != "" {
		t.Fatalf("prompt ids:\n%s", diff)
	}
	if len(resp.Sequences[0]) != 16 {
		t.Fatalf("default max length not applied: %d", len(resp.Sequences[0]))
	}
	if len(resp.Scores) != resp.Timing.Steps || len(resp.Scores[0][0]) != gpt.TinyConfig().VocabSize {
		t.Fatalf("scores shape %d, steps %d", len(resp.Scores), resp.Timing.Steps)
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	cases := []struct {
		name   string
		body   string
		status int
		typ    string
	}{
		{"malformed", `{`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown field", `{"prompt":"a","temperature":0.7}`, http.StatusBadRequest, "invalid_request_error"},
		{"no prompt", `{}`, http.StatusBadRequest, "invalid_request_error"},
		{"both prompts", `{"prompt":"a","prompt_ids":[[1]]}`, http.StatusBadRequest, "invalid_request_error"},
		{"ragged", `{"prompt_ids":[[1,2],[3]]}`, http.StatusBadRequest, "invalid_request_error"},
		{"out of vocab", `{"prompt_ids":[[100000]]}`, http.StatusBadRequest, "invalid_request_error"},
		{"batch cap", `{"prompt_ids":[[1],[1],[1],[1],[1]]}`, http.StatusBadRequest, "invalid_request_error"},
		{"short max", `{"prompt_ids":[[1,2,3]],"max_length":2}`, http.StatusBadRequest, "invalid_request_error"},
		{"past table", `{"prompt_ids":[[1]],"max_length":100}`, http.StatusUnprocessableEntity, "capacity_error"},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/generate", tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: status %d, want %d body=%s", tc.name, rec.Code, tc.status, rec.Body.String())
		}
		resp := decodeBody[ErrorResponse](t, rec)
		if resp.Error.Type != tc.typ || resp.Error.Message == "" {
			t.Fatalf("%s: error = %+v", tc.name, resp.Error)
		}
	}

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt_ids":[[1]],"max_length":100,"rotary":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotary past table: status %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGraphsAndHealth(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	for range 2 {
		rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt_ids":[[4,5]],"max_length":6,"use_replay":true}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("generate: %d %s", rec.Code, rec.Body.String())
		}
	}
	rec := doJSON(t, e, http.MethodGet, "/v1/graphs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("graphs status %d", rec.Code)
	}
	stats := decodeBody[GraphsResponse](t, rec)
	if stats.Captures != 4 || stats.Replays != 4 || stats.Entries != 4 || stats.Limit != graph.DefaultLimit {
		t.Fatalf("stats = %+v", stats)
	}

	rec = doJSON(t, e, http.MethodGet, "/healthz", "")
	health := decodeBody[HealthResponse](t, rec)
	if rec.Code != http.StatusOK || health.Status != "ok" || health.Vocab != gpt.TinyConfig().VocabSize || health.IdleSessions != 1 {
		t.Fatalf("health %d %+v", rec.Code, health)
	}
}

type failingModel struct{}

type nopWorkspace struct{}

func (nopWorkspace) AppendBinding(*graph.Binding) {}

func (failingModel) VocabSize() int                      { return 8 }
func (failingModel) NewWorkspace(int, int) step.Workspace { return nopWorkspace{} }
func (failingModel) KVLayout() (int, int, int)            { return 1, 1, 4 }
func (failingModel) MaxPositions() int                    { return 0 }

func (failingModel) Positions(bool) (position.Scheme, error) {
	return position.NewRotary(4, position.DefaultRotaryBase)
}

func (failingModel) Forward(r *graph.Recorder, call *step.Call) error {
	r.Do(func() { panic("kernel fault") })
	return nil
}

func TestExecutionFailureIs500(t *testing.T) {
	t.Parallel()
	server := NewServer(decode.New(failingModel{}), nil, Defaults{}, nil)
	e := echo.New()
	server.Register(e)

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt_ids":[[1,2]]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[ErrorResponse](t, rec)
	if resp.Error.Type != "execution_error" || !strings.Contains(resp.Error.Message, "kernel fault") {
		t.Fatalf("error = %+v", resp.Error)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"text"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("text prompt without tokenizer: status %d", rec.Code)
	}
}

func TestTextIsBestEffortPerRow(t *testing.T) {
	t.Parallel()
	m, err := gpt.NewRandom(gpt.TinyConfig(), 5)
	if err != nil {
		t.Fatal(err)
	}
	tok := tokenizer.ByteLevel()
	if tok.VocabSize() >= m.VocabSize() {
		t.Fatalf("model vocab %d should exceed tokenizer vocab %d", m.VocabSize(), tok.VocabSize())
	}
	s := NewServer(decode.New(m), tok, Defaults{}, nil)
	res := &decode.Result{
		PromptLength: 1,
		Sequences:    [][]int{{1, 'h', 'i'}, {1, 'o', 400}},
		Stopped:      []bool{false, false},
		Steps:        2,
	}
	resp := s.response(res, decode.ModeConfig{}, false)
	if diff := cmp.Diff([]string{"hi", ""}, resp.Text); diff != "" {
		t.Fatalf("text (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(res.Sequences, resp.Sequences); diff != "" {
		t.Fatalf("sequences changed:\n%s", diff)
	}
}

func TestMaxLengthLimit(t *testing.T) {
	t.Parallel()
	m, err := gpt.NewRandom(gpt.TinyConfig(), 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, limit := range []int{0, 32} {
		server := NewServer(decode.New(m), nil, Defaults{MaxLengthLimit: limit}, nil)
		e := echo.New()
		server.Register(e)

		rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt_ids":[[1]],"max_length":1000000000,"rotary":true}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit %d: status %d body=%s", limit, rec.Code, rec.Body.String())
		}
		if resp := decodeBody[ErrorResponse](t, rec); resp.Error.Type != "invalid_request_error" {
			t.Fatalf("limit %d: error = %+v", limit, resp.Error)
		}
		rec = doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt_ids":[[1]],"max_length":8,"rotary":true}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("limit %d: short run status %d body=%s", limit, rec.Code, rec.Body.String())
		}
	}
}

func TestOversizedCacheIsCapacityError(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("allocate cache: %w", kvcache.ErrCacheTooLarge)
	if status, typ := classify(err); status != http.StatusUnprocessableEntity || typ != "capacity_error" {
		t.Fatalf("classify = %d %q", status, typ)
	}
}
