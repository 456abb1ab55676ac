// Package api serves the decoder over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/kvdecode/internal/decode"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/tokenizer"
)

// DefaultMaxLengthLimit caps max_length when Defaults leaves it unset.
const DefaultMaxLengthLimit = 4096

// Defaults fill request fields the client leaves unset.
type Defaults struct {
	MaxLength int
	Mode      decode.ModeConfig
	// MaxBatch caps prompt_ids rows; 0 means no cap.
	MaxBatch int
	// MaxLengthLimit caps max_length; 0 selects DefaultMaxLengthLimit.
	MaxLengthLimit int
}

type Server struct {
	dec      *decode.Decoder
	tok      tokenizer.Tokenizer
	defaults Defaults
	log      logger.Logger
}

// NewServer serves dec. tok may be nil, in which case only prompt_ids are
// accepted and no text is returned.
func NewServer(dec *decode.Decoder, tok tokenizer.Tokenizer, defaults Defaults, log logger.Logger) *Server {
	if defaults.MaxLength <= 0 {
		defaults.MaxLength = 64
	}
	if defaults.MaxLengthLimit <= 0 {
		defaults.MaxLengthLimit = DefaultMaxLengthLimit
	}
	return &Server{dec: dec, tok: tok, defaults: defaults, log: logger.OrDiscard(log)}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/graphs", s.handleGraphs)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("decode body: %v", err))
	}
	prompts, err := s.prompts(&req)
	if err != nil {
		return writeRunError(c, err)
	}
	maxLength := s.defaults.MaxLength
	if req.MaxLength != nil {
		maxLength = *req.MaxLength
	}
	if maxLength > s.defaults.MaxLengthLimit {
		return writeRunError(c, newInvalidRequest(fmt.Sprintf("max_length %d exceeds limit %d", maxLength, s.defaults.MaxLengthLimit)))
	}
	mode := s.mode(&req)

	res, err := s.dec.Generate(c.Request().Context(), prompts, maxLength, mode)
	if err != nil {
		s.log.Warn("generate failed", "mode", mode.String(), "error", err)
		return writeRunError(c, err)
	}
	return writeJSON(c, http.StatusOK, s.response(res, mode, req.IncludeScores))
}

func (s *Server) prompts(req *GenerateRequest) ([][]int, error) {
	switch {
	case req.Prompt != nil && req.PromptIDs != nil:
		return nil, newInvalidRequest("prompt and prompt_ids are mutually exclusive")
	case req.PromptIDs != nil:
		if s.defaults.MaxBatch > 0 && len(req.PromptIDs) > s.defaults.MaxBatch {
			return nil, newInvalidRequest(fmt.Sprintf("batch of %d exceeds limit %d", len(req.PromptIDs), s.defaults.MaxBatch))
		}
		return req.PromptIDs, nil
	case req.Prompt != nil:
		if s.tok == nil {
			return nil, newInvalidRequest("no tokenizer loaded; send prompt_ids")
		}
		ids, err := s.tok.Encode(*req.Prompt)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("encode prompt: %v", err))
		}
		return [][]int{ids}, nil
	default:
		return nil, newInvalidRequest("prompt or prompt_ids is required")
	}
}

func (s *Server) mode(req *GenerateRequest) decode.ModeConfig {
	m := s.defaults.Mode
	if req.UseReplay != nil {
		m.UseReplay = *req.UseReplay
	}
	if req.FusedKernels != nil {
		m.FusedKernels = *req.FusedKernels
	}
	if req.Rotary != nil {
		m.Rotary = *req.Rotary
	}
	if req.HalfCache != nil {
		m.HalfCache = *req.HalfCache
	}
	return m
}

// response builds the reply. Text is best effort: a row holding ids the
// tokenizer cannot decode gets an empty string.
func (s *Server) response(res *decode.Result, mode decode.ModeConfig, scores bool) *GenerateResponse {
	resp := &GenerateResponse{
		ID:        "gen_" + res.RunID.String(),
		Mode:      mode.String(),
		Sequences: res.Sequences,
		Stopped:   res.Stopped,
		Timing: TimingInfo{
			PrefillMS: millis(res.Timing.Prefill),
			DecodeMS:  millis(res.Timing.Decode),
			TotalMS:   millis(res.Timing.Total),
			Steps:     res.Steps,
		},
	}
	if scores {
		resp.Scores = res.Scores
	}
	if s.tok != nil {
		resp.Text = make([]string, len(res.Sequences))
		for b := range res.Sequences {
			text, err := s.tok.Decode(res.Generated(b))
			if err != nil {
				s.log.Debug("text omitted", "id", resp.ID, "row", b, "error", err)
				continue
			}
			resp.Text[b] = text
		}
	}
	return resp
}

func (s *Server) handleGraphs(c *echo.Context) error {
	g := s.dec.Graphs()
	return writeJSON(c, http.StatusOK, GraphsResponse{Stats: g.Stats(), Limit: g.Limit()})
}

func (s *Server) handleHealth(c *echo.Context) error {
	m := s.dec.Model()
	return writeJSON(c, http.StatusOK, HealthResponse{
		Status:       "ok",
		Vocab:        m.VocabSize(),
		MaxPositions: m.MaxPositions(),
		IdleSessions: s.dec.IdleSessions(),
	})
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func writeRunError(c *echo.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return writeError(c, 499, "cancelled", err.Error())
	}
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error())
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, ErrorResponse{Error: ResponseError{Message: msg, Type: errType}})
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, b)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
