package api

import "github.com/samcharles93/kvdecode/internal/graph"

type GenerateRequest struct {
	Prompt        *string `json:"prompt,omitempty"`
	PromptIDs     [][]int `json:"prompt_ids,omitempty"`
	MaxLength     *int    `json:"max_length,omitempty"`
	UseReplay     *bool   `json:"use_replay,omitempty"`
	FusedKernels  *bool   `json:"fused_kernels,omitempty"`
	Rotary        *bool   `json:"rotary,omitempty"`
	HalfCache     *bool   `json:"half_cache,omitempty"`
	IncludeScores bool    `json:"include_scores,omitempty"`
}

type GenerateResponse struct {
	ID        string        `json:"id"`
	Mode      string        `json:"mode"`
	Sequences [][]int       `json:"sequences"`
	Text      []string      `json:"text,omitempty"`
	Stopped   []bool        `json:"stopped"`
	Scores    [][][]float32 `json:"scores,omitempty"`
	Timing    TimingInfo    `json:"timing"`
}

type TimingInfo struct {
	PrefillMS float64 `json:"prefill_ms"`
	DecodeMS  float64 `json:"decode_ms"`
	TotalMS   float64 `json:"total_ms"`
	Steps     int     `json:"steps"`
}

type GraphsResponse struct {
	graph.Stats
	Limit int `json:"limit"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Vocab        int    `json:"vocab_size"`
	MaxPositions int    `json:"max_positions"`
	IdleSessions int    `json:"idle_sessions"`
}

type ErrorResponse struct {
	Error ResponseError `json:"error"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
