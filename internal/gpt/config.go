// Package gpt is a GPT-2 style decoder-only transformer that runs its forward
// pass as recordable ops against a kvcache.DecodeCache.
package gpt

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Config mirrors the fields of a Hugging Face GPT-2 config.json.
type Config struct {
	VocabSize    int     `json:"vocab_size"`
	NPositions   int     `json:"n_positions"`
	DModel       int     `json:"n_embd"`
	NLayers      int     `json:"n_layer"`
	NHeads       int     `json:"n_head"`
	DInner       int     `json:"n_inner"`
	LayerNormEps float32 `json:"layer_norm_epsilon"`
	// RotaryDim is the rotary dimension used when a run asks for rotary
	// positions. Zero selects min(64, head dim).
	RotaryDim  int     `json:"rotary_emb_dim"`
	RotaryBase float64 `json:"rotary_emb_base"`
}

// TinyConfig is a small GPT-2 shaped config for offline runs and tests.
func TinyConfig() Config {
	return Config{
		VocabSize:    512,
		NPositions:   64,
		DModel:       64,
		NLayers:      2,
		NHeads:       4,
		DInner:       256,
		LayerNormEps: 1e-5,
		RotaryDim:    16,
	}
}

// HeadDim is DModel / NHeads.
func (c Config) HeadDim() int { return c.DModel / c.NHeads }

func (c *Config) applyDefaults() {
	if c.DInner == 0 {
		c.DInner = 4 * c.DModel
	}
	if c.LayerNormEps == 0 {
		c.LayerNormEps = 1e-5
	}
	if c.RotaryDim == 0 && c.NHeads > 0 {
		c.RotaryDim = min(64, c.HeadDim())
	}
}

// Validate checks the shape invariants the forward pass relies on.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("gpt: vocab_size must be positive, got %d", c.VocabSize)
	case c.DModel <= 0 || c.NLayers <= 0 || c.NHeads <= 0:
		return fmt.Errorf("gpt: invalid dims n_embd=%d n_layer=%d n_head=%d", c.DModel, c.NLayers, c.NHeads)
	case c.DModel%c.NHeads != 0:
		return fmt.Errorf("gpt: n_embd %d not divisible by n_head %d", c.DModel, c.NHeads)
	case c.NPositions < 0:
		return fmt.Errorf("gpt: n_positions must not be negative, got %d", c.NPositions)
	case c.DInner <= 0:
		return fmt.Errorf("gpt: n_inner must be positive, got %d", c.DInner)
	case c.RotaryDim < 0 || c.RotaryDim%2 != 0 || c.RotaryDim > c.HeadDim():
		return fmt.Errorf("gpt: rotary dim %d must be even and at most head dim %d", c.RotaryDim, c.HeadDim())
	}
	return nil
}

// LoadConfig reads config.json.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
