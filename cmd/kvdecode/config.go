package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samcharles93/kvdecode/internal/numerics"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the kvdecode configuration file
// (~/.config/kvdecode/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Checkpoint *string `yaml:"checkpoint"`
	Tokenizer  *string `yaml:"tokenizer"`
	Seed       *int64  `yaml:"seed"`
	RotaryDim  *int64  `yaml:"rotary_dim"`

	// Decoding defaults
	MaxLength  *int64 `yaml:"max_length"`
	Replay     *bool  `yaml:"replay"`
	Fused      *bool  `yaml:"fused"`
	Rotary     *bool  `yaml:"rotary"`
	HalfCache  *bool  `yaml:"half_cache"`
	StopTokens []int  `yaml:"stop_tokens"`

	// Verification
	RTol *float64 `yaml:"rtol"`
	ATol *float64 `yaml:"atol"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress   string `yaml:"server_address"`
	GraphCacheLimit *int64 `yaml:"graph_cache_limit"`
}

// fileConfig is loaded once before any command runs.
var fileConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kvdecode", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Checkpoint != nil && !c.IsSet("checkpoint") {
		checkpointDir = *cfg.Checkpoint
	}
	if cfg.Tokenizer != nil && !c.IsSet("tokenizer") {
		tokenizerPath = *cfg.Tokenizer
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.RotaryDim != nil && !c.IsSet("rotary-dim") {
		rotaryDim = *cfg.RotaryDim
	}
}

func applyModeConfig(c *cli.Command, cfg Config) {
	if cfg.MaxLength != nil && !c.IsSet("max-length") {
		maxLength = *cfg.MaxLength
	}
	if cfg.Replay != nil && !c.IsSet("replay") {
		useReplay = *cfg.Replay
	}
	if cfg.Fused != nil && !c.IsSet("fused") {
		fused = *cfg.Fused
	}
	if cfg.Rotary != nil && !c.IsSet("rotary") {
		rotary = *cfg.Rotary
	}
	if cfg.HalfCache != nil && !c.IsSet("half-cache") {
		halfCache = *cfg.HalfCache
	}
	if len(cfg.StopTokens) > 0 && !c.IsSet("stop") {
		parts := make([]string, len(cfg.StopTokens))
		for i, id := range cfg.StopTokens {
			parts[i] = strconv.Itoa(id)
		}
		stopTokens = strings.Join(parts, ",")
	}
}

func applyToleranceConfig(c *cli.Command, cfg Config, tol *numerics.Tolerance) {
	if cfg.RTol != nil && !c.IsSet("rtol") {
		tol.RTol = *cfg.RTol
	}
	if cfg.ATol != nil && !c.IsSet("atol") {
		tol.ATol = *cfg.ATol
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string, graphLimit *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.GraphCacheLimit != nil && !c.IsSet("graph-limit") {
		*graphLimit = *cfg.GraphCacheLimit
	}
}
