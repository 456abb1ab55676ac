package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing file is empty", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.MaxLength != nil || cfg.Replay != nil || cfg.LogLevel != "" {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("fields are decoded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := `
seed: 7
max_length: 48
replay: true
half_cache: false
stop_tokens: [3, 9]
rtol: 0.01
log_level: debug
server_address: 0.0.0.0:9000
graph_cache_limit: 128
`
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Seed == nil || *cfg.Seed != 7 {
			t.Fatalf("seed = %v", cfg.Seed)
		}
		if cfg.MaxLength == nil || *cfg.MaxLength != 48 {
			t.Fatalf("max_length = %v", cfg.MaxLength)
		}
		if cfg.Replay == nil || !*cfg.Replay || cfg.HalfCache == nil || *cfg.HalfCache {
			t.Fatalf("replay=%v half_cache=%v", cfg.Replay, cfg.HalfCache)
		}
		if cfg.Fused != nil {
			t.Fatal("unset field decoded as set")
		}
		if len(cfg.StopTokens) != 2 || cfg.StopTokens[1] != 9 {
			t.Fatalf("stop_tokens = %v", cfg.StopTokens)
		}
		if cfg.RTol == nil || *cfg.RTol != 0.01 || cfg.ATol != nil {
			t.Fatalf("rtol=%v atol=%v", cfg.RTol, cfg.ATol)
		}
		if cfg.LogLevel != "debug" || cfg.ServerAddress != "0.0.0.0:9000" {
			t.Fatalf("log_level=%q server_address=%q", cfg.LogLevel, cfg.ServerAddress)
		}
		if cfg.GraphCacheLimit == nil || *cfg.GraphCacheLimit != 128 {
			t.Fatalf("graph_cache_limit = %v", cfg.GraphCacheLimit)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("max_length: [1,"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}
