package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samcharles93/kvdecode/internal/decode"
	"github.com/samcharles93/kvdecode/internal/gpt"
	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/tokenizer"
)

// loadModel opens --checkpoint, or builds the seeded toy model when none is
// given so every command works offline.
func loadModel(log logger.Logger) (*gpt.Model, error) {
	var (
		m   *gpt.Model
		err error
	)
	start := time.Now()
	if checkpointDir != "" {
		m, err = gpt.LoadGPT2(checkpointDir)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
	} else {
		m, err = gpt.NewRandom(gpt.TinyConfig(), seed)
		if err != nil {
			return nil, err
		}
	}
	if rotaryDim > 0 {
		if err := m.SetRotaryDim(int(rotaryDim)); err != nil {
			return nil, err
		}
	}
	cfg := m.Config()
	source := checkpointDir
	if source == "" {
		source = fmt.Sprintf("toy(seed=%d)", seed)
	}
	log.Info("model ready",
		"source", source,
		"params", humanize.Comma(m.NumParams()),
		"layers", cfg.NLayers,
		"d_model", cfg.DModel,
		"vocab", cfg.VocabSize,
		"n_positions", cfg.NPositions,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return m, nil
}

// loadTokenizer returns the explicit tokenizer, the checkpoint's, or a
// byte-level one for the toy model. It returns nil when no tokenizer fits
// the vocabulary; callers must then work with ids.
func loadTokenizer(m *gpt.Model, log logger.Logger) (*tokenizer.BPE, error) {
	path := tokenizerPath
	if path == "" && checkpointDir != "" {
		if _, err := os.Stat(filepath.Join(checkpointDir, "tokenizer.json")); err == nil {
			path = checkpointDir
		}
	}
	var tok *tokenizer.BPE
	if path != "" {
		t, err := tokenizer.LoadHF(path)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
		tok = t
	} else {
		tok = tokenizer.ByteLevel()
	}
	if tok.VocabSize() > m.VocabSize() {
		log.Warn("tokenizer vocabulary exceeds model vocabulary; text input disabled",
			"tokenizer", tok.VocabSize(), "model", m.VocabSize())
		return nil, nil
	}
	if tok.VocabSize() < m.VocabSize() {
		log.Debug("tokenizer covers part of the model vocabulary; text output is best effort",
			"tokenizer", tok.VocabSize(), "model", m.VocabSize())
	}
	return tok, nil
}

// newDecoder wires the model, stop tokens and a fresh graph cache.
func newDecoder(m *gpt.Model, tok *tokenizer.BPE, graphLimit int, log logger.Logger) (*decode.Decoder, error) {
	stops, err := parseIDList(stopTokens)
	if err != nil {
		return nil, fmt.Errorf("--stop: %w", err)
	}
	if len(stops) == 0 && tok != nil && tok.EOSID() >= 0 {
		stops = []int{tok.EOSID()}
	}
	return decode.New(m,
		decode.WithStopTokens(stops...),
		decode.WithGraphCache(graph.NewCache(graphLimit)),
		decode.WithLogger(log),
	), nil
}

func encoder(tok *tokenizer.BPE) func(string) ([]int, error) {
	if tok == nil {
		return nil
	}
	return tok.Encode
}

func asTokenizer(tok *tokenizer.BPE) tokenizer.Tokenizer {
	if tok == nil {
		return nil
	}
	return tok
}
