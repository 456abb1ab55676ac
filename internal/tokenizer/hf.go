package tokenizer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	hfTokenizerFile = "tokenizer.json"
	hfConfigFile    = "tokenizer_config.json"
	gpt2EOS         = "<|endoftext|>"
)

type hfTokenizer struct {
	Model struct {
		Type     string            `json:"type"`
		Vocab    map[string]int    `json:"vocab"`
		Merges   []json.RawMessage `json:"merges"`
		UnkToken string            `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

type hfConfig struct {
	EOS json.RawMessage `json:"eos_token"`
}

// LoadHF reads a Hugging Face tokenizer.json. path may name the file or the
// directory holding it; a tokenizer_config.json beside it supplies the EOS
// token when present.
func LoadHF(path string) (*BPE, error) {
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		path = filepath.Join(path, hfTokenizerFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := os.ReadFile(filepath.Join(filepath.Dir(path), hfConfigFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	t, err := ParseHF(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseHF builds a tokenizer from tokenizer.json bytes and optional
// tokenizer_config.json bytes.
func ParseHF(tokJSON, cfgJSON []byte) (*BPE, error) {
	var tj hfTokenizer
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tj.Model.Type)
	}

	size := 0
	for _, id := range tj.Model.Vocab {
		size = max(size, id+1)
	}
	for _, at := range tj.AddedTokens {
		size = max(size, at.ID+1)
	}
	tokens := make([]string, size)
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative id for token %q", tok)
		}
		tokens[id] = tok
	}
	for _, at := range tj.AddedTokens {
		tokens[at.ID] = at.Content
	}

	merges := make([]string, 0, len(tj.Model.Merges))
	for i, raw := range tj.Model.Merges {
		m, err := parseMerge(raw)
		if err != nil {
			return nil, fmt.Errorf("merge %d: %w", i, err)
		}
		merges = append(merges, m)
	}

	opts := Options{Unk: tj.Model.UnkToken}
	if tj.PreTokenizer.Type == "Sequence" {
		for _, p := range tj.PreTokenizer.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				opts.Pattern = p.Pattern.Regex
				break
			}
		}
	}
	if len(cfgJSON) > 0 {
		var cfg hfConfig
		if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
			return nil, fmt.Errorf("parse tokenizer config: %w", err)
		}
		opts.EOS = tokenContent(cfg.EOS)
	}
	if opts.EOS == "" {
		if _, ok := tj.Model.Vocab[gpt2EOS]; ok {
			opts.EOS = gpt2EOS
		}
		for _, at := range tj.AddedTokens {
			if at.Content == gpt2EOS {
				opts.EOS = gpt2EOS
			}
		}
	}
	return NewBPE(tokens, merges, opts)
}

// parseMerge accepts both "a b" and ["a", "b"] encodings.
func parseMerge(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var p []string
	if err := json.Unmarshal(raw, &p); err != nil || len(p) != 2 {
		return "", fmt.Errorf("unrecognized merge %s", raw)
	}
	return p[0] + " " + p[1], nil
}

// tokenContent reads a special token given either as a string or as an
// AddedToken object with a content field.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}
