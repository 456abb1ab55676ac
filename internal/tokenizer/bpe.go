package tokenizer

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// gpt2Pattern is the GPT-2 pre-tokenizer without its trailing-whitespace
// lookahead, which Go's regexp does not support.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

const wordCacheSize = 8192

type pair struct{ a, b string }

// BPE is a byte-level BPE tokenizer. It is safe for concurrent use.
type BPE struct {
	encoder map[string]int
	decoder []string
	ranks   map[pair]int
	bytes   *byteTable
	pattern *regexp.Regexp
	special []string
	words   *lru.Cache[string, []string]
	eosID   int
	unkID   int
}

// Options adjusts how a BPE vocabulary is interpreted.
type Options struct {
	// Pattern overrides the pre-tokenizer regexp.
	Pattern string
	// EOS and Unk name tokens in the vocabulary; empty disables them.
	EOS string
	Unk string
}

// NewBPE builds a tokenizer from tokens indexed by id and merges in rank
// order ("a b" per line).
func NewBPE(tokens, merges []string, opts Options) (*BPE, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}
	pat := opts.Pattern
	if pat == "" {
		pat = gpt2Pattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: pre-tokenizer pattern: %w", err)
	}
	words, err := lru.New[string, []string](wordCacheSize)
	if err != nil {
		return nil, err
	}
	t := &BPE{
		encoder: make(map[string]int, len(tokens)),
		decoder: append([]string(nil), tokens...),
		ranks:   make(map[pair]int, len(merges)),
		bytes:   newByteTable(),
		pattern: re,
		words:   words,
		eosID:   -1,
		unkID:   -1,
	}
	for id, tok := range tokens {
		if _, dup := t.encoder[tok]; !dup {
			t.encoder[tok] = id
		}
		if isSpecial(tok) {
			t.special = append(t.special, tok)
		}
	}
	// Longest first so overlapping specials match greedily.
	slices.SortStableFunc(t.special, func(a, b string) int { return len(b) - len(a) })

	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(b, " ") {
			return nil, fmt.Errorf("tokenizer: malformed merge %q", line)
		}
		p := pair{a, b}
		if _, seen := t.ranks[p]; !seen {
			t.ranks[p] = len(t.ranks)
		}
	}
	if opts.EOS != "" {
		id, ok := t.encoder[opts.EOS]
		if !ok {
			return nil, fmt.Errorf("tokenizer: eos token %q not in vocabulary", opts.EOS)
		}
		t.eosID = id
	}
	if opts.Unk != "" {
		if id, ok := t.encoder[opts.Unk]; ok {
			t.unkID = id
		}
	}
	return t, nil
}

// ByteLevel returns a tokenizer whose vocabulary is the 256 byte symbols
// and no merges. Every input encodes to one id per byte.
func ByteLevel() *BPE {
	t, err := NewBPE(newByteTable().symbols(), nil, Options{})
	if err != nil {
		panic(err)
	}
	return t
}

// VocabSize is the number of ids Decode accepts.
func (t *BPE) VocabSize() int { return len(t.decoder) }

// EOSID returns the end-of-sequence id, or -1 when none is configured.
func (t *BPE) EOSID() int { return t.eosID }

// TokenString returns the raw vocabulary entry for id.
func (t *BPE) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, t.special) {
		if part.special {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, word := range t.pattern.FindAllString(part.text, -1) {
			for _, sym := range t.bpe(t.bytes.encode(word)) {
				id, ok := t.encoder[sym]
				if !ok {
					if t.unkID < 0 {
						return nil, fmt.Errorf("tokenizer: no id for symbol %q", sym)
					}
					id = t.unkID
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *BPE) Decode(ids []int) (string, error) {
	var out []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("tokenizer: id %d out of range [0, %d)", id, len(t.decoder))
		}
		tok := t.decoder[id]
		if isSpecial(tok) {
			out = append(out, tok...)
			continue
		}
		out = t.bytes.decode(out, tok)
	}
	return string(out), nil
}

// bpe applies merges to one pre-tokenized word, lowest rank first.
func (t *BPE) bpe(word string) []string {
	if syms, ok := t.words.Get(word); ok {
		return syms
	}
	var syms []string
	for _, r := range word {
		syms = append(syms, string(r))
	}
	for len(syms) > 1 {
		best, at := -1, -1
		for i := 0; i+1 < len(syms); i++ {
			if r, ok := t.ranks[pair{syms[i], syms[i+1]}]; ok && (best < 0 || r < best) {
				best, at = r, i
			}
		}
		if at < 0 {
			break
		}
		p := pair{syms[at], syms[at+1]}
		merged := syms[:0:0]
		for i := 0; i < len(syms); i++ {
			if i+1 < len(syms) && syms[i] == p.a && syms[i+1] == p.b {
				merged = append(merged, p.a+p.b)
				i++
				continue
			}
			merged = append(merged, syms[i])
		}
		syms = merged
	}
	t.words.Add(word, syms)
	return syms
}

type textPart struct {
	text    string
	special bool
}

func isSpecial(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// splitSpecials cuts text around occurrences of special tokens, which are
// emitted whole and never run through BPE.
func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<|") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if i > start {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, special: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}
