package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/samcharles93/kvdecode/internal/decode"
)

func TestSyntheticPrompts(t *testing.T) {
	t.Parallel()
	p := syntheticPrompts(3, 5, 16)
	if len(p) != 3 || len(p[0]) != 5 {
		t.Fatalf("shape %dx%d", len(p), len(p[0]))
	}
	for _, row := range p {
		for _, id := range row {
			if id < 0 || id >= 16 {
				t.Fatalf("id %d outside vocabulary", id)
			}
		}
	}
	if p[0][0] == p[1][0] {
		t.Fatal("rows should differ")
	}
	if len(syntheticPrompts(0, 0, 16)) != 1 {
		t.Fatal("zero batch not clamped")
	}
}

func TestRunBench(t *testing.T) {
	t.Parallel()
	m, dec := tinyDecoder(t)
	mode := decode.ModeConfig{UseReplay: true}
	res, err := runBench(context.Background(), dec, syntheticPrompts(2, 3, m.VocabSize()), 10, mode, 4, 2)
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
	if res.runs != 4 || res.tokens != 4*2*7 {
		t.Fatalf("runs=%d tokens=%d", res.runs, res.tokens)
	}
	if res.graphs.Captures == 0 || res.graphs.Replays == 0 {
		t.Fatalf("graphs = %+v", res.graphs)
	}

	res.cacheBytes = cacheBytes(m, 2, 10, mode)
	half := cacheBytes(m, 2, 10, decode.ModeConfig{HalfCache: true})
	if res.cacheBytes != 2*half {
		t.Fatalf("f32 %d vs f16 %d", res.cacheBytes, half)
	}
	var buf bytes.Buffer
	printBench(&buf, mode, res)
	if !strings.Contains(buf.String(), "tokens/s") {
		t.Fatalf("output:\n%s", buf.String())
	}
}
