package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samcharles93/kvdecode/internal/decode"
	"github.com/samcharles93/kvdecode/internal/gpt"
	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/tensor"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

type benchResult struct {
	runs       int
	tokens     int
	prefill    time.Duration
	decode     time.Duration
	wall       time.Duration
	cacheBytes int64
	graphs     graph.Stats
}

func (r benchResult) tokensPerSecond() float64 {
	if r.wall <= 0 {
		return 0
	}
	return float64(r.tokens) / r.wall.Seconds()
}

func benchCmd() *cli.Command {
	var (
		runs        int64
		concurrency int64
		batch       int64
		promptLen   int64
	)

	flags := append(commonModelFlags(), modeFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of decode runs",
			Value:       8,
			Destination: &runs,
		},
		&cli.Int64Flag{
			Name:        "concurrency",
			Aliases:     []string{"j"},
			Usage:       "runs in flight at once",
			Value:       2,
			Destination: &concurrency,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Usage:       "rows per run",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "prompt-len",
			Usage:       "synthetic prompt length",
			Value:       4,
			Destination: &promptLen,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure decode throughput for a mode",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			applyModeConfig(cmd, fileConfig)

			m, err := loadModel(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dec, err := newDecoder(m, nil, graph.DefaultLimit, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer dec.Close()

			prompts := syntheticPrompts(int(batch), int(promptLen), m.VocabSize())
			mode := currentMode()
			res, err := runBench(ctx, dec, prompts, int(maxLength), mode, int(runs), int(concurrency))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: bench: %v", err), 1)
			}
			res.cacheBytes = cacheBytes(m, int(batch), int(maxLength), mode)
			printBench(os.Stdout, mode, res)
			return nil
		},
	}
}

// syntheticPrompts builds a deterministic batch of distinct rows.
func syntheticPrompts(batch, length, vocab int) [][]int {
	batch, length = max(batch, 1), max(length, 1)
	out := make([][]int, batch)
	for b := range out {
		row := make([]int, length)
		for i := range row {
			row[i] = (b*31 + i*7 + 1) % vocab
		}
		out[b] = row
	}
	return out
}

func runBench(ctx context.Context, dec *decode.Decoder, prompts [][]int, maxLength int, mode decode.ModeConfig, runs, concurrency int) (benchResult, error) {
	var (
		mu  sync.Mutex
		out = benchResult{runs: max(runs, 1)}
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	start := time.Now()
	for range out.runs {
		g.Go(func() error {
			res, err := dec.Generate(ctx, prompts, maxLength, mode)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			out.tokens += res.Steps * len(res.Sequences)
			out.prefill += res.Timing.Prefill
			out.decode += res.Timing.Decode
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	out.wall = time.Since(start)
	out.graphs = dec.Graphs().Stats()
	return out, nil
}

func cacheBytes(m *gpt.Model, batch, maxLength int, mode decode.ModeConfig) int64 {
	prec := kvcache.F32
	if mode.HalfCache {
		prec = kvcache.F16
	}
	return m.CacheConfig(max(batch, 1), maxLength, prec).Bytes()
}

func printBench(w io.Writer, mode decode.ModeConfig, r benchResult) {
	avg := func(d time.Duration) time.Duration { return (d / time.Duration(r.runs)).Round(time.Microsecond) }
	_, _ = fmt.Fprintf(w, "mode:        %s\n", mode)
	_, _ = fmt.Fprintf(w, "cpu:         %s\n", strings.Join(tensor.Features(), " "))
	_, _ = fmt.Fprintf(w, "runs:        %d\n", r.runs)
	_, _ = fmt.Fprintf(w, "kv cache:    %s per session\n", humanize.Bytes(uint64(r.cacheBytes)))
	_, _ = fmt.Fprintf(w, "prefill:     %s avg\n", avg(r.prefill))
	_, _ = fmt.Fprintf(w, "decode:      %s avg\n", avg(r.decode))
	_, _ = fmt.Fprintf(w, "wall:        %s\n", r.wall.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "throughput:  %.1f tokens/s (%s tokens)\n", r.tokensPerSecond(), humanize.Comma(int64(r.tokens)))
	_, _ = fmt.Fprintf(w, "graphs:      entries=%d captures=%d replays=%d mismatches=%d fallbacks=%d\n",
		r.graphs.Entries, r.graphs.Captures, r.graphs.Replays, r.graphs.Mismatches, r.graphs.Fallbacks)
}
