package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/urfave/cli/v3"
)

func generateCmd() *cli.Command {
	var (
		prompt    string
		ids       string
		batch     int64
		recompute bool
	)

	flags := append(commonModelFlags(), modeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text to tokenize",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "ids",
			Usage:       "prompt token ids; rows separated by ';' (e.g. \"1,2,3;4,5,6\")",
			Destination: &ids,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Usage:       "repeat a text prompt this many times",
			Value:       1,
			Destination: &batch,
		},
		&cli.BoolFlag{
			Name:        "recompute",
			Usage:       "use the full-recompute reference path",
			Destination: &recompute,
		},
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Greedily decode a prompt",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			applyModeConfig(cmd, fileConfig)

			m, err := loadModel(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tok, err := loadTokenizer(m, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			prompts, err := promptBatch(ids, prompt, int(batch), encoder(tok))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dec, err := newDecoder(m, tok, graph.DefaultLimit, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			mode := currentMode()
			run := dec.Generate
			if recompute {
				run = dec.Recompute
			}
			res, err := run(ctx, prompts, int(maxLength), mode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}

			out := os.Stdout
			for b, seq := range res.Sequences {
				_, _ = fmt.Fprintf(out, "[%d] ids: %s\n", b, formatIDs(seq))
				if tok != nil {
					text, err := tok.Decode(res.Generated(b))
					if err == nil {
						_, _ = fmt.Fprintf(out, "[%d] text: %q\n", b, text)
					}
				}
				if res.Stopped[b] {
					_, _ = fmt.Fprintf(out, "[%d] stopped on token %d\n", b, seq[len(seq)-1])
				}
			}
			perToken := time.Duration(0)
			if res.Steps > 1 {
				perToken = res.Timing.Decode / time.Duration(res.Steps-1)
			}
			_, _ = fmt.Fprintf(out, "mode=%s steps=%d prefill=%s decode=%s (%s/token) total=%s\n",
				mode, res.Steps,
				res.Timing.Prefill.Round(time.Microsecond),
				res.Timing.Decode.Round(time.Microsecond),
				perToken.Round(time.Microsecond),
				res.Timing.Total.Round(time.Microsecond),
			)
			return nil
		},
	}
}
