package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/olekukonko/tablewriter"
	"github.com/samcharles93/kvdecode/internal/decode"
	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/numerics"
	"github.com/urfave/cli/v3"
)

func verifyCmd() *cli.Command {
	var (
		prompt string
		ids    string
		tol    = numerics.DefaultTolerance()
	)

	flags := append(commonModelFlags(), withoutFlags(modeFlags(), "replay", "fused")...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text to tokenize",
			Value:       "The quick brown fox",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "ids",
			Usage:       "prompt token ids; rows separated by ';'",
			Destination: &ids,
		},
		&cli.Float64Flag{
			Name:        "rtol",
			Usage:       "relative score tolerance",
			Value:       tol.RTol,
			Destination: &tol.RTol,
		},
		&cli.Float64Flag{
			Name:        "atol",
			Usage:       "absolute score tolerance",
			Value:       tol.ATol,
			Destination: &tol.ATol,
		},
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Check that every execution mode reproduces the recompute reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			applyModeConfig(cmd, fileConfig)
			applyToleranceConfig(cmd, fileConfig, &tol)

			m, err := loadModel(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tok, err := loadTokenizer(m, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cmd.IsSet("ids") {
				prompt = ""
			}
			prompts, err := promptBatch(ids, prompt, 1, encoder(tok))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dec, err := newDecoder(m, tok, graph.DefaultLimit, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			base := decode.ModeConfig{Rotary: rotary, HalfCache: halfCache}
			rows, err := verifyModes(ctx, dec, prompts, int(maxLength), base, tol)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: verify: %v", err), 1)
			}
			renderVerify(os.Stdout, rows)
			for _, r := range rows {
				if !r.ok() {
					return cli.Exit(fmt.Sprintf("verify: %s diverges from recompute (%s)", r.mode, tol), 2)
				}
			}
			log.Info("all modes agree", "modes", len(rows), "tolerance", tol.String())
			return nil
		},
	}
}

type verifyRow struct {
	mode     string
	tokens   bool
	report   numerics.Report
	compared bool
	// baseline is set when a half-cache run has an f32 reference to scale
	// its deviation against.
	baseline float64
	// lastStep is the deviation of the final step's scores alone.
	lastStep float64
	elapsed  time.Duration
}

func (r verifyRow) ok() bool {
	if !r.tokens || !r.compared {
		return false
	}
	if r.report.Within() {
		return true
	}
	return r.baseline > 0 && numerics.WithinFactor(r.report.MaxAbs, r.baseline, numerics.BaselineFactor)
}

// verifyModes runs the recompute reference and then eager, replay, fused and
// fused+replay, comparing each against the reference.
func verifyModes(ctx context.Context, dec *decode.Decoder, prompts [][]int, maxLength int, base decode.ModeConfig, tol numerics.Tolerance) ([]verifyRow, error) {
	start := time.Now()
	ref, err := dec.Recompute(ctx, prompts, maxLength, base)
	if err != nil {
		return nil, fmt.Errorf("recompute: %w", err)
	}
	rows := []verifyRow{{mode: "recompute/" + base.String(), tokens: true, compared: true, report: numerics.Report{Tolerance: tol}, elapsed: time.Since(start)}}

	var baseline float64
	if base.HalfCache {
		full := base
		full.HalfCache = false
		f32, err := dec.Recompute(ctx, prompts, maxLength, full)
		if err != nil {
			return nil, fmt.Errorf("f32 baseline: %w", err)
		}
		if rep, err := numerics.CompareSteps(ref.Scores, f32.Scores, tol); err == nil {
			baseline = rep.MaxAbs
		}
	}

	variants := []decode.ModeConfig{
		base,
		withMode(base, true, false),
		withMode(base, false, true),
		withMode(base, true, true),
	}
	for _, mode := range variants {
		start := time.Now()
		res, err := dec.Generate(ctx, prompts, maxLength, mode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mode, err)
		}
		row := verifyRow{
			mode:     mode.String(),
			tokens:   cmp.Equal(ref.Sequences, res.Sequences),
			baseline: baseline,
			elapsed:  time.Since(start),
		}
		if rep, err := numerics.CompareSteps(res.Scores, ref.Scores, tol); err == nil {
			row.report, row.compared = rep, true
			row.lastStep = lastStepDiff(res.Scores, ref.Scores)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// lastStepDiff is the largest per-row deviation at the final step.
func lastStepDiff(got, want [][][]float32) float64 {
	if len(got) == 0 || len(got) != len(want) {
		return 0
	}
	g, w := got[len(got)-1], want[len(want)-1]
	var worst float64
	for b := range g {
		worst = max(worst, numerics.MaxAbsDiff(g[b], w[b]))
	}
	return worst
}

func withMode(base decode.ModeConfig, replay, fused bool) decode.ModeConfig {
	base.UseReplay = replay
	base.FusedKernels = fused
	return base
}

func renderVerify(w io.Writer, rows []verifyRow) {
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		tokens := "match"
		if !r.tokens {
			tokens = "DIFF"
		}
		maxAbs, meanAbs, last, viol := "-", "-", "-", "-"
		if r.compared {
			maxAbs = strconv.FormatFloat(r.report.MaxAbs, 'g', 3, 64)
			meanAbs = strconv.FormatFloat(r.report.MeanAbs, 'g', 3, 64)
			last = strconv.FormatFloat(r.lastStep, 'g', 3, 64)
			viol = strconv.Itoa(r.report.Violations)
		}
		status := "ok"
		if !r.ok() {
			status = "FAIL"
		}
		data = append(data, []string{r.mode, tokens, maxAbs, meanAbs, last, viol, r.elapsed.Round(time.Microsecond).String(), status})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"MODE", "TOKENS", "MAX ABS", "MEAN ABS", "LAST STEP", "VIOLATIONS", "TIME", "STATUS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
