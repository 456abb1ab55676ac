package main

import (
	"slices"

	"github.com/samcharles93/kvdecode/internal/decode"
	"github.com/urfave/cli/v3"
)

var (
	configFile    string
	checkpointDir string
	tokenizerPath string
	seed          int64
	rotaryDim     int64
	logLevel      string
	logFormat     string
	debug         bool

	maxLength  int64
	useReplay  bool
	fused      bool
	rotary     bool
	halfCache  bool
	stopTokens string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"m"},
			Usage:       "GPT-2 checkpoint directory (config.json + model.safetensors); empty uses a seeded toy model",
			Destination: &checkpointDir,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "path to tokenizer.json (defaults to the one in the checkpoint directory)",
			Destination: &tokenizerPath,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "weight seed for the toy model",
			Value:       1,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "rotary-dim",
			Usage:       "per-head dimensions rotated in rotary mode (0 = model default)",
			Destination: &rotaryDim,
		},
	}
}

func modeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-length",
			Aliases:     []string{"n"},
			Usage:       "total sequence length including the prompt",
			Value:       32,
			Destination: &maxLength,
		},
		&cli.BoolFlag{
			Name:        "replay",
			Usage:       "capture and replay step graphs",
			Destination: &useReplay,
		},
		&cli.BoolFlag{
			Name:        "fused",
			Usage:       "use fused kernels",
			Destination: &fused,
		},
		&cli.BoolFlag{
			Name:        "rotary",
			Usage:       "use rotary positions instead of the learned table",
			Destination: &rotary,
		},
		&cli.BoolFlag{
			Name:        "half-cache",
			Usage:       "store K/V in half precision",
			Destination: &halfCache,
		},
		&cli.StringFlag{
			Name:        "stop",
			Usage:       "comma separated stop token ids",
			Destination: &stopTokens,
		},
	}
}

// withoutFlags drops the named flags, e.g. mode switches a command sets itself.
func withoutFlags(flags []cli.Flag, names ...string) []cli.Flag {
	out := flags[:0:0]
	for _, f := range flags {
		if !slices.Contains(names, f.Names()[0]) {
			out = append(out, f)
		}
	}
	return out
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file",
			Value:       configPath(),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func currentMode() decode.ModeConfig {
	return decode.ModeConfig{
		UseReplay:    useReplay,
		FusedKernels: fused,
		Rotary:       rotary,
		HalfCache:    halfCache,
	}
}
