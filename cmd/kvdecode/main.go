package main

import (
	"context"
	"fmt"
	"os"

	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/version"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:    "kvdecode",
		Usage:   "Greedy KV-cached decoding with captured-graph replay",
		Version: version.String(),
		Flags:   loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyLoggingConfig(cmd, cfg)
			if debug {
				logLevel = "debug"
			}
			return logger.WithContext(ctx, logger.Setup(os.Stderr, logFormat, logLevel)), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			generateCmd(),
			verifyCmd(),
			benchCmd(),
			serveCmd(),
			exportCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
