package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/kvdecode/internal/gpt"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/urfave/cli/v3"
)

func exportCmd() *cli.Command {
	var (
		out   string
		force bool
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Write the loaded model as a GPT-2 safetensors checkpoint",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory",
				Required:    true,
				Destination: &out,
			},
			&cli.BoolFlag{
				Name:        "force",
				Usage:       "overwrite an existing checkpoint",
				Destination: &force,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)

			if gpt.IsCheckpointDir(out) && !force {
				return cli.Exit(fmt.Sprintf("error: %s already holds a checkpoint (use --force)", out), 1)
			}
			m, err := loadModel(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := m.SaveGPT2(out); err != nil {
				return cli.Exit(fmt.Sprintf("error: export: %v", err), 1)
			}
			log.Info("checkpoint written", "dir", out)
			return nil
		},
	}
}
