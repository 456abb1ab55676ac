package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/kvdecode/internal/api"
	"github.com/samcharles93/kvdecode/internal/graph"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		graphLimit  int64
		maxBatch    int64
		lengthLimit int64
	)

	flags := append(commonModelFlags(), modeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Int64Flag{
			Name:        "graph-limit",
			Usage:       "maximum captured graphs kept",
			Value:       graph.DefaultLimit,
			Destination: &graphLimit,
		},
		&cli.Int64Flag{
			Name:        "max-batch",
			Usage:       "maximum prompt rows per request (0 = unlimited)",
			Value:       16,
			Destination: &maxBatch,
		},
		&cli.Int64Flag{
			Name:        "max-length-limit",
			Usage:       "largest max_length a request may ask for",
			Value:       api.DefaultMaxLengthLimit,
			Destination: &lengthLimit,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve greedy decoding over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			applyModeConfig(cmd, fileConfig)
			applyServeConfig(cmd, fileConfig, &addr, &graphLimit)

			m, err := loadModel(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tok, err := loadTokenizer(m, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dec, err := newDecoder(m, tok, int(graphLimit), log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer dec.Close()

			server := api.NewServer(dec, asTokenizer(tok), api.Defaults{
				MaxLength:      int(maxLength),
				Mode:           currentMode(),
				MaxBatch:       int(maxBatch),
				MaxLengthLimit: int(lengthLimit),
			}, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "mode", currentMode().String(), "graph_limit", graphLimit)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
