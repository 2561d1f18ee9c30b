package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/api"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		rateBurst   int64
	)

	flags := commonModelFlags()
	flags = append(flags, commonLogFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "generate requests per second (0 = unlimited)",
			Destination: &rateLimit,
		},
		&cli.Int64Flag{
			Name:        "rate-burst",
			Usage:       "rate limiter burst",
			Value:       4,
			Destination: &rateBurst,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := loadConfig()
			applyCommonConfig(cmd, cfg)
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}
			if cfg.RateLimit != nil && !cmd.IsSet("rate-limit") {
				rateLimit = *cfg.RateLimit
			}
			log := buildLogger()

			dev, wf, mdl, err := loadModel(log)
			if err != nil {
				return err
			}
			defer wf.Close()
			defer mdl.Close()

			svc, err := api.NewGenerationService(dev, mdl)
			if err != nil {
				return err
			}
			server := api.NewServer(svc, api.ServerConfig{
				RequestsPerSecond: rateLimit,
				Burst:             int(rateBurst),
				Log:               log,
			})

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr)
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
