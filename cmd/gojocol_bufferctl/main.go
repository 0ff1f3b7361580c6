package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocol/config"
	"github.com/sushant-115/gojocol/pkg/logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "gojocol-bufferctl",
		Usage: "Operate and exercise the gojocol buffer manager",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "Storage root used when no config file is given",
				Value: ".gojocol",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Drive a synthetic pin/unpin workload against the buffer manager",
				Action: runCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "objects",
						Usage: "Number of column objects to allocate",
						Value: 64,
					},
					&cli.StringFlag{
						Name:  "object-size",
						Usage: "Size of each column object",
						Value: "1MiB",
					},
					&cli.IntFlag{
						Name:  "rounds",
						Usage: "Get/modify/release rounds per worker",
						Value: 1000,
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent workload goroutines",
						Value: 4,
					},
					&cli.IntFlag{
						Name:  "flush-every",
						Usage: "Run a checkpoint flush every N rounds per worker, 0 disables",
						Value: 250,
					},
					&cli.Uint64Flag{
						Name:  "seed",
						Usage: "Seed for the object access pattern",
						Value: 1,
					},
				},
			},
			{
				Name:   "stat",
				Usage:  "List the objects recorded in the manifest",
				Action: statCommand,
			},
			{
				Name:   "sweep",
				Usage:  "Restore the manifest and delete orphaned spill files",
				Action: sweepCommand,
			},
		},
	}
}

type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newEnv loads the config named by the global flags and builds the logger.
func newEnv(c *cli.Context) (*env, error) {
	cfg := config.Default(c.String("root"))
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	// stdout carries command output.
	if cfg.Logger.OutputFile == "" {
		cfg.Logger.OutputFile = "stderr"
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logger.Level = lvl
	}
	zl, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: zl}, nil
}
