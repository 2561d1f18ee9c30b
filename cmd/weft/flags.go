package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/weights"
)

var (
	modelPath string
	maxBatch  int64
	seed      int64
	deviceMem int64
	logLevel  string
	logFormat string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .wft file",
			Destination: &modelPath,
		},
		&cli.Int64Flag{
			Name:        "max-batch",
			Aliases:     []string{"b"},
			Usage:       "largest batch a single inference may carry",
			Value:       1,
			Destination: &maxBatch,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed",
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "device-mem",
			Usage:       "simulated device memory in MiB",
			Value:       2048,
			Destination: &deviceMem,
		},
	}
}

func commonLogFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (text, json)",
			Value:       "text",
			Destination: &logFormat,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Text(os.Stderr, level)
}

// loadModel opens the container and assembles the model it names.
func loadModel(log logger.Logger) (*device.Device, *weights.File, model.Model, error) {
	if modelPath == "" {
		return nil, nil, nil, fmt.Errorf("--model is required")
	}
	wf, err := weights.Open(modelPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening %s: %w", modelPath, err)
	}
	dev := device.New(int(deviceMem) << 20)
	mdl, err := model.New(dev, wf, model.Options{
		MaxBatch: int(maxBatch),
		Seed:     seed,
		Log:      log,
	})
	if err != nil {
		wf.Close()
		return nil, nil, nil, err
	}
	log.Info("model loaded",
		"path", modelPath, "arch", wf.Config.Arch, "layers", wf.Config.Layers,
		"hidden", wf.Config.Hidden, "vocab", wf.Config.Vocab)
	return dev, wf, mdl, nil
}
