package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/api"
)

var runSteps int64

func runCmd() *cli.Command {
	flags := commonModelFlags()
	flags = append(flags, commonLogFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens to generate per sequence (0 = fill the container)",
			Destination: &runSteps,
		},
	)

	return &cli.Command{
		Name:      "run",
		Usage:     "Generate from token-id prompts",
		ArgsUsage: "PROMPT [PROMPT...]   (each prompt is comma-separated token ids, e.g. 5,12,9)",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := loadConfig()
			applyCommonConfig(cmd, cfg)
			if cfg.Steps != nil && !cmd.IsSet("steps") {
				runSteps = *cfg.Steps
			}
			log := buildLogger()

			prompts, err := parsePrompts(cmd.Args().Slice())
			if err != nil {
				return err
			}
			if len(prompts) == 0 {
				return fmt.Errorf("at least one prompt is required")
			}

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

			start := time.Now()
			res, err := svc.Generate(ctx, prompts, int(runSteps))
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			generated := 0
			for i, seq := range res.Sequences {
				generated += len(seq) - res.PromptLen
				fmt.Printf("[%d] score=%.4f tokens=%s\n", i, res.Scores[i], formatTokens(seq))
			}
			fmt.Printf("%d prompt + %d generated tokens in %s (%.1f tok/s)\n",
				res.PromptLen*len(prompts), generated, elapsed.Round(time.Millisecond),
				float64(generated)/elapsed.Seconds())
			return nil
		},
	}
}

// parsePrompts turns each argument into a token-id sequence. Arguments may
// also bundle several prompts with ';' separators.
func parsePrompts(args []string) ([][]int32, error) {
	var prompts [][]int32
	for _, arg := range args {
		for _, part := range strings.Split(arg, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			var ids []int32
			for _, field := range strings.Split(part, ",") {
				field = strings.TrimSpace(field)
				if field == "" {
					continue
				}
				v, err := strconv.ParseInt(field, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("prompt token %q: %w", field, err)
				}
				if v < 0 {
					return nil, fmt.Errorf("prompt token %d is negative", v)
				}
				ids = append(ids, int32(v))
			}
			if len(ids) > 0 {
				prompts = append(prompts, ids)
			}
		}
	}
	return prompts, nil
}

func formatTokens(ids []int32) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(id)))
	}
	return b.String()
}
