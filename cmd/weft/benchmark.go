package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/api"
)

func benchmarkCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		promptLen  int64
		steps      int64
	)

	flags := commonModelFlags()
	flags = append(flags, commonLogFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "prompt-len",
			Aliases:     []string{"p"},
			Usage:       "prompt length in tokens",
			Value:       16,
			Destination: &promptLen,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "tokens to generate per run",
			Value:       64,
			Destination: &steps,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Run standardized decode benchmarks",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, loadConfig())
			log := buildLogger()

			dev, wf, mdl, err := loadModel(log)
			if err != nil {
				return err
			}
			defer wf.Close()
			defer mdl.Close()

			stat, statErr := os.Stat(modelPath)
			svc, err := api.NewGenerationService(dev, mdl)
			if err != nil {
				return err
			}
			maxB, promptCap := svc.Limits()
			if int(promptLen) > promptCap {
				return fmt.Errorf("prompt length %d exceeds container capacity %d", promptLen, promptCap)
			}

			prompts := make([][]int32, maxB)
			for b := range prompts {
				ids := make([]int32, promptLen)
				for i := range ids {
					ids[i] = int32((b*7 + i*3) % wf.Config.Vocab)
				}
				prompts[b] = ids
			}

			fmt.Println("=== Weft Benchmark ===")
			if statErr == nil {
				fmt.Printf("Model:    %s (%.1f MB)\n", modelPath, float64(stat.Size())/(1024*1024))
			}
			fmt.Printf("Arch:     %s, %d layers, hidden %d, vocab %d\n",
				wf.Config.Arch, wf.Config.Layers, wf.Config.Hidden, wf.Config.Vocab)
			fmt.Printf("Batch:    %d\n", maxB)
			fmt.Printf("CPUs:     %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
			fmt.Printf("Prompt:   %d tokens, Steps: %d, Warmup: %d, Runs: %d\n",
				promptLen, steps, warmupRuns, benchRuns)
			fmt.Println()

			for i := 0; i < int(warmupRuns); i++ {
				log.Info("warmup run", "run", i+1)
				if _, err := svc.Generate(ctx, prompts, int(steps)); err != nil {
					return fmt.Errorf("warmup run %d: %w", i+1, err)
				}
			}

			type runResult struct {
				GenTPS   float64
				Duration time.Duration
				Tokens   int
			}
			results := make([]runResult, 0, benchRuns)
			for i := 0; i < int(benchRuns); i++ {
				log.Info("benchmark run", "run", i+1)
				start := time.Now()
				res, err := svc.Generate(ctx, prompts, int(steps))
				if err != nil {
					return fmt.Errorf("benchmark run %d: %w", i+1, err)
				}
				d := time.Since(start)
				tokens := res.Steps * len(res.Sequences)
				results = append(results, runResult{
					GenTPS:   float64(tokens) / d.Seconds(),
					Duration: d,
					Tokens:   tokens,
				})
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %10s %12s %8s\n", "Run", "Gen tps", "Duration", "Tokens")
			var sumTPS float64
			for i, r := range results {
				fmt.Printf("%-6d %10.2f %12s %8d\n",
					i+1, r.GenTPS, r.Duration.Round(time.Millisecond), r.Tokens)
				sumTPS += r.GenTPS
			}
			fmt.Printf("\n%-6s %10.2f\n", "Avg", sumTPS/float64(len(results)))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}
