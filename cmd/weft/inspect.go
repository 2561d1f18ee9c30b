package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/weights"
)

func inspectCmd() *cli.Command {
	var showPlan bool

	flags := commonModelFlags()
	flags = append(flags, commonLogFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "plan",
			Usage:       "assemble the model and print the arena memory plan",
			Destination: &showPlan,
		},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print container metadata and tensor layout",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, loadConfig())
			log := buildLogger()

			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}
			wf, err := weights.Open(modelPath)
			if err != nil {
				return err
			}
			defer wf.Close()

			printConfig(wf.Config)
			printTensors(wf)

			if !showPlan {
				return nil
			}
			dev, mwf, mdl, err := loadModel(log)
			if err != nil {
				return err
			}
			defer dev.Close()
			defer mwf.Close()
			defer mdl.Close()

			pl, ok := mdl.(interface{ Plan() *graph.Plan })
			if !ok {
				return fmt.Errorf("model %q does not expose an arena plan", wf.Config.Arch)
			}
			printPlan(pl.Plan())
			return nil
		},
	}
}

func printConfig(cfg weights.Config) {
	fmt.Printf("arch=%s layers=%d hidden=%d heads=%d inner=%d vocab=%d\n",
		cfg.Arch, cfg.Layers, cfg.Hidden, cfg.Heads, cfg.Inner, cfg.Vocab)
	fmt.Printf("max_step=%d beam=%d eos=%d padding=%d activation=%s generator=%s\n",
		cfg.MaxStep, cfg.BeamSize, cfg.EOSID, cfg.PaddingID, cfg.Activation, cfg.Generator)
}

func printTensors(wf *weights.File) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDTYPE\tDIMS\tBYTES")
	var total uint64
	for _, ti := range wf.Tensors {
		total += ti.Size
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", ti.Name, ti.DType, formatDims(ti.Dims), ti.Size)
	}
	fmt.Fprintf(w, "\t\ttotal\t%d\n", total)
	w.Flush()
}

func printPlan(p *graph.Plan) {
	fmt.Printf("\narena=%d declared=%d peak=%d (%.2fx reuse)\n",
		p.ArenaBytes, p.DeclaredBytes, p.PeakBytes,
		float64(p.DeclaredBytes)/float64(p.ArenaBytes))
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TENSOR\tOFFSET\tSIZE\tLIVE")
	for _, e := range p.Extents {
		fmt.Fprintf(w, "%s\t%d\t%d\t[%d,%d]\n", e.Name, e.Offset, e.Size, e.First, e.Last)
	}
	w.Flush()
}

func formatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
