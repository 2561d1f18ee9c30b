package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/kernels"
	"github.com/samcharles93/weft/internal/weights"
)

func packCmd() *cli.Command {
	var (
		out           string
		configFile    string
		arch          string
		layers        int64
		hidden        int64
		heads         int64
		inner         int64
		vocab         int64
		maxStep       int64
		beam          int64
		eos           int64
		padding       int64
		activation    string
		generator     string
		topK          int64
		topP          float64
		temperature   float64
		lengthPenalty float64
		quant         string
		packSeed      int64
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Write a .wft container with randomly initialized weights",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output path", Value: "model.wft", Destination: &out},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "JSON hyperparameter file (overrides geometry flags)", Destination: &configFile},
			&cli.StringFlag{Name: "arch", Usage: "architecture name", Value: "gpt", Destination: &arch},
			&cli.Int64Flag{Name: "layers", Value: 2, Destination: &layers},
			&cli.Int64Flag{Name: "hidden", Value: 64, Destination: &hidden},
			&cli.Int64Flag{Name: "heads", Value: 4, Destination: &heads},
			&cli.Int64Flag{Name: "inner", Value: 256, Destination: &inner},
			&cli.Int64Flag{Name: "vocab", Value: 512, Destination: &vocab},
			&cli.Int64Flag{Name: "max-step", Usage: "sequence capacity", Value: 128, Destination: &maxStep},
			&cli.Int64Flag{Name: "beam", Usage: "beam width for beam search", Value: 4, Destination: &beam},
			&cli.Int64Flag{Name: "eos", Usage: "end-of-sequence token id", Value: 2, Destination: &eos},
			&cli.Int64Flag{Name: "padding", Usage: "padding token id", Destination: &padding},
			&cli.StringFlag{Name: "activation", Usage: "gelu or relu", Value: "gelu", Destination: &activation},
			&cli.StringFlag{Name: "generator", Usage: "sampling or beam", Value: "sampling", Destination: &generator},
			&cli.Int64Flag{Name: "topk", Value: 40, Destination: &topK},
			&cli.FloatFlag{Name: "topp", Value: 0.95, Destination: &topP},
			&cli.FloatFlag{Name: "temperature", Value: 1, Destination: &temperature},
			&cli.FloatFlag{Name: "length-penalty", Value: 1, Destination: &lengthPenalty},
			&cli.StringFlag{Name: "quant", Usage: "weight storage: f32 or i8", Value: "f32", Destination: &quant},
			&cli.Int64Flag{Name: "seed", Usage: "weight init seed", Value: 42, Destination: &packSeed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if quant != "f32" && quant != "i8" {
				return fmt.Errorf("unknown quant %q (want f32 or i8)", quant)
			}
			cfg := weights.Config{
				Arch:          arch,
				Layers:        int(layers),
				Hidden:        int(hidden),
				Heads:         int(heads),
				Inner:         int(inner),
				Vocab:         int(vocab),
				MaxStep:       int(maxStep),
				BeamSize:      int(beam),
				PaddingID:     int(padding),
				EOSID:         int(eos),
				Activation:    activation,
				Generator:     generator,
				TopK:          int(topK),
				TopP:          float32(topP),
				Temperature:   float32(temperature),
				LengthPenalty: float32(lengthPenalty),
			}
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("reading %s: %w", configFile, err)
				}
				if err := json.Unmarshal(data, &cfg); err != nil {
					return fmt.Errorf("parsing %s: %w", configFile, err)
				}
			}

			p := packer{
				w:     weights.NewWriter(cfg),
				rng:   rand.New(rand.NewSource(packSeed)),
				quant: quant == "i8",
				st:    device.NewStream(),
			}
			defer p.st.Close()

			if err := p.pack(cfg); err != nil {
				return err
			}
			if err := p.w.WriteFile(out); err != nil {
				return err
			}
			fmt.Printf("wrote %s: %s, %d layers, hidden %d, vocab %d, %s weights\n",
				out, cfg.Arch, cfg.Layers, cfg.Hidden, cfg.Vocab, quant)
			return nil
		},
	}
}

type packer struct {
	w     *weights.Writer
	rng   *rand.Rand
	quant bool
	st    *device.Stream
}

func (p *packer) pack(cfg weights.Config) error {
	h, in, v := cfg.Hidden, cfg.Inner, cfg.Vocab
	if err := p.matrix("emb.tok", []int{v, h}); err != nil {
		return err
	}
	if err := p.matrix("emb.pos", []int{cfg.MaxStep, h}); err != nil {
		return err
	}
	for l := 0; l < cfg.Layers; l++ {
		prefix := fmt.Sprintf("dec.%d.", l)
		specs := []struct {
			name string
			dims []int
			norm bool
		}{
			{"attn.norm.g", []int{h}, true},
			{"attn.norm.b", []int{h}, false},
			{"attn.qkv.w", []int{3 * h, h}, false},
			{"attn.qkv.b", []int{3 * h}, false},
			{"attn.out.w", []int{h, h}, false},
			{"attn.out.b", []int{h}, false},
			{"ffn.norm.g", []int{h}, true},
			{"ffn.norm.b", []int{h}, false},
			{"ffn.in.w", []int{in, h}, false},
			{"ffn.in.b", []int{in}, false},
			{"ffn.out.w", []int{h, in}, false},
			{"ffn.out.b", []int{h}, false},
		}
		for _, s := range specs {
			var err error
			if s.norm {
				err = p.ones(prefix+s.name, s.dims)
			} else {
				err = p.matrix(prefix+s.name, s.dims)
			}
			if err != nil {
				return err
			}
		}
	}
	if err := p.ones("final.norm.g", []int{h}); err != nil {
		return err
	}
	return p.matrix("final.norm.b", []int{h})
}

// ones writes a tensor of 1s, the usual init for norm gains. Norm
// parameters stay f32 even in i8 containers.
func (p *packer) ones(name string, dims []int) error {
	n := numel(dims)
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return p.w.AddF32(name, dims, data)
}

// matrix writes small centered uniform noise, quantizing when requested.
func (p *packer) matrix(name string, dims []int) error {
	n := numel(dims)
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(p.rng.Float64()-0.5) * 0.04
	}
	if !p.quant || len(dims) < 2 {
		return p.w.AddF32(name, dims, data)
	}
	q := make([]int8, n)
	scale := make([]float32, 1)
	if err := kernels.QuantizeI8(p.st, q, data, scale); err != nil {
		return err
	}
	if err := p.st.Sync(); err != nil {
		return err
	}
	return p.w.AddI8(name, dims, q, scale[0])
}

func numel(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
