// Package model exposes assembled inference graphs behind a slot-indexed
// host interface: bind input and output buffers, set the input shape, run
// Infer, read back results. Architectures register themselves by name so the
// container's metadata picks the assembler.
package model

import (
	"fmt"
	"sort"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/weights"
)

// Model is one loaded network ready for inference. Buffers are bound by slot
// index; any index outside the declared count fails with ErrInvalidIndex and
// leaves the model usable.
type Model interface {
	InputCount() int
	OutputCount() int

	MaxInputShape(i int) (graph.Shape, error)
	MaxOutputShape(i int) (graph.Shape, error)

	// OutputShape reports the logical shape produced by the last Infer, or
	// the declared maximum before any inference has run.
	OutputShape(i int) (graph.Shape, error)
	OutputDType(i int) (graph.DType, error)

	BindInput(i int, buf *device.Buffer) error
	BindOutput(i int, buf *device.Buffer) error
	SetInputShape(i int, shape graph.Shape) error

	// SetMaxSteps bounds the tokens generated per Infer call. Zero restores
	// the default, everything the planned capacity allows.
	SetMaxSteps(n int) error

	Infer() error
	Close() error
}

// Options tunes assembly independent of the stored config.
type Options struct {
	// MaxBatch is the largest batch one Infer call may carry. Defaults to 1.
	MaxBatch int

	// Seed feeds the sampling generator.
	Seed int64

	Log logger.Logger
}

// Factory assembles a model for one architecture.
type Factory func(dev *device.Device, wf *weights.File, opts Options) (Model, error)

var registry = map[string]Factory{}

// RegisterArch installs a factory under an architecture name. Later
// registrations replace earlier ones.
func RegisterArch(name string, f Factory) {
	registry[name] = f
}

// Arches lists the registered architecture names, sorted.
func Arches() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New assembles the model the container's metadata names.
func New(dev *device.Device, wf *weights.File, opts Options) (Model, error) {
	f, ok := registry[wf.Config.Arch]
	if !ok {
		return nil, fmt.Errorf("%w: unknown architecture %q (have %v)",
			graph.ErrUnsupportedConfig, wf.Config.Arch, Arches())
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 1
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	return f(dev, wf, opts)
}
