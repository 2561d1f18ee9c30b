// Package layers assembles operator nodes into the named layers of a
// transformer decoder: embedding lookup, decoder blocks, final normalization,
// vocabulary projection and the generation operator. Each layer registers its
// operators during the context build phase and re-executes them every decode
// step with step-scoped shape metadata, never rebuilding the graph.
package layers

import (
	"fmt"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/kernels"
	"github.com/samcharles93/weft/internal/weights"
)

// Layer is one named segment of the model graph. BeforeForward mutates only
// step-scoped metadata (logical sequence length, cache offset); Forward
// enqueues the layer's operators onto the context stream in build order.
type Layer interface {
	Name() string
	BeforeForward(rows, seqLen, pos int) error
	Forward() error
}

// StepState carries the per-step geometry shared by a layer's operators.
// rows is batch*beam, seqLen the logical length processed this step (prompt
// length at prefill, 1 afterwards), pos the write offset into step caches.
type StepState struct {
	rows   int
	seqLen int
	pos    int
}

// Params carries the assembler-level geometry every layer builds against.
// MaxRows is maxBatch*beam; MaxSeq is the total sequence capacity (prompt
// plus generated tokens) the caches and token buffers are planned for.
type Params struct {
	Weights *weights.File

	Vocab  int
	Hidden int
	Heads  int
	Inner  int

	MaxRows    int
	MaxSeq     int
	Activation kernels.Activation
}

// funcOp adapts closures to the graph's operator contract.
type funcOp struct {
	check func() error
	fwd   func(st *device.Stream) error
}

func (f funcOp) ShapeCheck() error {
	if f.check == nil {
		return nil
	}
	return f.check()
}

func (f funcOp) Forward(st *device.Stream) error { return f.fwd(st) }

// loadParam creates a fixed device tensor for a stored weight, validating its
// shape against the assembler's expectation. Quantized payloads are expanded
// on the stream with the dequantize kernel; float payloads are copied.
func loadParam(ctx *graph.Context, wf *weights.File, name string, want graph.Shape) (*graph.Tensor, error) {
	info, err := wf.Info(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrWeightLoad, err)
	}
	got := graph.Shape(info.Dims)
	if !got.Equal(want) {
		return nil, fmt.Errorf("%w: tensor %q has shape %v, want %v", graph.ErrWeightLoad, name, got, want)
	}

	t, err := ctx.NewFixedTensor(name, graph.F32, want)
	if err != nil {
		return nil, err
	}
	dst, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	switch info.DType {
	case weights.DTypeI8:
		raw, err := wf.Raw(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", graph.ErrWeightLoad, err)
		}
		q := make([]int8, len(raw))
		for i, b := range raw {
			q[i] = int8(b)
		}
		if err := kernels.DequantizeI8(ctx.Stream(), dst[:info.Numel()], q, info.Scale); err != nil {
			return nil, fmt.Errorf("%w: dequantizing %q: %w", graph.ErrWeightLoad, name, err)
		}
	default:
		data, err := wf.Float32s(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", graph.ErrWeightLoad, err)
		}
		if err := ctx.Launch("upload:"+name, func() error {
			copy(dst, data)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return t, nil
}
