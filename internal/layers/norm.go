package layers

import (
	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/kernels"
)

// FinalNorm applies the model's closing layer norm to the hidden state in
// place, so the vocabulary projection reads normalized activations.
type FinalNorm struct {
	ctx    *graph.Context
	state  StepState
	x      *graph.Tensor
	g, b   *graph.Tensor
	hidden int
}

func NewFinalNorm(ctx *graph.Context, p Params, x *graph.Tensor) (*FinalNorm, error) {
	n := &FinalNorm{ctx: ctx, x: x, hidden: p.Hidden}
	var err error
	if n.g, err = loadParam(ctx, p.Weights, "final.norm.g", graph.Shape{p.Hidden}); err != nil {
		return nil, err
	}
	if n.b, err = loadParam(ctx, p.Weights, "final.norm.b", graph.Shape{p.Hidden}); err != nil {
		return nil, err
	}
	if _, err := ctx.Register(funcOp{fwd: n.forward}, "final.norm",
		[]*graph.Tensor{x, n.g, n.b}, []*graph.Tensor{x}); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *FinalNorm) Name() string { return "final.norm" }

func (n *FinalNorm) BeforeForward(rows, seqLen, pos int) error {
	n.state = StepState{rows: rows, seqLen: seqLen, pos: pos}
	return nil
}

func (n *FinalNorm) Forward() error {
	return n.forward(n.ctx.Stream())
}

func (n *FinalNorm) forward(st *device.Stream) error {
	x, err := n.x.Float32s()
	if err != nil {
		return err
	}
	g, _ := n.g.Float32s()
	b, _ := n.b.Float32s()
	tokens := n.state.rows * n.state.seqLen
	return kernels.LayerNorm(st, x, x, g, b, tokens, n.hidden, 1e-5)
}
