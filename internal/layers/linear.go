package layers

import (
	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/kernels"
)

// Projection maps the hidden state of each row's final position onto the
// vocabulary. The projection matrix is the token embedding table, shared with
// the embedding layer rather than stored twice.
type Projection struct {
	ctx   *graph.Context
	state StepState

	x      *graph.Tensor
	table  *graph.Tensor // [vocab, hidden], owned by the embedding layer
	lastH  *graph.Tensor // [maxRows, hidden]
	logits *graph.Tensor // [maxRows, vocab]

	lastIdx []int32
	hidden  int
	vocab   int
}

// NewProjection registers the logits head. table must be the embedding
// layer's token table.
func NewProjection(ctx *graph.Context, p Params, x, table *graph.Tensor) (*Projection, error) {
	pr := &Projection{
		ctx:     ctx,
		x:       x,
		table:   table,
		lastIdx: make([]int32, p.MaxRows),
		hidden:  p.Hidden,
		vocab:   p.Vocab,
	}
	var err error
	if pr.lastH, err = ctx.NewTensor("proj.last", graph.F32, graph.Shape{p.MaxRows, p.Hidden}); err != nil {
		return nil, err
	}
	if pr.logits, err = ctx.NewTensor("proj.logits", graph.F32, graph.Shape{p.MaxRows, p.Vocab}); err != nil {
		return nil, err
	}
	if _, err := ctx.Register(funcOp{fwd: pr.forward}, "proj.logits",
		[]*graph.Tensor{x, table}, []*graph.Tensor{pr.lastH, pr.logits}); err != nil {
		return nil, err
	}
	return pr, nil
}

func (p *Projection) Name() string { return "proj.logits" }

// Logits exposes the [rows, vocab] output the token selector reads.
func (p *Projection) Logits() *graph.Tensor { return p.logits }

func (p *Projection) BeforeForward(rows, seqLen, pos int) error {
	p.state = StepState{rows: rows, seqLen: seqLen, pos: pos}
	for r := 0; r < rows; r++ {
		p.lastIdx[r] = int32(r*seqLen + seqLen - 1)
	}
	if err := p.lastH.SetShape(graph.Shape{rows, p.hidden}); err != nil {
		return err
	}
	return p.logits.SetShape(graph.Shape{rows, p.vocab})
}

func (p *Projection) Forward() error {
	return p.forward(p.ctx.Stream())
}

func (p *Projection) forward(st *device.Stream) error {
	s := p.state
	x, err := p.x.Float32s()
	if err != nil {
		return err
	}
	table, err := p.table.Float32s()
	if err != nil {
		return err
	}
	lastH, _ := p.lastH.Float32s()
	logits, _ := p.logits.Float32s()

	if err := kernels.GatherRows(st, lastH, x, p.lastIdx[:s.rows], p.hidden); err != nil {
		return err
	}
	return kernels.Gemm(st, lastH, table, logits, s.rows, p.hidden, p.vocab, true, 1, 0)
}
