package layers

import (
	"fmt"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/kernels"
)

// Embedding is the launch layer: token + learned position embedding lookup
// from the current input token tensor into the hidden-state tensor shared by
// the decoder stack.
type Embedding struct {
	name  string
	ctx   *graph.Context
	state StepState

	tokTable *graph.Tensor // [vocab, hidden]
	posTable *graph.Tensor // [maxSeq, hidden]

	tokens *graph.Tensor // [maxRows, maxSeq] i32, swapped by the decode loop
	out    *graph.Tensor // [maxRows*maxSeq, hidden]

	hidden int
	maxSeq int
	node   *graph.OpNode
}

// NewEmbedding loads the embedding tables and registers the lookup operator.
// tokens is the model's input token tensor; the returned layer's Out tensor
// feeds the first decoder block.
func NewEmbedding(ctx *graph.Context, p Params, tokens *graph.Tensor) (*Embedding, error) {
	e := &Embedding{
		name:   "embedding",
		ctx:    ctx,
		tokens: tokens,
		hidden: p.Hidden,
		maxSeq: p.MaxSeq,
	}

	var err error
	if e.tokTable, err = loadParam(ctx, p.Weights, "emb.tok", graph.Shape{p.Vocab, p.Hidden}); err != nil {
		return nil, err
	}
	if e.posTable, err = loadParam(ctx, p.Weights, "emb.pos", graph.Shape{p.MaxSeq, p.Hidden}); err != nil {
		return nil, err
	}
	if e.out, err = ctx.NewTensor("emb.out", graph.F32, graph.Shape{p.MaxRows * p.MaxSeq, p.Hidden}); err != nil {
		return nil, err
	}

	e.node, err = ctx.Register(funcOp{fwd: e.forward}, "emb.lookup",
		[]*graph.Tensor{tokens, e.tokTable, e.posTable}, []*graph.Tensor{e.out})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Out returns the hidden-state tensor this layer produces.
func (e *Embedding) Out() *graph.Tensor { return e.out }

// TokenTable exposes the token embedding matrix so the vocabulary projection
// can share it instead of loading a second copy.
func (e *Embedding) TokenTable() *graph.Tensor { return e.tokTable }

func (e *Embedding) Name() string { return e.name }

// BeforeForward fixes this step's geometry and shrinks the output tensor's
// logical shape to the tokens actually processed.
func (e *Embedding) BeforeForward(rows, seqLen, pos int) error {
	e.state = StepState{rows: rows, seqLen: seqLen, pos: pos}
	return e.out.SetShape(graph.Shape{rows * seqLen, e.hidden})
}

func (e *Embedding) Forward() error {
	return e.node.Forward(e.ctx.Stream())
}

func (e *Embedding) forward(st *device.Stream) error {
	s := e.state
	ids, err := e.tokens.Int32s()
	if err != nil {
		return err
	}
	dst, err := e.out.Float32s()
	if err != nil {
		return err
	}
	tok, err := e.tokTable.Float32s()
	if err != nil {
		return err
	}
	pos, err := e.posTable.Float32s()
	if err != nil {
		return err
	}
	if s.pos+s.seqLen > e.maxSeq {
		return fmt.Errorf("%w: embedding step [%d, %d) exceeds max sequence %d",
			graph.ErrShapeOverflow, s.pos, s.pos+s.seqLen, e.maxSeq)
	}
	// Each token row is strided by maxSeq; this step reads seqLen ids
	// starting at the cache offset.
	return kernels.GatherEmbedding(st, dst, tok, pos, ids[s.pos:], s.rows, s.seqLen, e.hidden, e.maxSeq, s.pos)
}
