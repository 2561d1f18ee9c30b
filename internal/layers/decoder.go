package layers

import (
	"fmt"
	"math"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/kernels"
)

// Decoder is one pre-norm transformer decoder block: causal self-attention
// with step-indexed key/value caches, followed by a feed-forward block. The
// hidden-state tensor is updated in place through the two residual adds.
//
// Caches are planned inside the context's regress bracket, so their bytes
// stay reserved for the worst case (MaxSeq) and no allocation ever happens in
// the decode loop.
type Decoder struct {
	name  string
	ctx   *graph.Context
	state StepState

	x *graph.Tensor // shared hidden state, read and written

	attnNormG, attnNormB *graph.Tensor
	qkvW, qkvB           *graph.Tensor
	outW, outB           *graph.Tensor
	ffnNormG, ffnNormB   *graph.Tensor
	ffnInW, ffnInB       *graph.Tensor
	ffnOutW, ffnOutB     *graph.Tensor

	cacheK, cacheV *graph.Tensor // [rows, heads, maxSeq, headDim]
	altK, altV     *graph.Tensor // beam reindex double buffers, nil for beam 1

	normed, qkv, qT, scores, ctxT, merged, blockOut, inner *graph.Tensor

	hidden, heads, headDim, inner2 int
	maxSeq                         int
	act                            kernels.Activation

	ops []*graph.OpNode
}

// NewDecoder loads block weights and registers the block's operators.
// withAlt enables the double-buffered caches beam search reindexes through.
func NewDecoder(ctx *graph.Context, p Params, idx int, x *graph.Tensor, withAlt bool) (*Decoder, error) {
	if p.Hidden%p.Heads != 0 {
		return nil, fmt.Errorf("%w: hidden %d not divisible by heads %d", graph.ErrUnsupportedConfig, p.Hidden, p.Heads)
	}
	d := &Decoder{
		name:    fmt.Sprintf("decoder.%d", idx),
		ctx:     ctx,
		x:       x,
		hidden:  p.Hidden,
		heads:   p.Heads,
		headDim: p.Hidden / p.Heads,
		inner2:  p.Inner,
		maxSeq:  p.MaxSeq,
		act:     p.Activation,
	}

	prefix := fmt.Sprintf("dec.%d.", idx)
	loads := []struct {
		dst  **graph.Tensor
		name string
		want graph.Shape
	}{
		{&d.attnNormG, "attn.norm.g", graph.Shape{p.Hidden}},
		{&d.attnNormB, "attn.norm.b", graph.Shape{p.Hidden}},
		{&d.qkvW, "attn.qkv.w", graph.Shape{3 * p.Hidden, p.Hidden}},
		{&d.qkvB, "attn.qkv.b", graph.Shape{3 * p.Hidden}},
		{&d.outW, "attn.out.w", graph.Shape{p.Hidden, p.Hidden}},
		{&d.outB, "attn.out.b", graph.Shape{p.Hidden}},
		{&d.ffnNormG, "ffn.norm.g", graph.Shape{p.Hidden}},
		{&d.ffnNormB, "ffn.norm.b", graph.Shape{p.Hidden}},
		{&d.ffnInW, "ffn.in.w", graph.Shape{p.Inner, p.Hidden}},
		{&d.ffnInB, "ffn.in.b", graph.Shape{p.Inner}},
		{&d.ffnOutW, "ffn.out.w", graph.Shape{p.Hidden, p.Inner}},
		{&d.ffnOutB, "ffn.out.b", graph.Shape{p.Hidden}},
	}
	for _, l := range loads {
		t, err := loadParam(ctx, p.Weights, prefix+l.name, l.want)
		if err != nil {
			return nil, err
		}
		*l.dst = t
	}

	maxTokens := p.MaxRows * p.MaxSeq
	headMajor := graph.Shape{p.MaxRows, p.Heads, p.MaxSeq, d.headDim}

	if err := ctx.RegressBegin(); err != nil {
		return nil, err
	}
	var err error
	if d.cacheK, err = ctx.NewTensor(prefix+"cache.k", graph.F32, headMajor); err != nil {
		return nil, err
	}
	if d.cacheV, err = ctx.NewTensor(prefix+"cache.v", graph.F32, headMajor); err != nil {
		return nil, err
	}
	if withAlt {
		if d.altK, err = ctx.NewTensor(prefix+"cache.k.alt", graph.F32, headMajor); err != nil {
			return nil, err
		}
		if d.altV, err = ctx.NewTensor(prefix+"cache.v.alt", graph.F32, headMajor); err != nil {
			return nil, err
		}
	}
	if err := ctx.RegressEnd(); err != nil {
		return nil, err
	}

	scratch := []struct {
		dst  **graph.Tensor
		name string
		max  graph.Shape
	}{
		{&d.normed, "normed", graph.Shape{maxTokens, p.Hidden}},
		{&d.qkv, "qkv", graph.Shape{maxTokens, 3 * p.Hidden}},
		{&d.qT, "q_t", headMajor},
		{&d.scores, "scores", graph.Shape{p.MaxRows * p.Heads, p.MaxSeq, p.MaxSeq}},
		{&d.ctxT, "ctx_t", headMajor},
		{&d.merged, "merged", graph.Shape{maxTokens, p.Hidden}},
		{&d.blockOut, "block_out", graph.Shape{maxTokens, p.Hidden}},
		{&d.inner, "inner", graph.Shape{maxTokens, p.Inner}},
	}
	for _, s := range scratch {
		t, err := ctx.NewTensor(prefix+s.name, graph.F32, s.max)
		if err != nil {
			return nil, err
		}
		*s.dst = t
	}

	regs := []struct {
		name string
		op   funcOp
		in   []*graph.Tensor
		out  []*graph.Tensor
	}{
		{prefix + "attn.proj", funcOp{fwd: d.attnProj},
			[]*graph.Tensor{d.x, d.attnNormG, d.attnNormB, d.qkvW, d.qkvB},
			[]*graph.Tensor{d.normed, d.qkv, d.qT, d.cacheK, d.cacheV}},
		{prefix + "attn.ctx", funcOp{fwd: d.attnCtx},
			[]*graph.Tensor{d.qT, d.cacheK, d.cacheV, d.outW, d.outB, d.x},
			[]*graph.Tensor{d.scores, d.ctxT, d.merged, d.blockOut, d.x}},
		{prefix + "ffn.in", funcOp{fwd: d.ffnIn},
			[]*graph.Tensor{d.x, d.ffnNormG, d.ffnNormB, d.ffnInW, d.ffnInB},
			[]*graph.Tensor{d.normed, d.inner}},
		{prefix + "ffn.out", funcOp{fwd: d.ffnOut},
			[]*graph.Tensor{d.inner, d.ffnOutW, d.ffnOutB, d.x},
			[]*graph.Tensor{d.blockOut, d.x}},
	}
	for _, r := range regs {
		node, err := ctx.Register(r.op, r.name, r.in, r.out)
		if err != nil {
			return nil, err
		}
		d.ops = append(d.ops, node)
	}
	return d, nil
}

func (d *Decoder) Name() string { return d.name }

func (d *Decoder) BeforeForward(rows, seqLen, pos int) error {
	if pos+seqLen > d.maxSeq {
		return fmt.Errorf("%w: %s step [%d, %d) exceeds cache capacity %d",
			graph.ErrShapeOverflow, d.name, pos, pos+seqLen, d.maxSeq)
	}
	d.state = StepState{rows: rows, seqLen: seqLen, pos: pos}
	return nil
}

func (d *Decoder) Forward() error {
	st := d.ctx.Stream()
	for _, op := range d.ops {
		if err := op.Forward(st); err != nil {
			return err
		}
	}
	return nil
}

// ReindexCache rewrites the step caches so row i holds the cache previously
// at row parents[i]. Beam search calls this when beams reorder; the gather
// lands in the alternate buffers which then swap identities with the live
// ones, so content moves without reallocation.
func (d *Decoder) ReindexCache(parents []int32) error {
	if d.altK == nil {
		return fmt.Errorf("%w: %s has no reindex buffers", graph.ErrUnsupportedConfig, d.name)
	}
	st := d.ctx.Stream()
	cols := d.heads * d.maxSeq * d.headDim
	for _, pair := range [][2]*graph.Tensor{{d.cacheK, d.altK}, {d.cacheV, d.altV}} {
		src, err := pair[0].Float32s()
		if err != nil {
			return err
		}
		dst, err := pair[1].Float32s()
		if err != nil {
			return err
		}
		if err := kernels.GatherRows(st, dst, src, parents, cols); err != nil {
			return err
		}
	}
	if err := graph.SwapTensors(d.cacheK, d.altK); err != nil {
		return err
	}
	return graph.SwapTensors(d.cacheV, d.altV)
}

func (d *Decoder) attnProj(st *device.Stream) error {
	s := d.state
	tokens := s.rows * s.seqLen

	x, err := d.x.Float32s()
	if err != nil {
		return err
	}
	normed, _ := d.normed.Float32s()
	qkv, _ := d.qkv.Float32s()
	qT, _ := d.qT.Float32s()
	ck, _ := d.cacheK.Float32s()
	cv, _ := d.cacheV.Float32s()
	g, _ := d.attnNormG.Float32s()
	b, _ := d.attnNormB.Float32s()
	w, _ := d.qkvW.Float32s()
	bias, _ := d.qkvB.Float32s()

	if err := kernels.LayerNorm(st, normed, x, g, b, tokens, d.hidden, 1e-5); err != nil {
		return err
	}
	if err := kernels.Gemm(st, normed, w, qkv, tokens, d.hidden, 3*d.hidden, true, 1, 0); err != nil {
		return err
	}
	// Split the projection slab head-major: q into scratch at position 0,
	// k and v straight into their cache slots at the step offset.
	if err := kernels.BiasAddTranspose(st, qT, qkv, bias[:d.hidden],
		s.rows, s.seqLen, d.heads, d.headDim, 3*d.hidden, 0, d.maxSeq, 0); err != nil {
		return err
	}
	if err := kernels.BiasAddTranspose(st, ck, qkv, bias[d.hidden:2*d.hidden],
		s.rows, s.seqLen, d.heads, d.headDim, 3*d.hidden, d.hidden, d.maxSeq, s.pos); err != nil {
		return err
	}
	return kernels.BiasAddTranspose(st, cv, qkv, bias[2*d.hidden:],
		s.rows, s.seqLen, d.heads, d.headDim, 3*d.hidden, 2*d.hidden, d.maxSeq, s.pos)
}

func (d *Decoder) attnCtx(st *device.Stream) error {
	s := d.state
	total := s.pos + s.seqLen // attended positions
	batchHeads := s.rows * d.heads
	tokens := s.rows * s.seqLen
	blockStride := d.maxSeq * d.headDim

	qT, _ := d.qT.Float32s()
	ck, _ := d.cacheK.Float32s()
	cv, _ := d.cacheV.Float32s()
	scores, _ := d.scores.Float32s()
	ctxT, _ := d.ctxT.Float32s()
	merged, _ := d.merged.Float32s()
	out, _ := d.blockOut.Float32s()
	w, _ := d.outW.Float32s()
	bias, _ := d.outB.Float32s()
	x, err := d.x.Float32s()
	if err != nil {
		return err
	}

	// scores[bh] = q[bh] · k[bh]^T over the attended prefix
	if err := kernels.GemmStridedBatched(st, qT, ck, scores,
		batchHeads, s.seqLen, d.headDim, total,
		blockStride, blockStride, s.seqLen*total, true, 1, 0); err != nil {
		return err
	}
	scale := float32(1 / math.Sqrt(float64(d.headDim)))
	if err := kernels.MaskedSoftmax(st, scores, batchHeads, s.seqLen, total, s.pos, scale); err != nil {
		return err
	}
	// ctx[bh] = scores[bh] · v[bh]
	if err := kernels.GemmStridedBatched(st, scores, cv, ctxT,
		batchHeads, s.seqLen, total, d.headDim,
		s.seqLen*total, blockStride, blockStride, false, 1, 0); err != nil {
		return err
	}
	if err := kernels.TransposeMerge(st, merged, ctxT, s.rows, s.seqLen, d.heads, d.headDim, d.maxSeq, 0); err != nil {
		return err
	}
	if err := kernels.Gemm(st, merged, w, out, tokens, d.hidden, d.hidden, true, 1, 0); err != nil {
		return err
	}
	if err := kernels.BiasAdd(st, out, out, bias, tokens, d.hidden); err != nil {
		return err
	}
	return kernels.Residual(st, x, out, tokens*d.hidden)
}

func (d *Decoder) ffnIn(st *device.Stream) error {
	s := d.state
	tokens := s.rows * s.seqLen

	x, err := d.x.Float32s()
	if err != nil {
		return err
	}
	normed, _ := d.normed.Float32s()
	inner, _ := d.inner.Float32s()
	g, _ := d.ffnNormG.Float32s()
	b, _ := d.ffnNormB.Float32s()
	w, _ := d.ffnInW.Float32s()
	bias, _ := d.ffnInB.Float32s()

	if err := kernels.LayerNorm(st, normed, x, g, b, tokens, d.hidden, 1e-5); err != nil {
		return err
	}
	if err := kernels.Gemm(st, normed, w, inner, tokens, d.hidden, d.inner2, true, 1, 0); err != nil {
		return err
	}
	return kernels.BiasActivate(st, inner, inner, bias, tokens, d.inner2, d.act)
}

func (d *Decoder) ffnOut(st *device.Stream) error {
	s := d.state
	tokens := s.rows * s.seqLen

	x, err := d.x.Float32s()
	if err != nil {
		return err
	}
	inner, _ := d.inner.Float32s()
	out, _ := d.blockOut.Float32s()
	w, _ := d.ffnOutW.Float32s()
	bias, _ := d.ffnOutB.Float32s()

	if err := kernels.Gemm(st, inner, w, out, tokens, d.inner2, d.hidden, true, 1, 0); err != nil {
		return err
	}
	if err := kernels.BiasAdd(st, out, out, bias, tokens, d.hidden); err != nil {
		return err
	}
	return kernels.Residual(st, x, out, tokens*d.hidden)
}
