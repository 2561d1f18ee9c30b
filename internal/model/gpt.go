package model

import (
	"fmt"

	"github.com/samcharles93/weft/internal/decode"
	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/kernels"
	"github.com/samcharles93/weft/internal/layers"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/weights"
)

func init() {
	RegisterArch("gpt", newGPT)
}

// gpt assembles a decoder-only transformer: embedding lookup, a stack of
// pre-norm blocks with step caches, final norm, tied vocabulary projection
// and the configured token selector, all planned into one arena.
//
// Host surface: input 0 carries batch rows of prompt ids, packed [batch, L].
// Output 0 receives the full sequences packed [batch, L+steps], output 1 one
// score per batch entry (the best hypothesis under beam search).
type gpt struct {
	ctx *graph.Context
	log logger.Logger
	cfg weights.Config

	maxBatch int
	beam     int
	rows     int
	maxSeq   int
	maxSteps int

	input    *graph.Tensor // external i32, prompt ids
	outTok   *graph.Tensor // external i32, generated sequences
	outScore *graph.Tensor // external f32, per-entry scores

	bufA, bufB *graph.Tensor // fixed i32 token buffers the loop swaps

	gen  layers.Generator
	ctrl *decode.Controller

	inShape   graph.Shape
	outShapes [2]graph.Shape
	ran       bool
}

func newGPT(dev *device.Device, wf *weights.File, opts Options) (Model, error) {
	cfg := wf.Config
	if cfg.Layers < 1 || cfg.Hidden < 1 || cfg.Heads < 1 || cfg.Inner < 1 || cfg.Vocab < 1 {
		return nil, fmt.Errorf("%w: degenerate geometry %+v", graph.ErrUnsupportedConfig, cfg)
	}
	if cfg.Hidden%cfg.Heads != 0 {
		return nil, fmt.Errorf("%w: hidden %d not divisible by heads %d", graph.ErrUnsupportedConfig, cfg.Hidden, cfg.Heads)
	}
	if cfg.MaxStep < 2 {
		return nil, fmt.Errorf("%w: sequence capacity %d", graph.ErrUnsupportedConfig, cfg.MaxStep)
	}

	var act kernels.Activation
	switch cfg.Activation {
	case "", "gelu":
		act = kernels.ActGELU
	case "relu":
		act = kernels.ActReLU
	default:
		return nil, fmt.Errorf("%w: activation %q", graph.ErrUnsupportedConfig, cfg.Activation)
	}

	beam := 1
	if cfg.Generator == "beam" {
		beam = cfg.BeamSize
		if beam < 1 {
			return nil, fmt.Errorf("%w: beam size %d", graph.ErrUnsupportedConfig, beam)
		}
	}

	m := &gpt{
		ctx:      graph.NewContext(dev, opts.Log),
		log:      opts.Log,
		cfg:      cfg,
		maxBatch: opts.MaxBatch,
		beam:     beam,
		rows:     opts.MaxBatch * beam,
		maxSeq:   cfg.MaxStep,
	}
	if err := m.build(wf, opts, act); err != nil {
		m.ctx.Close()
		return nil, err
	}
	return m, nil
}

func (m *gpt) build(wf *weights.File, opts Options, act kernels.Activation) error {
	if err := m.ctx.EnterBuild(); err != nil {
		return err
	}
	var err error
	if m.input, err = m.ctx.NewExternalTensor("io.tokens.in", graph.I32, graph.Shape{m.maxBatch, m.maxSeq}); err != nil {
		return err
	}
	if m.outTok, err = m.ctx.NewExternalTensor("io.tokens.out", graph.I32, graph.Shape{m.maxBatch, m.maxSeq}); err != nil {
		return err
	}
	if m.outScore, err = m.ctx.NewExternalTensor("io.scores", graph.F32, graph.Shape{m.maxBatch}); err != nil {
		return err
	}
	if m.bufA, err = m.ctx.NewFixedTensor("tok.a", graph.I32, graph.Shape{m.rows, m.maxSeq}); err != nil {
		return err
	}
	if m.bufB, err = m.ctx.NewFixedTensor("tok.b", graph.I32, graph.Shape{m.rows, m.maxSeq}); err != nil {
		return err
	}

	p := layers.Params{
		Weights: wf,
		Vocab:   m.cfg.Vocab,
		Hidden:  m.cfg.Hidden,
		Heads:   m.cfg.Heads,
		Inner:   m.cfg.Inner,

		MaxRows:    m.rows,
		MaxSeq:     m.maxSeq,
		Activation: act,
	}

	emb, err := layers.NewEmbedding(m.ctx, p, m.bufA)
	if err != nil {
		return err
	}
	stack := []layers.Layer{emb}
	decs := make([]*layers.Decoder, 0, m.cfg.Layers)
	for i := 0; i < m.cfg.Layers; i++ {
		d, err := layers.NewDecoder(m.ctx, p, i, emb.Out(), m.beam > 1)
		if err != nil {
			return err
		}
		decs = append(decs, d)
		stack = append(stack, d)
	}
	fin, err := layers.NewFinalNorm(m.ctx, p, emb.Out())
	if err != nil {
		return err
	}
	proj, err := layers.NewProjection(m.ctx, p, emb.Out(), emb.TokenTable())
	if err != nil {
		return err
	}
	stack = append(stack, fin, proj)

	m.gen, err = layers.NewGenerator(m.ctx, layers.GenConfig{
		Method:        m.cfg.Generator,
		Temperature:   m.cfg.Temperature,
		TopK:          m.cfg.TopK,
		TopP:          m.cfg.TopP,
		Beam:          m.beam,
		LengthPenalty: m.cfg.LengthPenalty,
		EOS:           int32(m.cfg.EOSID),
		MaxSeq:        m.maxSeq,
		Seed:          opts.Seed,
	}, proj.Logits(), m.bufA, m.bufB)
	if err != nil {
		return err
	}

	if err := m.ctx.LeaveBuild(); err != nil {
		return err
	}
	if err := m.ctx.FinalizePlan(); err != nil {
		return err
	}
	if err := m.ctx.Synchronize(); err != nil {
		return err
	}

	var reindex func([]int32) error
	if m.beam > 1 {
		reindex = func(parents []int32) error {
			for _, d := range decs {
				if err := d.ReindexCache(parents); err != nil {
					return err
				}
			}
			return nil
		}
	}
	m.ctrl, err = decode.New(m.ctx, decode.Config{
		Layers:    stack,
		Generator: m.gen,
		InTokens:  m.bufA,
		OutTokens: m.bufB,
		Reindex:   reindex,
		MaxSeq:    m.maxSeq,
		Log:       m.log,
	})
	return err
}

func (m *gpt) InputCount() int  { return 1 }
func (m *gpt) OutputCount() int { return 2 }

func (m *gpt) MaxInputShape(i int) (graph.Shape, error) {
	if i != 0 {
		return nil, fmt.Errorf("%w: input %d of 1", graph.ErrInvalidIndex, i)
	}
	return graph.Shape{m.maxBatch, m.maxSeq}, nil
}

func (m *gpt) MaxOutputShape(i int) (graph.Shape, error) {
	switch i {
	case 0:
		return graph.Shape{m.maxBatch, m.maxSeq}, nil
	case 1:
		return graph.Shape{m.maxBatch}, nil
	default:
		return nil, fmt.Errorf("%w: output %d of 2", graph.ErrInvalidIndex, i)
	}
}

// OutputShape reports the shape the last Infer produced. Before the first
// run it falls back to the declared maximum, so a valid index never fails.
func (m *gpt) OutputShape(i int) (graph.Shape, error) {
	if i < 0 || i >= 2 {
		return nil, fmt.Errorf("%w: output %d of 2", graph.ErrInvalidIndex, i)
	}
	if !m.ran {
		return m.MaxOutputShape(i)
	}
	return m.outShapes[i].Clone(), nil
}

func (m *gpt) OutputDType(i int) (graph.DType, error) {
	switch i {
	case 0:
		return graph.I32, nil
	case 1:
		return graph.F32, nil
	default:
		return 0, fmt.Errorf("%w: output %d of 2", graph.ErrInvalidIndex, i)
	}
}

func (m *gpt) BindInput(i int, buf *device.Buffer) error {
	if i != 0 {
		return fmt.Errorf("%w: input %d of 1", graph.ErrInvalidIndex, i)
	}
	return m.input.BindBuffer(buf)
}

func (m *gpt) BindOutput(i int, buf *device.Buffer) error {
	switch i {
	case 0:
		return m.outTok.BindBuffer(buf)
	case 1:
		return m.outScore.BindBuffer(buf)
	default:
		return fmt.Errorf("%w: output %d of 2", graph.ErrInvalidIndex, i)
	}
}

func (m *gpt) SetInputShape(i int, shape graph.Shape) error {
	if i != 0 {
		return fmt.Errorf("%w: input %d of 1", graph.ErrInvalidIndex, i)
	}
	if len(shape) != 2 {
		return fmt.Errorf("%w: input shape %v, want rank 2", graph.ErrShapeOverflow, shape)
	}
	batch, promptLen := shape[0], shape[1]
	if batch < 1 || batch > m.maxBatch {
		return fmt.Errorf("%w: batch %d of max %d", graph.ErrShapeOverflow, batch, m.maxBatch)
	}
	if promptLen < 1 || promptLen >= m.maxSeq {
		return fmt.Errorf("%w: prompt length %d of capacity %d", graph.ErrShapeOverflow, promptLen, m.maxSeq)
	}
	m.inShape = shape.Clone()
	return nil
}

func (m *gpt) SetMaxSteps(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: max steps %d", graph.ErrUnsupportedConfig, n)
	}
	m.maxSteps = n
	return nil
}

// Infer runs one full generation: prompt replication across beams, the
// prefill+decode loop, then host-visible output assembly. The step budget is
// whatever capacity allows, tightened by SetMaxSteps.
func (m *gpt) Infer() error {
	if m.inShape == nil {
		return fmt.Errorf("%w: input shape not set", graph.ErrUnboundInput)
	}
	ids, err := m.input.Int32s()
	if err != nil {
		return err
	}
	outT, err := m.outTok.Int32s()
	if err != nil {
		return err
	}
	outS, err := m.outScore.Float32s()
	if err != nil {
		return err
	}

	batch, promptLen := m.inShape[0], m.inShape[1]
	bound := m.maxSeq - promptLen
	if m.maxSteps > 0 && m.maxSteps < bound {
		bound = m.maxSteps
	}

	// The prompt seeds only the current input identity; each generator step
	// carries it forward into the output buffer before the identity swap.
	inA, err := m.bufA.Int32s()
	if err != nil {
		return err
	}
	for b := 0; b < batch; b++ {
		prompt := ids[b*promptLen : (b+1)*promptLen]
		for j := 0; j < m.beam; j++ {
			row := (b*m.beam + j) * m.maxSeq
			copy(inA[row:row+promptLen], prompt)
		}
	}

	steps, err := m.ctrl.Run(batch*m.beam, promptLen, bound)
	if err != nil {
		return err
	}

	// bufA tracks the loop's current input identity, which always holds the
	// complete sequences.
	seq, err := m.bufA.Int32s()
	if err != nil {
		return err
	}
	total := promptLen + steps
	for b := 0; b < batch; b++ {
		src := (b * m.beam) * m.maxSeq // beam 0 is the best hypothesis
		copy(outT[b*total:(b+1)*total], seq[src:src+total])
		outS[b] = m.gen.Score(b * m.beam)
	}
	m.outShapes[0] = graph.Shape{batch, total}
	m.outShapes[1] = graph.Shape{batch}
	m.ran = true
	m.log.Info("inference complete", "batch", batch, "prompt_len", promptLen, "steps", steps)
	return nil
}

// Plan exposes the finalized arena layout for inspection tooling.
func (m *gpt) Plan() *graph.Plan {
	return m.ctx.Plan()
}

func (m *gpt) Close() error {
	return m.ctx.Close()
}
