package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/weights"
)

const (
	mVocab  = 5
	mHidden = 4
	mHeads  = 2
	mInner  = 8
	mLayers = 2
	mMaxSeq = 14
	mEOS    = mVocab - 1
)

func containerConfig() weights.Config {
	return weights.Config{
		Arch: "gpt", Layers: mLayers, Hidden: mHidden, Heads: mHeads,
		Inner: mInner, Vocab: mVocab, MaxStep: mMaxSeq, EOSID: mEOS,
	}
}

// buildContainer writes a container whose tensors are all zero except the
// overrides, then reopens it through the reader path models load from.
func buildContainer(t *testing.T, cfg weights.Config, override map[string][]float32) *weights.File {
	t.Helper()
	w := weights.NewWriter(cfg)
	add := func(name string, dims []int) {
		n := 1
		for _, d := range dims {
			n *= d
		}
		data := override[name]
		if data == nil {
			data = make([]float32, n)
		}
		if err := w.AddF32(name, dims, data); err != nil {
			t.Fatalf("AddF32(%s): %v", name, err)
		}
	}
	add("emb.tok", []int{cfg.Vocab, cfg.Hidden})
	add("emb.pos", []int{cfg.MaxStep, cfg.Hidden})
	for i := 0; i < cfg.Layers; i++ {
		p := fmt.Sprintf("dec.%d.", i)
		add(p+"attn.norm.g", []int{cfg.Hidden})
		add(p+"attn.norm.b", []int{cfg.Hidden})
		add(p+"attn.qkv.w", []int{3 * cfg.Hidden, cfg.Hidden})
		add(p+"attn.qkv.b", []int{3 * cfg.Hidden})
		add(p+"attn.out.w", []int{cfg.Hidden, cfg.Hidden})
		add(p+"attn.out.b", []int{cfg.Hidden})
		add(p+"ffn.norm.g", []int{cfg.Hidden})
		add(p+"ffn.norm.b", []int{cfg.Hidden})
		add(p+"ffn.in.w", []int{cfg.Inner, cfg.Hidden})
		add(p+"ffn.in.b", []int{cfg.Inner})
		add(p+"ffn.out.w", []int{cfg.Hidden, cfg.Inner})
		add(p+"ffn.out.b", []int{cfg.Hidden})
	}
	add("final.norm.g", []int{cfg.Hidden})
	add("final.norm.b", []int{cfg.Hidden})

	blob, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	wf, err := weights.OpenBytes(blob)
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

// eosFavoring makes logits deterministic at every position: the final norm's
// beta becomes the hidden state, and the tied table turns it into
// logits[v] = v, so greedy selection always picks the EOS id.
func eosFavoring() map[string][]float32 {
	table := make([]float32, mVocab*mHidden)
	for v := 0; v < mVocab; v++ {
		table[v*mHidden] = float32(v)
	}
	return map[string][]float32{
		"emb.tok":      table,
		"final.norm.b": {1, 0, 0, 0},
	}
}

type hostIO struct {
	dev    *device.Device
	in     *device.Buffer
	tokens *device.Buffer
	scores *device.Buffer
}

func bindAll(t *testing.T, m Model) *hostIO {
	t.Helper()
	io := &hostIO{dev: device.New(1 << 20)}
	t.Cleanup(io.dev.Close)

	alloc := func(shape graph.Shape, elem int) *device.Buffer {
		b, err := io.dev.Alloc(((shape.Numel()*elem + 15) / 16) * 16)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	inShape, err := m.MaxInputShape(0)
	if err != nil {
		t.Fatal(err)
	}
	io.in = alloc(inShape, 4)
	tokShape, err := m.MaxOutputShape(0)
	if err != nil {
		t.Fatal(err)
	}
	io.tokens = alloc(tokShape, 4)
	scoreShape, err := m.MaxOutputShape(1)
	if err != nil {
		t.Fatal(err)
	}
	io.scores = alloc(scoreShape, 4)

	if err := m.BindInput(0, io.in); err != nil {
		t.Fatal(err)
	}
	if err := m.BindOutput(0, io.tokens); err != nil {
		t.Fatal(err)
	}
	if err := m.BindOutput(1, io.scores); err != nil {
		t.Fatal(err)
	}
	return io
}

func newModel(t *testing.T, cfg weights.Config, override map[string][]float32, opts Options) Model {
	t.Helper()
	dev := device.New(256 << 20)
	t.Cleanup(dev.Close)
	m, err := New(dev, buildContainer(t, cfg, override), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// With zero weights every logit ties and greedy selection emits token 0
// forever, so a run must stop exactly at the step bound: a 4-token prompt
// and a 10-step budget yield sequences of 14 tokens.
func TestInferRunsToStepBound(t *testing.T) {
	m := newModel(t, containerConfig(), nil, Options{MaxBatch: 2})
	io := bindAll(t, m)

	prompt := []int32{1, 2, 3, 1, 3, 2, 1, 3}
	copy(io.in.Int32s(), prompt)
	if err := m.SetInputShape(0, graph.Shape{2, 4}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetMaxSteps(10); err != nil {
		t.Fatal(err)
	}
	if err := m.Infer(); err != nil {
		t.Fatal(err)
	}

	shape, err := m.OutputShape(0)
	if err != nil {
		t.Fatal(err)
	}
	if !shape.Equal(graph.Shape{2, 14}) {
		t.Fatalf("output shape = %v, want {2, 14}", shape)
	}
	out := io.tokens.Int32s()
	for b := 0; b < 2; b++ {
		row := out[b*14 : (b+1)*14]
		for i := 0; i < 4; i++ {
			if row[i] != prompt[b*4+i] {
				t.Fatalf("row %d prompt echo[%d] = %d, want %d", b, i, row[i], prompt[b*4+i])
			}
		}
		for i := 4; i < 14; i++ {
			if row[i] != 0 {
				t.Fatalf("row %d token[%d] = %d, want 0 under tied logits", b, i, row[i])
			}
		}
	}
	if s := io.scores.Float32s()[0]; s >= 0 {
		t.Fatalf("score = %v, want negative log-probability", s)
	}
}

func TestInferStopsAtEOS(t *testing.T) {
	m := newModel(t, containerConfig(), eosFavoring(), Options{MaxBatch: 1})
	io := bindAll(t, m)

	copy(io.in.Int32s(), []int32{1, 2, 3, 0})
	if err := m.SetInputShape(0, graph.Shape{1, 4}); err != nil {
		t.Fatal(err)
	}
	if err := m.Infer(); err != nil {
		t.Fatal(err)
	}

	shape, err := m.OutputShape(0)
	if err != nil {
		t.Fatal(err)
	}
	if !shape.Equal(graph.Shape{1, 5}) {
		t.Fatalf("output shape = %v, want {1, 5} after first-step EOS", shape)
	}
	out := io.tokens.Int32s()
	if out[4] != mEOS {
		t.Fatalf("generated token = %d, want EOS %d", out[4], mEOS)
	}
}

// eosAtThirdStep crafts weights whose greedy choice flips with the reading
// position. Layer norm is scale-invariant, so a hidden state [c,0,0,0]
// normalizes to the same vector for any c > 0 and to its negation for c < 0;
// token 0's table row scores that vector positively and the EOS row mirrors
// it. The position table keeps c positive through position 4 and drives it
// negative at position 5, so the model emits token 0 twice and then EOS.
func eosAtThirdStep() map[string][]float32 {
	table := make([]float32, mVocab*mHidden)
	table[0] = 1
	table[mEOS*mHidden] = -1
	pos := make([]float32, mMaxSeq*mHidden)
	for p := 0; p < mMaxSeq; p++ {
		pos[p*mHidden] = 1
	}
	pos[5*mHidden] = -3
	return map[string][]float32{
		"emb.tok":      table,
		"emb.pos":      pos,
		"final.norm.g": {1, 1, 1, 1},
	}
}

// A stop token appearing on the third step ends the run there: a 4-token
// prompt comes back as exactly 7 tokens.
func TestInferStopsAtThirdStepEOS(t *testing.T) {
	m := newModel(t, containerConfig(), eosAtThirdStep(), Options{MaxBatch: 1})
	io := bindAll(t, m)

	copy(io.in.Int32s(), []int32{1, 2, 3, 1})
	if err := m.SetInputShape(0, graph.Shape{1, 4}); err != nil {
		t.Fatal(err)
	}
	if err := m.Infer(); err != nil {
		t.Fatal(err)
	}

	shape, err := m.OutputShape(0)
	if err != nil {
		t.Fatal(err)
	}
	if !shape.Equal(graph.Shape{1, 7}) {
		t.Fatalf("output shape = %v, want {1, 7} after third-step EOS", shape)
	}
	want := []int32{1, 2, 3, 1, 0, 0, mEOS}
	out := io.tokens.Int32s()
	for i, w := range want {
		if out[i] != w {
			t.Fatalf("sequence = %v, want %v", out[:7], want)
		}
	}
}

func TestBeamSearchReturnsBestHypothesisFirst(t *testing.T) {
	cfg := containerConfig()
	cfg.Generator = "beam"
	cfg.BeamSize = 2
	m := newModel(t, cfg, eosFavoring(), Options{MaxBatch: 1})
	io := bindAll(t, m)

	copy(io.in.Int32s(), []int32{1, 2, 3, 0})
	if err := m.SetInputShape(0, graph.Shape{1, 4}); err != nil {
		t.Fatal(err)
	}
	if err := m.Infer(); err != nil {
		t.Fatal(err)
	}

	shape, err := m.OutputShape(0)
	if err != nil {
		t.Fatal(err)
	}
	// Beam 0 ends at step one; the runner-up needs a second step to finish.
	if !shape.Equal(graph.Shape{1, 6}) {
		t.Fatalf("output shape = %v, want {1, 6}", shape)
	}
	out := io.tokens.Int32s()
	if out[1] != 2 || out[4] != mEOS {
		t.Fatalf("best sequence = %v, want prompt then EOS", out[:6])
	}
	if s := io.scores.Float32s()[0]; s >= 0 {
		t.Fatalf("beam score = %v, want negative", s)
	}
}

// A bad output index must fail with ErrInvalidIndex and leave the model
// fully usable.
func TestBadBindingIndexIsRecoverable(t *testing.T) {
	m := newModel(t, containerConfig(), nil, Options{MaxBatch: 1})

	if err := m.BindOutput(5, nil); !errors.Is(err, graph.ErrInvalidIndex) {
		t.Fatalf("BindOutput(5) = %v, want ErrInvalidIndex", err)
	}
	if _, err := m.MaxInputShape(3); !errors.Is(err, graph.ErrInvalidIndex) {
		t.Fatalf("MaxInputShape(3) = %v, want ErrInvalidIndex", err)
	}

	io := bindAll(t, m)
	copy(io.in.Int32s(), []int32{1, 2})
	if err := m.SetInputShape(0, graph.Shape{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetMaxSteps(3); err != nil {
		t.Fatal(err)
	}
	if err := m.Infer(); err != nil {
		t.Fatalf("Infer after index error: %v", err)
	}
}

func TestInferRequiresShapeAndBuffers(t *testing.T) {
	m := newModel(t, containerConfig(), nil, Options{MaxBatch: 1})
	if err := m.Infer(); !errors.Is(err, graph.ErrUnboundInput) {
		t.Fatalf("Infer without shape = %v, want ErrUnboundInput", err)
	}
	if err := m.SetInputShape(0, graph.Shape{1, 4}); err != nil {
		t.Fatal(err)
	}
	if err := m.Infer(); !errors.Is(err, graph.ErrUnboundInput) {
		t.Fatalf("Infer without buffers = %v, want ErrUnboundInput", err)
	}
}

// Valid output indices never fail: before the first inference OutputShape
// falls back to the declared maximum, and only out-of-range indices error.
func TestOutputShapeValidBeforeFirstInfer(t *testing.T) {
	m := newModel(t, containerConfig(), nil, Options{MaxBatch: 2})

	shape, err := m.OutputShape(0)
	if err != nil {
		t.Fatalf("OutputShape(0) before Infer: %v", err)
	}
	if !shape.Equal(graph.Shape{2, mMaxSeq}) {
		t.Fatalf("OutputShape(0) = %v, want declared max {2, %d}", shape, mMaxSeq)
	}
	shape, err = m.OutputShape(1)
	if err != nil {
		t.Fatalf("OutputShape(1) before Infer: %v", err)
	}
	if !shape.Equal(graph.Shape{2}) {
		t.Fatalf("OutputShape(1) = %v, want declared max {2}", shape)
	}
	if _, err := m.OutputShape(2); !errors.Is(err, graph.ErrInvalidIndex) {
		t.Fatalf("OutputShape(2) = %v, want ErrInvalidIndex", err)
	}
}

func TestUnknownArchitectureIsRejected(t *testing.T) {
	cfg := containerConfig()
	cfg.Arch = "rnn"
	dev := device.New(1 << 20)
	t.Cleanup(dev.Close)
	_, err := New(dev, buildContainer(t, cfg, nil), Options{})
	if !errors.Is(err, graph.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}
