package decode

import (
	"errors"
	"testing"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/layers"
)

type stepCall struct{ rows, seqLen, pos int }

type recordLayer struct {
	name  string
	calls []stepCall
}

func (l *recordLayer) Name() string { return l.name }
func (l *recordLayer) BeforeForward(rows, seqLen, pos int) error {
	l.calls = append(l.calls, stepCall{rows, seqLen, pos})
	return nil
}
func (l *recordLayer) Forward() error { return nil }

// fakeGen terminates after stopAfter steps; stopAfter <= 0 never stops.
// parentsAt maps a step ordinal to the parent slice reported after it.
type fakeGen struct {
	steps     []stepCall
	stopAfter int
	parentsAt map[int][]int32
}

func (g *fakeGen) Name() string             { return "gen.fake" }
func (g *fakeGen) Reset(rows, promptLen int)  {}
func (g *fakeGen) Step(rows, seqLen, pos int) error {
	g.steps = append(g.steps, stepCall{rows, seqLen, pos})
	return nil
}
func (g *fakeGen) Stopped() (bool, error) {
	return g.stopAfter > 0 && len(g.steps) >= g.stopAfter, nil
}
func (g *fakeGen) Parents() []int32 {
	if g.parentsAt == nil {
		return nil
	}
	return g.parentsAt[len(g.steps)]
}
func (g *fakeGen) Score(row int) float32 { return 0 }

type harness struct {
	ctx      *graph.Context
	inp, out *graph.Tensor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := device.New(1 << 20)
	ctx := graph.NewContext(dev, nil)
	t.Cleanup(func() {
		ctx.Close()
		dev.Close()
	})
	if err := ctx.EnterBuild(); err != nil {
		t.Fatal(err)
	}
	inp, err := ctx.NewFixedTensor("tok.a", graph.I32, graph.Shape{2, 16})
	if err != nil {
		t.Fatal(err)
	}
	out, err := ctx.NewFixedTensor("tok.b", graph.I32, graph.Shape{2, 16})
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.LeaveBuild(); err != nil {
		t.Fatal(err)
	}
	if err := ctx.FinalizePlan(); err != nil {
		t.Fatal(err)
	}
	return &harness{ctx: ctx, inp: inp, out: out}
}

// Ten steps over a four-token prompt: prefill covers the prompt at offset
// zero, every later iteration advances one position, and the whole run
// produces prompt+steps tokens.
func TestRunGeometryToStepBound(t *testing.T) {
	h := newHarness(t)
	layer := &recordLayer{name: "block"}
	gen := &fakeGen{}
	c, err := New(h.ctx, Config{
		Layers:    []layers.Layer{layer},
		Generator: gen,
		InTokens:  h.inp,
		OutTokens: h.out,
		MaxSeq:    16,
	})
	if err != nil {
		t.Fatal(err)
	}

	steps, err := c.Run(2, 4, 10)
	if err != nil {
		t.Fatal(err)
	}
	if steps != 10 {
		t.Fatalf("steps = %d, want 10", steps)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %v", c.State())
	}

	want := []stepCall{{2, 4, 0}}
	for i := 1; i < 10; i++ {
		want = append(want, stepCall{2, 1, 4 + i - 1})
	}
	if len(layer.calls) != len(want) {
		t.Fatalf("layer ran %d times, want %d", len(layer.calls), len(want))
	}
	for i, w := range want {
		if layer.calls[i] != w {
			t.Fatalf("call %d = %+v, want %+v", i, layer.calls[i], w)
		}
		if gen.steps[i] != w {
			t.Fatalf("gen step %d = %+v, want %+v", i, gen.steps[i], w)
		}
	}
}

func TestRunStopsEarlyWhenGeneratorTerminates(t *testing.T) {
	h := newHarness(t)
	layer := &recordLayer{name: "block"}
	gen := &fakeGen{stopAfter: 3}
	c, err := New(h.ctx, Config{
		Layers:    []layers.Layer{layer},
		Generator: gen,
		InTokens:  h.inp,
		OutTokens: h.out,
		MaxSeq:    16,
	})
	if err != nil {
		t.Fatal(err)
	}
	steps, err := c.Run(1, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if steps != 3 {
		t.Fatalf("steps = %d, want 3", steps)
	}
	if len(layer.calls) != 3 {
		t.Fatalf("layer ran %d times after early stop", len(layer.calls))
	}
}

func TestRunReindexesAfterReorder(t *testing.T) {
	h := newHarness(t)
	gen := &fakeGen{parentsAt: map[int][]int32{2: {1, 0}}}
	var got [][]int32
	c, err := New(h.ctx, Config{
		Layers:    []layers.Layer{&recordLayer{name: "block"}},
		Generator: gen,
		InTokens:  h.inp,
		OutTokens: h.out,
		MaxSeq:    16,
		Reindex: func(p []int32) error {
			got = append(got, append([]int32(nil), p...))
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(2, 2, 4); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0][0] != 1 || got[0][1] != 0 {
		t.Fatalf("reindex calls = %v, want one [1 0]", got)
	}
}

func TestRunSwapsTokenIdentities(t *testing.T) {
	h := newHarness(t)
	a, err := h.inp.Int32s()
	if err != nil {
		t.Fatal(err)
	}
	a[0] = 7

	c, err := New(h.ctx, Config{
		Layers:    []layers.Layer{&recordLayer{name: "block"}},
		Generator: &fakeGen{stopAfter: 1},
		InTokens:  h.inp,
		OutTokens: h.out,
		MaxSeq:    16,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(1, 1, 1); err != nil {
		t.Fatal(err)
	}
	// One swap happened, so the input tensor now resolves to the other buffer.
	swapped, err := h.inp.Int32s()
	if err != nil {
		t.Fatal(err)
	}
	if swapped[0] == 7 {
		t.Fatal("input tensor still resolves to its original buffer")
	}
}

// markerGen behaves like a real selector: it carries the input prefix into
// the output tensor and appends a distinct marker token, writing nothing to
// the input side.
type markerGen struct {
	fakeGen
	inp, out *graph.Tensor
}

func (g *markerGen) Step(rows, seqLen, pos int) error {
	if err := g.fakeGen.Step(rows, seqLen, pos); err != nil {
		return err
	}
	inp, err := g.inp.Int32s()
	if err != nil {
		return err
	}
	out, err := g.out.Int32s()
	if err != nil {
		return err
	}
	writePos := pos + seqLen
	copy(out[:writePos], inp[:writePos])
	out[writePos] = int32(100 + len(g.steps))
	return nil
}

// Each swap must hand the sequence produced as output at step k to step k+1
// as input, so after the run the input identity holds the prompt followed by
// every marker in order.
func TestRunSwapTransfersProducedSequence(t *testing.T) {
	h := newHarness(t)
	gen := &markerGen{fakeGen: fakeGen{}, inp: h.inp, out: h.out}
	c, err := New(h.ctx, Config{
		Layers:    []layers.Layer{&recordLayer{name: "block"}},
		Generator: gen,
		InTokens:  h.inp,
		OutTokens: h.out,
		MaxSeq:    16,
	})
	if err != nil {
		t.Fatal(err)
	}

	seed, err := h.inp.Int32s()
	if err != nil {
		t.Fatal(err)
	}
	seed[0], seed[1] = 5, 6

	if _, err := c.Run(1, 2, 3); err != nil {
		t.Fatal(err)
	}

	got, err := h.inp.Int32s()
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{5, 6, 101, 102, 103}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("sequence[%d] = %d, want %d (full: %v)", i, got[i], w, got[:5])
		}
	}
}

func TestRunRejectsOverCapacity(t *testing.T) {
	h := newHarness(t)
	c, err := New(h.ctx, Config{
		Layers:    []layers.Layer{&recordLayer{name: "block"}},
		Generator: &fakeGen{},
		InTokens:  h.inp,
		OutTokens: h.out,
		MaxSeq:    16,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(1, 10, 7); !errors.Is(err, graph.ErrShapeOverflow) {
		t.Fatalf("err = %v, want ErrShapeOverflow", err)
	}
}
