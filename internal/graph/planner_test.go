package graph

import (
	"testing"

	"github.com/samcharles93/weft/internal/device"
)

type nopOp struct{}

func (nopOp) Forward(*device.Stream) error { return nil }
func (nopOp) ShapeCheck() error            { return nil }

func buildCtx(t *testing.T) *Context {
	t.Helper()
	ctx := NewContext(device.New(0), nil)
	if err := ctx.EnterBuild(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func mustTensor(t *testing.T, ctx *Context, name string, shape Shape) *Tensor {
	t.Helper()
	ten, err := ctx.NewTensor(name, F32, shape)
	if err != nil {
		t.Fatal(err)
	}
	return ten
}

func mustOp(t *testing.T, ctx *Context, name string, in, out []*Tensor) {
	t.Helper()
	if _, err := ctx.Register(nopOp{}, name, in, out); err != nil {
		t.Fatal(err)
	}
}

func finalize(t *testing.T, ctx *Context) *Plan {
	t.Helper()
	if err := ctx.LeaveBuild(); err != nil {
		t.Fatal(err)
	}
	if err := ctx.FinalizePlan(); err != nil {
		t.Fatal(err)
	}
	return ctx.Plan()
}

func overlaps(a, b Extent) bool {
	return a.First <= b.Last && b.First <= a.Last
}

func bytesOverlap(a, b Extent) bool {
	return a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size
}

// Concurrently live tensors must never share bytes.
func TestPlannerLivenessNonOverlap(t *testing.T) {
	ctx := buildCtx(t)

	// A chain with a long-lived skip connection: residual stays live across
	// the whole block while scratch tensors come and go.
	input := mustTensor(t, ctx, "input", Shape{4, 64})
	residual := mustTensor(t, ctx, "residual", Shape{4, 64})
	tmp1 := mustTensor(t, ctx, "tmp1", Shape{4, 64})
	tmp2 := mustTensor(t, ctx, "tmp2", Shape{4, 64})
	out := mustTensor(t, ctx, "out", Shape{4, 64})

	mustOp(t, ctx, "save", []*Tensor{input}, []*Tensor{residual})
	mustOp(t, ctx, "norm", []*Tensor{input}, []*Tensor{tmp1})
	mustOp(t, ctx, "proj", []*Tensor{tmp1}, []*Tensor{tmp2})
	mustOp(t, ctx, "add", []*Tensor{tmp2, residual}, []*Tensor{out})

	plan := finalize(t, ctx)
	for i, a := range plan.Extents {
		for _, b := range plan.Extents[i+1:] {
			if overlaps(a, b) && bytesOverlap(a, b) {
				t.Errorf("live tensors %q and %q share bytes: [%d,%d) vs [%d,%d)",
					a.Name, b.Name, a.Offset, a.Offset+a.Size, b.Offset, b.Offset+b.Size)
			}
		}
	}
}

// Two equal-size tensors with disjoint lifetimes get the same offset.
func TestPlannerReusesGap(t *testing.T) {
	ctx := buildCtx(t)

	a := mustTensor(t, ctx, "a", Shape{8, 32})
	b := mustTensor(t, ctx, "b", Shape{8, 32})
	sink := mustTensor(t, ctx, "sink", Shape{8, 32})

	// a dies at op1; b is first produced at op2.
	mustOp(t, ctx, "op1", []*Tensor{a}, []*Tensor{sink})
	mustOp(t, ctx, "op2", []*Tensor{sink}, []*Tensor{b})

	finalize(t, ctx)
	if a.Offset() != b.Offset() {
		t.Errorf("disjoint equal-size tensors placed at %d and %d, want same offset", a.Offset(), b.Offset())
	}
}

// Arena size equals the peak of concurrently live bytes, not the sum.
func TestPlannerArenaIsPeakNotSum(t *testing.T) {
	ctx := buildCtx(t)

	prev := mustTensor(t, ctx, "t0", Shape{16, 16})
	for i := 1; i < 5; i++ {
		next := mustTensor(t, ctx, "t"+string(rune('0'+i)), Shape{16, 16})
		mustOp(t, ctx, "op"+string(rune('0'+i)), []*Tensor{prev}, []*Tensor{next})
		prev = next
	}

	plan := finalize(t, ctx)
	perTensor := alignUp(16*16*4, arenaAlign)
	if plan.ArenaBytes != 2*perTensor {
		t.Errorf("arena = %d bytes, want peak of two live tensors (%d)", plan.ArenaBytes, 2*perTensor)
	}
	if plan.DeclaredBytes != 5*perTensor {
		t.Errorf("declared = %d, want %d", plan.DeclaredBytes, 5*perTensor)
	}
	if plan.PeakBytes != 2*perTensor {
		t.Errorf("peak = %d, want %d", plan.PeakBytes, 2*perTensor)
	}
}

// A non-overlapping extra tensor must not grow the arena past the peak when a
// same-size-or-larger gap is free.
func TestPlannerFreeGapAbsorbsNewTensor(t *testing.T) {
	ctx := buildCtx(t)

	big := mustTensor(t, ctx, "big", Shape{32, 32})
	mid := mustTensor(t, ctx, "mid", Shape{16, 16})
	late := mustTensor(t, ctx, "late", Shape{16, 16})

	mustOp(t, ctx, "op1", []*Tensor{big}, []*Tensor{mid})
	mustOp(t, ctx, "op2", []*Tensor{mid}, []*Tensor{late})

	plan := finalize(t, ctx)
	// big dies after op1; late fits in big's gap.
	want := alignUp(32*32*4, arenaAlign) + alignUp(16*16*4, arenaAlign)
	if plan.ArenaBytes != want {
		t.Errorf("arena = %d, want %d (late tensor should reuse freed gap)", plan.ArenaBytes, want)
	}
}

// Best-fit prefers the smallest gap that fits, lowest offset on ties.
func TestPlannerBestFitDeterministicTieBreak(t *testing.T) {
	free := []gap{{off: 0, size: 64}, {off: 128, size: 32}, {off: 256, size: 32}}
	got, ok := takeBestFit(&free, 32)
	if !ok || got != 128 {
		t.Fatalf("best fit = %d (ok=%v), want lowest-offset smallest gap 128", got, ok)
	}
	// Remainder bookkeeping: the larger gap is untouched.
	if free[0].off != 0 || free[0].size != 64 {
		t.Fatalf("free list corrupted: %+v", free)
	}
}

func TestReleaseGapCoalesces(t *testing.T) {
	free := releaseGap(nil, gap{off: 64, size: 32})
	free = releaseGap(free, gap{off: 0, size: 32})
	free = releaseGap(free, gap{off: 32, size: 32})
	if len(free) != 1 || free[0].off != 0 || free[0].size != 96 {
		t.Fatalf("adjacent gaps not coalesced: %+v", free)
	}
}

// Tensors inside a regress bracket stay live to the end of build order and
// never have their bytes reused.
func TestPlannerRegressPinning(t *testing.T) {
	ctx := buildCtx(t)

	if err := ctx.RegressBegin(); err != nil {
		t.Fatal(err)
	}
	cache := mustTensor(t, ctx, "cache", Shape{4, 64})
	if err := ctx.RegressEnd(); err != nil {
		t.Fatal(err)
	}
	scratch := mustTensor(t, ctx, "scratch", Shape{4, 64})
	out := mustTensor(t, ctx, "out", Shape{4, 64})

	// cache's last op-use is early, but the bracket pins it.
	mustOp(t, ctx, "op1", []*Tensor{cache}, []*Tensor{scratch})
	mustOp(t, ctx, "op2", []*Tensor{scratch}, []*Tensor{out})

	finalize(t, ctx)
	if cache.Offset() == out.Offset() {
		t.Error("regress-scoped tensor bytes were reused mid-decode")
	}
}

func TestPlannerAlignment(t *testing.T) {
	ctx := buildCtx(t)
	a := mustTensor(t, ctx, "odd", Shape{3, 3}) // 36 bytes, aligns to 48
	b := mustTensor(t, ctx, "next", Shape{5})
	mustOp(t, ctx, "op", []*Tensor{a}, []*Tensor{b})

	finalize(t, ctx)
	for _, ten := range []*Tensor{a, b} {
		if ten.Offset()%arenaAlign != 0 {
			t.Errorf("tensor %q offset %d not %d-byte aligned", ten.Name(), ten.Offset(), arenaAlign)
		}
	}
	if a.MaxBytes()%arenaAlign != 0 {
		t.Errorf("maxBytes %d not aligned", a.MaxBytes())
	}
}
