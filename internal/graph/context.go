package graph

import (
	"fmt"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/logger"
)

// Phase tracks the context lifecycle:
//
//	New -> EnterBuild -> LeaveBuild -> FinalizePlan -> execute* -> Close
//
// Node registration is only legal inside the build bracket, and the memory
// plan can be finalized exactly once.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBuild
	PhaseBuildClosed
	PhaseFinalized
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBuild:
		return "build"
	case PhaseBuildClosed:
		return "build-closed"
	case PhaseFinalized:
		return "finalized"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Context owns one model graph: its node registry, buffer-slot table, memory
// planner and device command stream. Contexts are explicitly passed, one per
// model; independent contexts are fully isolated. A context is driven by a
// single host goroutine and is not safe for concurrent use.
type Context struct {
	dev    *device.Device
	stream *device.Stream
	log    logger.Logger

	phase  Phase
	broken error

	nextID    int
	tensors   []*Tensor
	ops       []*OpNode
	slots     []*device.Buffer
	inRegress bool

	arena *device.Buffer
	plan  *Plan
}

// NewContext creates a context bound to a device, with its own command stream.
func NewContext(dev *device.Device, log logger.Logger) *Context {
	if log == nil {
		log = logger.Default()
	}
	return &Context{
		dev:    dev,
		stream: device.NewStream(),
		log:    log,
		phase:  PhaseIdle,
	}
}

// Device returns the context's device handle.
func (c *Context) Device() *device.Device { return c.dev }

// Stream returns the context's ordered command stream.
func (c *Context) Stream() *device.Stream { return c.stream }

// Phase returns the current lifecycle phase.
func (c *Context) Phase() Phase { return c.phase }

// Plan returns the finalized memory plan, nil before FinalizePlan.
func (c *Context) Plan() *Plan { return c.plan }

// EnterBuild opens the build bracket.
func (c *Context) EnterBuild() error {
	if c.phase == PhaseFinalized || c.phase == PhaseBuildClosed {
		return fmt.Errorf("%w: cannot re-enter build from %s", ErrPlanFinalized, c.phase)
	}
	if c.phase != PhaseIdle {
		return fmt.Errorf("%w: cannot enter build from %s", ErrInvalidPhase, c.phase)
	}
	c.phase = PhaseBuild
	return nil
}

// LeaveBuild closes the build bracket; edge topology is frozen afterwards.
func (c *Context) LeaveBuild() error {
	if c.phase != PhaseBuild {
		return fmt.Errorf("%w: cannot leave build from %s", ErrInvalidPhase, c.phase)
	}
	if c.inRegress {
		return fmt.Errorf("%w: regress bracket still open", ErrInvalidPhase)
	}
	c.phase = PhaseBuildClosed
	return nil
}

// RegressBegin opens the decode-loop bracket: tensors created until
// RegressEnd stay live through every decode step, so the planner never
// reuses their bytes mid-decode.
func (c *Context) RegressBegin() error {
	if c.phase != PhaseBuild {
		return fmt.Errorf("%w: regress bracket requires build phase, have %s", ErrInvalidPhase, c.phase)
	}
	c.inRegress = true
	return nil
}

// RegressEnd closes the decode-loop bracket.
func (c *Context) RegressEnd() error {
	if !c.inRegress {
		return fmt.Errorf("%w: no open regress bracket", ErrInvalidPhase)
	}
	c.inRegress = false
	return nil
}

func (c *Context) checkRegister(name string) error {
	switch c.phase {
	case PhaseBuild:
		return nil
	case PhaseBuildClosed, PhaseFinalized:
		return fmt.Errorf("%w: cannot register %q after build closed", ErrPlanFinalized, name)
	default:
		return fmt.Errorf("%w: cannot register %q in %s", ErrInvalidPhase, name, c.phase)
	}
}

func (c *Context) newTensor(name string, dtype DType, maxShape Shape, kind TensorKind) (*Tensor, error) {
	if err := c.checkRegister(name); err != nil {
		return nil, err
	}
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: tensor %q has unknown dtype", ErrUnsupportedConfig, name)
	}
	t := &Tensor{
		node:     node{name: name, id: c.nextID},
		ctx:      c,
		dtype:    dtype,
		kind:     kind,
		maxShape: maxShape.Clone(),
		shape:    maxShape.Clone(),
		maxBytes: alignUp(maxShape.Numel()*dtype.Size(), arenaAlign),
		slot:     -1,
		firstUse: -1,
		lastUse:  -1,
		regress:  c.inRegress,
	}
	c.nextID++
	if kind != KindShared {
		t.slot = len(c.slots)
		c.slots = append(c.slots, nil)
	}
	c.tensors = append(c.tensors, t)
	return t, nil
}

// NewTensor declares a planned tensor; the memory planner assigns its arena
// offset at FinalizePlan.
func (c *Context) NewTensor(name string, dtype DType, maxShape Shape) (*Tensor, error) {
	return c.newTensor(name, dtype, maxShape, KindPlanned)
}

// NewFixedTensor declares a tensor with its own device allocation, made
// immediately. Used for weights and anything else outside arena reuse.
func (c *Context) NewFixedTensor(name string, dtype DType, maxShape Shape) (*Tensor, error) {
	t, err := c.newTensor(name, dtype, maxShape, KindFixed)
	if err != nil {
		return nil, err
	}
	buf, err := c.dev.Alloc(t.maxBytes)
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("%w: allocating %q: %w", ErrDevice, name, err)
	}
	c.slots[t.slot] = buf
	return t, nil
}

// NewExternalTensor declares a tensor whose storage the caller binds later
// through BindBuffer. Running a graph with an unbound external tensor fails
// with ErrUnboundInput.
func (c *Context) NewExternalTensor(name string, dtype DType, maxShape Shape) (*Tensor, error) {
	return c.newTensor(name, dtype, maxShape, KindExternal)
}

// NewSharedTensor declares a byte-offset view into parent.
func (c *Context) NewSharedTensor(name string, parent *Tensor, dtype DType, maxShape Shape, byteOff int) (*Tensor, error) {
	t, err := c.newTensor(name, dtype, maxShape, KindShared)
	if err != nil {
		return nil, err
	}
	need := maxShape.Numel() * dtype.Size()
	if byteOff < 0 || byteOff+need > parent.maxBytes {
		return nil, fmt.Errorf("%w: view %q [%d:%d) exceeds parent %q (%d bytes)",
			ErrShapeOverflow, name, byteOff, byteOff+need, parent.name, parent.maxBytes)
	}
	t.parent = parent
	t.byteOff = byteOff
	t.maxBytes = need
	// A view keeps its parent live for as long as the view is in use.
	t.regress = t.regress || parent.regress
	return t, nil
}

// Register wires an operator into the graph with its consumed and produced
// tensors. Edges are established exactly once here; the operator's build
// order index becomes the liveness timestamp of the touched tensors.
func (c *Context) Register(op Operator, name string, inputs, outputs []*Tensor) (*OpNode, error) {
	if err := c.checkRegister(name); err != nil {
		return nil, err
	}
	n := &OpNode{
		node:     node{name: name, id: c.nextID},
		op:       op,
		parents:  inputs,
		children: outputs,
	}
	c.nextID++
	for _, in := range inputs {
		in.lastUse = n.id
		if in.parent != nil {
			in.parent.lastUse = n.id
		}
	}
	for _, out := range outputs {
		if out.firstUse < 0 {
			out.firstUse = n.id
		}
		out.lastUse = n.id
		if out.parent != nil {
			if out.parent.firstUse < 0 {
				out.parent.firstUse = n.id
			}
			out.parent.lastUse = n.id
		}
	}
	c.ops = append(c.ops, n)
	return n, nil
}

// FinalizePlan runs the memory planner and freezes the arena layout. It must
// be called exactly once, after LeaveBuild.
func (c *Context) FinalizePlan() error {
	switch c.phase {
	case PhaseFinalized:
		return fmt.Errorf("%w: FinalizePlan called twice", ErrPlanFinalized)
	case PhaseBuildClosed:
	default:
		return fmt.Errorf("%w: FinalizePlan requires closed build, have %s", ErrInvalidPhase, c.phase)
	}

	plan, err := planArena(c.tensors, c.nextID)
	if err != nil {
		return err
	}
	if plan.ArenaBytes > 0 {
		arena, err := c.dev.Alloc(plan.ArenaBytes)
		if err != nil {
			c.fail(err)
			return fmt.Errorf("%w: allocating arena of %d bytes: %w", ErrDevice, plan.ArenaBytes, err)
		}
		c.arena = arena
		for _, t := range c.tensors {
			if t.kind != KindPlanned {
				continue
			}
			view, err := arena.View(t.offset, t.maxBytes)
			if err != nil {
				return fmt.Errorf("graph: binding %q: %w", t.name, err)
			}
			c.slots[t.slot] = view
		}
	}
	c.plan = plan
	c.phase = PhaseFinalized
	c.log.Debug("memory plan finalized",
		"tensors", len(plan.Extents), "arena_bytes", plan.ArenaBytes, "declared_bytes", plan.DeclaredBytes)
	return nil
}

// Launch enqueues a named command on the context's stream. Once the context
// is broken every launch fails with ErrDevice.
func (c *Context) Launch(name string, fn func() error) error {
	if c.broken != nil {
		return fmt.Errorf("%w: context broken: %w", ErrDevice, c.broken)
	}
	if err := c.stream.Launch(name, fn); err != nil {
		c.fail(err)
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return nil
}

// Synchronize blocks until all issued device work completes. This is the
// single rendezvous point before host code reads output buffers.
func (c *Context) Synchronize() error {
	if c.broken != nil {
		return fmt.Errorf("%w: context broken: %w", ErrDevice, c.broken)
	}
	if err := c.stream.Sync(); err != nil {
		c.fail(err)
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return nil
}

// Broken reports the fatal device error, if any.
func (c *Context) Broken() error { return c.broken }

func (c *Context) fail(err error) {
	if c.broken == nil {
		c.broken = err
		c.log.Error("context broken", "err", err)
	}
}

// Close releases the stream and arena. The context must not be reused.
func (c *Context) Close() error {
	if c.phase == PhaseClosed {
		return nil
	}
	err := c.stream.Close()
	if c.arena != nil {
		c.dev.Free(c.arena)
		c.arena = nil
	}
	for _, t := range c.tensors {
		if t.kind == KindFixed && t.slot >= 0 && c.slots[t.slot] != nil {
			c.dev.Free(c.slots[t.slot])
			c.slots[t.slot] = nil
		}
	}
	c.phase = PhaseClosed
	return err
}
