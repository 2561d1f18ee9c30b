package graph

import (
	"fmt"

	"github.com/samcharles93/weft/internal/device"
)

// TensorKind describes how a tensor's storage is provided.
type TensorKind int

const (
	// KindPlanned tensors receive an arena offset from the memory planner.
	KindPlanned TensorKind = iota
	// KindFixed tensors own a dedicated device allocation made at build time
	// (weights, step caches).
	KindFixed
	// KindExternal tensors are backed by a caller-bound buffer.
	KindExternal
	// KindShared tensors are byte-offset views into another tensor.
	KindShared
)

// Tensor is a data-holding graph node. Its declared maximum shape is fixed at
// build time and sized by the planner; the logical shape may be mutated every
// decode step within that maximum. Storage is reached through a slot index in
// the owning context's slot table, so two tensors exchange buffers by
// swapping slot indices rather than aliasing raw pointers.
type Tensor struct {
	node
	ctx   *Context
	dtype DType
	kind  TensorKind

	maxShape Shape
	shape    Shape
	maxBytes int

	slot    int     // index into ctx.slots, -1 until storage is bound
	parent  *Tensor // KindShared only
	byteOff int     // KindShared: offset into parent's buffer

	// liveness, maintained as operators register
	firstUse int
	lastUse  int
	regress  bool // pinned live through the decode loop
	offset   int  // arena offset, valid after planning (KindPlanned)
}

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Kind returns how the tensor is backed.
func (t *Tensor) Kind() TensorKind { return t.kind }

// MaxShape returns the declared maximum shape.
func (t *Tensor) MaxShape() Shape { return t.maxShape.Clone() }

// Shape returns the current logical shape.
func (t *Tensor) Shape() Shape { return t.shape.Clone() }

// MaxBytes returns the planner-visible byte length, immutable after build.
func (t *Tensor) MaxBytes() int { return t.maxBytes }

// SetShape mutates the logical shape. It fails closed with ErrShapeOverflow
// when the requested shape would exceed the declared maximum byte length.
func (t *Tensor) SetShape(shape Shape) error {
	need := shape.Numel() * t.dtype.Size()
	if need > t.maxBytes {
		return fmt.Errorf("%w: tensor %q requested %v (%d bytes), declared max %v (%d bytes)",
			ErrShapeOverflow, t.name, shape, need, t.maxShape, t.maxBytes)
	}
	t.shape = shape.Clone()
	return nil
}

// Buffer resolves the tensor's device storage. External tensors fail with
// ErrUnboundInput until the caller binds one.
func (t *Tensor) Buffer() (*device.Buffer, error) {
	switch t.kind {
	case KindShared:
		base, err := t.parent.Buffer()
		if err != nil {
			return nil, err
		}
		return base.View(t.byteOff, t.maxBytes)
	default:
		if t.slot < 0 || t.ctx.slots[t.slot] == nil {
			return nil, fmt.Errorf("%w: tensor %q has no device buffer", ErrUnboundInput, t.name)
		}
		return t.ctx.slots[t.slot], nil
	}
}

// Float32s views the tensor's buffer as float32 elements.
func (t *Tensor) Float32s() ([]float32, error) {
	buf, err := t.Buffer()
	if err != nil {
		return nil, err
	}
	return buf.Float32s(), nil
}

// Int32s views the tensor's buffer as int32 elements.
func (t *Tensor) Int32s() ([]int32, error) {
	buf, err := t.Buffer()
	if err != nil {
		return nil, err
	}
	return buf.Int32s(), nil
}

// BindBuffer attaches caller-owned storage to an external tensor.
func (t *Tensor) BindBuffer(buf *device.Buffer) error {
	if t.kind != KindExternal {
		return fmt.Errorf("graph: tensor %q is not external", t.name)
	}
	if buf.Len() < t.maxBytes {
		return fmt.Errorf("%w: tensor %q needs %d bytes, bound buffer has %d",
			ErrShapeOverflow, t.name, t.maxBytes, buf.Len())
	}
	t.ctx.slots[t.slot] = buf
	return nil
}

// Offset returns the arena byte offset assigned by the planner.
func (t *Tensor) Offset() int { return t.offset }

// SwapTensors exchanges the buffer identities of two tensors by swapping slot
// indices. Content is untouched: what one tensor produced, the other now
// reads, with no copy and no host round-trip.
func SwapTensors(a, b *Tensor) error {
	if a.kind == KindShared || b.kind == KindShared {
		return fmt.Errorf("graph: cannot swap shared-view tensor %q/%q", a.name, b.name)
	}
	if a.maxBytes != b.maxBytes {
		return fmt.Errorf("graph: swap size mismatch: %q has %d bytes, %q has %d",
			a.name, a.maxBytes, b.name, b.maxBytes)
	}
	a.slot, b.slot = b.slot, a.slot
	return nil
}
