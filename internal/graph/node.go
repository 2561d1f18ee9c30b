package graph

import (
	"fmt"

	"github.com/samcharles93/weft/internal/device"
)

// node is the common identity shared by tensors and operators. The id is the
// registration index inside the owning context, which doubles as the node's
// liveness timestamp: the assembler registers operators in dependency order,
// so ids form a valid topological order and no runtime sort is needed.
type node struct {
	name string
	id   int
}

// Name returns the node's build-time name.
func (n *node) Name() string { return n.name }

// ID returns the build-order index.
func (n *node) ID() int { return n.id }

// Operator is one computation step of the graph. Forward enqueues the node's
// kernels onto the stream; it must not block. ShapeCheck validates the
// current logical shapes before a forward pass.
type Operator interface {
	Forward(st *device.Stream) error
	ShapeCheck() error
}

// BackwardOperator is implemented by operators that also support a backward
// pass. Inference-only operators omit it.
type BackwardOperator interface {
	Operator
	Backward(st *device.Stream) error
}

// OpNode is a registered operator with its graph edges. Parents are the
// tensors the operator consumes, children the tensors it produces; both edge
// lists are fixed when the node is registered and never change afterwards.
type OpNode struct {
	node
	op       Operator
	parents  []*Tensor
	children []*Tensor
}

// Parents returns the consumed tensors in declaration order.
func (o *OpNode) Parents() []*Tensor { return o.parents }

// Children returns the produced tensors in declaration order.
func (o *OpNode) Children() []*Tensor { return o.children }

// Forward validates shapes and enqueues the operator's kernels.
func (o *OpNode) Forward(st *device.Stream) error {
	if err := o.op.ShapeCheck(); err != nil {
		return fmt.Errorf("op %q: %w", o.name, err)
	}
	if err := o.op.Forward(st); err != nil {
		return fmt.Errorf("op %q: %w", o.name, err)
	}
	return nil
}
