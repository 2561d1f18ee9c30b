package graph

import (
	"fmt"
	"strings"
)

// DType identifies the element encoding of a tensor.
type DType int

const (
	F32 DType = iota
	I32
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case I32:
		return "i32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Shape is a tensor extent, outermost dimension first.
type Shape []int

// Numel returns the element count, 1 for a scalar (empty) shape.
func (s Shape) Numel() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Equal reports dimension-wise equality.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
