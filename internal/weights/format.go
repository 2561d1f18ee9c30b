// Package weights implements the .wft weight container: a small binary
// format holding model hyperparameters as a JSON block plus aligned raw
// tensor payloads. The engine treats the container as opaque input data; it
// owns no other persisted state.
package weights

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// Magic identifies a .wft container ("WFT" + format nul).
	Magic uint32 = 0x57465400
	// Version is the current container version.
	Version uint32 = 1

	headerSize   = 16 // magic, version, metaLen, tensorCount
	payloadAlign = 64
)

var (
	ErrBadMagic           = errors.New("weights: invalid container magic")
	ErrUnsupportedVersion = errors.New("weights: unsupported container version")
	ErrCorrupt            = errors.New("weights: corrupt container")
	ErrUnknownTensor      = errors.New("weights: unknown tensor")
)

// TensorDType is the on-disk element encoding.
type TensorDType uint8

const (
	DTypeF32 TensorDType = iota
	DTypeI8              // symmetric int8 with a per-tensor scale
)

func (d TensorDType) ElemSize() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

func (d TensorDType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeI8:
		return "i8"
	default:
		return "unknown"
	}
}

// TensorInfo describes one stored tensor.
type TensorInfo struct {
	Name   string
	DType  TensorDType
	Dims   []int
	Scale  float32 // i8 dequantization scale, 1 for f32
	Offset uint64  // payload offset from file start
	Size   uint64  // payload bytes
}

// Numel returns the element count.
func (ti *TensorInfo) Numel() int {
	n := 1
	for _, d := range ti.Dims {
		n *= d
	}
	return n
}

// Config is the hyperparameter block stored as the container's JSON metadata.
type Config struct {
	Arch          string  `json:"arch"`
	Layers        int     `json:"layers"`
	Hidden        int     `json:"hidden"`
	Heads         int     `json:"heads"`
	Inner         int     `json:"inner"`
	Vocab         int     `json:"vocab"`
	MaxStep       int     `json:"max_step"`
	BeamSize      int     `json:"beam_size"`
	PaddingID     int     `json:"padding_id"`
	EOSID         int     `json:"eos_id"`
	Activation    string  `json:"activation"`
	Generator     string  `json:"generator"` // sampling | beam
	TopK          int     `json:"topk,omitempty"`
	TopP          float32 `json:"topp,omitempty"`
	Temperature   float32 `json:"temperature,omitempty"`
	LengthPenalty float32 `json:"length_penalty,omitempty"`
}

var le = binary.LittleEndian

func alignPayload(off int) int {
	return (off + payloadAlign - 1) &^ (payloadAlign - 1)
}

func f32bits(v float32) uint32     { return math.Float32bits(v) }
func f32frombits(b uint32) float32 { return math.Float32frombits(b) }
