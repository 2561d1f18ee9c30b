package kernels

import (
	"fmt"
	"math"

	"github.com/samcharles93/weft/internal/device"
)

// QuantizeI8 enqueues symmetric int8 quantization of x. The scale maps the
// absolute maximum to 127 and is written to scaleOut[0] so callers can
// persist it alongside the quantized payload.
func QuantizeI8(st *device.Stream, dst []int8, x []float32, scaleOut []float32) error {
	if len(dst) < len(x) || len(scaleOut) < 1 {
		return fmt.Errorf("kernels: quantize_i8 operand too small: dst=%d x=%d", len(dst), len(x))
	}
	return st.Launch("quantize_i8", func() error {
		var absmax float32
		for _, v := range x {
			if a := float32(math.Abs(float64(v))); a > absmax {
				absmax = a
			}
		}
		scale := absmax / 127
		if scale == 0 {
			scale = 1
		}
		inv := 1 / scale
		for i, v := range x {
			q := math.RoundToEven(float64(v * inv))
			if q > 127 {
				q = 127
			} else if q < -127 {
				q = -127
			}
			dst[i] = int8(q)
		}
		scaleOut[0] = scale
		return nil
	})
}

// DequantizeI8 enqueues dst[i] = float32(q[i]) * scale.
func DequantizeI8(st *device.Stream, dst []float32, q []int8, scale float32) error {
	if len(dst) < len(q) {
		return fmt.Errorf("kernels: dequantize_i8 dst too small: %d < %d", len(dst), len(q))
	}
	return st.Launch("dequantize_i8", func() error {
		for i, v := range q {
			dst[i] = float32(v) * scale
		}
		return nil
	})
}
