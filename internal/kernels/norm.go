package kernels

import (
	"fmt"
	"math"

	"github.com/samcharles93/weft/internal/device"
)

// LayerNorm enqueues row-wise layer normalization of x into dst:
// dst[r] = (x[r] - mean) / sqrt(var + eps) * gamma + beta.
func LayerNorm(st *device.Stream, dst, x, gamma, beta []float32, rows, cols int, eps float32) error {
	if len(x) < rows*cols || len(dst) < rows*cols {
		return fmt.Errorf("kernels: layernorm operand too small: x=%d dst=%d rows=%d cols=%d", len(x), len(dst), rows, cols)
	}
	if len(gamma) < cols || len(beta) < cols {
		return fmt.Errorf("kernels: layernorm params too small: gamma=%d beta=%d cols=%d", len(gamma), len(beta), cols)
	}
	return st.Launch("layer_norm", func() error {
		for r := 0; r < rows; r++ {
			xr := x[r*cols : r*cols+cols]
			dr := dst[r*cols : r*cols+cols]

			var mean float32
			for _, v := range xr {
				mean += v
			}
			mean /= float32(cols)

			var variance float32
			for _, v := range xr {
				d := v - mean
				variance += d * d
			}
			variance /= float32(cols)

			inv := float32(1.0 / math.Sqrt(float64(variance+eps)))
			for i, v := range xr {
				dr[i] = (v-mean)*inv*gamma[i] + beta[i]
			}
		}
		return nil
	})
}
