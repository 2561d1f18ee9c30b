package kernels

import (
	"fmt"
	"math"

	"github.com/samcharles93/weft/internal/device"
)

// Activation selects the FFN nonlinearity.
type Activation string

const (
	ActGELU Activation = "gelu"
	ActReLU Activation = "relu"
)

// BiasActivate enqueues dst[r][c] = act(x[r][c] + bias[c]). dst may alias x.
func BiasActivate(st *device.Stream, dst, x, bias []float32, rows, cols int, act Activation) error {
	if len(x) < rows*cols || len(dst) < rows*cols || len(bias) < cols {
		return fmt.Errorf("kernels: bias_activate operand too small: x=%d dst=%d bias=%d rows=%d cols=%d",
			len(x), len(dst), len(bias), rows, cols)
	}
	var f func(float32) float32
	switch act {
	case ActGELU:
		f = gelu
	case ActReLU:
		f = relu
	default:
		return fmt.Errorf("kernels: unknown activation %q", act)
	}
	return st.Launch("bias_"+string(act), func() error {
		for r := 0; r < rows; r++ {
			xr := x[r*cols : r*cols+cols]
			dr := dst[r*cols : r*cols+cols]
			for c, v := range xr {
				dr[c] = f(v + bias[c])
			}
		}
		return nil
	})
}

// gelu is the tanh approximation used by GPT-family models.
func gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	x64 := float64(x)
	return float32(0.5 * x64 * (1 + math.Tanh(c*(x64+0.044715*x64*x64*x64))))
}

func relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}
