package kernels

import (
	"fmt"
	"math"

	"github.com/samcharles93/weft/internal/device"
)

// MaskedSoftmax enqueues a scaled, causally masked softmax over attention
// scores. x is [batchHeads, rows, cols] attention logits; row r may attend to
// columns [0, startPos+r]; everything later is masked out. scale is applied
// before the softmax (1/sqrt(headDim) for attention).
func MaskedSoftmax(st *device.Stream, x []float32, batchHeads, rows, cols, startPos int, scale float32) error {
	if need := batchHeads * rows * cols; len(x) < need {
		return fmt.Errorf("kernels: masked_softmax operand too small: %d < %d", len(x), need)
	}
	return st.Launch("masked_softmax", func() error {
		for bh := 0; bh < batchHeads; bh++ {
			for r := 0; r < rows; r++ {
				row := x[(bh*rows+r)*cols : (bh*rows+r)*cols+cols]
				limit := startPos + r + 1
				if limit > cols {
					limit = cols
				}
				visible := row[:limit]

				maxv := float32(math.Inf(-1))
				for i := range visible {
					visible[i] *= scale
					if visible[i] > maxv {
						maxv = visible[i]
					}
				}
				var sum float32
				for i, v := range visible {
					e := float32(math.Exp(float64(v - maxv)))
					visible[i] = e
					sum += e
				}
				inv := 1 / sum
				for i := range visible {
					visible[i] *= inv
				}
				for i := limit; i < cols; i++ {
					row[i] = 0
				}
			}
		}
		return nil
	})
}

// LogSoftmax enqueues a row-wise log-softmax of x into dst, used to turn
// vocabulary logits into log probabilities for scoring.
func LogSoftmax(st *device.Stream, dst, x []float32, rows, cols int) error {
	if len(x) < rows*cols || len(dst) < rows*cols {
		return fmt.Errorf("kernels: log_softmax operand too small: x=%d dst=%d rows=%d cols=%d", len(x), len(dst), rows, cols)
	}
	return st.Launch("log_softmax", func() error {
		for r := 0; r < rows; r++ {
			xr := x[r*cols : r*cols+cols]
			dr := dst[r*cols : r*cols+cols]

			maxv := xr[0]
			for _, v := range xr[1:] {
				if v > maxv {
					maxv = v
				}
			}
			var sum float64
			for _, v := range xr {
				sum += math.Exp(float64(v - maxv))
			}
			lse := float32(math.Log(sum)) + maxv
			for i, v := range xr {
				dr[i] = v - lse
			}
		}
		return nil
	})
}
