// Package kernels is the numeric kernel library the graph's operator nodes
// call into. Every kernel takes raw device slices, shape scalars and the
// stream handle; the actual compute is enqueued onto the stream and runs in
// issue order. Kernels know nothing about tensors or the graph.
package kernels

import (
	"fmt"

	"github.com/samcharles93/weft/internal/device"
)

// Gemm enqueues out = alpha * a·op(b) + beta * out.
//
// a is m×k row-major. When transB is false, b is k×n; when true, b is n×k and
// is consumed transposed (the usual layout for projection weights stored as
// [out, in]). out is m×n.
func Gemm(st *device.Stream, a, b, out []float32, m, k, n int, transB bool, alpha, beta float32) error {
	if len(a) < m*k || len(out) < m*n {
		return fmt.Errorf("kernels: gemm operand too small: a=%d out=%d for m=%d k=%d n=%d", len(a), len(out), m, k, n)
	}
	if len(b) < k*n {
		return fmt.Errorf("kernels: gemm weight too small: b=%d for k=%d n=%d", len(b), k, n)
	}
	return st.Launch("gemm", func() error {
		gemmSerial(a, b, out, m, k, n, transB, alpha, beta)
		return nil
	})
}

func gemmSerial(a, b, out []float32, m, k, n int, transB bool, alpha, beta float32) {
	for i := 0; i < m; i++ {
		ar := a[i*k : i*k+k]
		or := out[i*n : i*n+n]
		if beta == 0 {
			for j := range or {
				or[j] = 0
			}
		} else if beta != 1 {
			for j := range or {
				or[j] *= beta
			}
		}
		if transB {
			for j := 0; j < n; j++ {
				br := b[j*k : j*k+k]
				var sum float32
				for p := 0; p < k; p++ {
					sum += ar[p] * br[p]
				}
				or[j] += alpha * sum
			}
		} else {
			for p := 0; p < k; p++ {
				av := alpha * ar[p]
				if av == 0 {
					continue
				}
				br := b[p*n : p*n+n]
				for j := 0; j < n; j++ {
					or[j] += av * br[j]
				}
			}
		}
	}
}

// GemmStridedBatched enqueues batch independent gemms over strided operands:
// for each i, out[i*strideOut:] = alpha * a[i*strideA:]·op(b[i*strideB:]).
// This is the workhorse behind per-head attention score and context matmuls.
func GemmStridedBatched(st *device.Stream, a, b, out []float32, batch, m, k, n int,
	strideA, strideB, strideOut int, transB bool, alpha, beta float32) error {
	if batch < 0 {
		return fmt.Errorf("kernels: negative batch %d", batch)
	}
	need := func(stride, per int) int {
		if batch == 0 {
			return 0
		}
		return (batch-1)*stride + per
	}
	if len(a) < need(strideA, m*k) || len(out) < need(strideOut, m*n) {
		return fmt.Errorf("kernels: strided gemm operand too small: a=%d out=%d batch=%d m=%d k=%d n=%d",
			len(a), len(out), batch, m, k, n)
	}
	bPer := k * n
	if transB {
		bPer = n * k
	}
	if len(b) < need(strideB, bPer) {
		return fmt.Errorf("kernels: strided gemm weight too small: b=%d", len(b))
	}
	return st.Launch("gemm_strided_batched", func() error {
		for i := 0; i < batch; i++ {
			gemmSerial(a[i*strideA:], b[i*strideB:], out[i*strideOut:], m, k, n, transB, alpha, beta)
		}
		return nil
	})
}
