package kernels

import (
	"fmt"

	"github.com/samcharles93/weft/internal/device"
)

// BiasAdd enqueues dst[r][c] = x[r][c] + bias[c] for rows×cols. dst may alias x.
func BiasAdd(st *device.Stream, dst, x, bias []float32, rows, cols int) error {
	if len(x) < rows*cols || len(dst) < rows*cols || len(bias) < cols {
		return fmt.Errorf("kernels: bias_add operand too small: x=%d dst=%d bias=%d rows=%d cols=%d",
			len(x), len(dst), len(bias), rows, cols)
	}
	return st.Launch("bias_add", func() error {
		for r := 0; r < rows; r++ {
			xr := x[r*cols : r*cols+cols]
			dr := dst[r*cols : r*cols+cols]
			for c, v := range xr {
				dr[c] = v + bias[c]
			}
		}
		return nil
	})
}

// Residual enqueues dst[i] += src[i] over n elements.
func Residual(st *device.Stream, dst, src []float32, n int) error {
	if len(dst) < n || len(src) < n {
		return fmt.Errorf("kernels: residual operand too small: dst=%d src=%d n=%d", len(dst), len(src), n)
	}
	return st.Launch("residual_add", func() error {
		for i := 0; i < n; i++ {
			dst[i] += src[i]
		}
		return nil
	})
}

// BiasAddTranspose enqueues the bias-add-with-layout-transform used to split
// one projection slab into head-major form. src is [batch*seqLen, heads*dim]
// (one of the q/k/v thirds, reached through srcStride and srcOff); dst is
// laid out [batch, heads, dstSeqCap, dim] and written at sequence offset
// dstPos, so k/v land directly in their step cache slots.
func BiasAddTranspose(st *device.Stream, dst, src, bias []float32,
	batch, seqLen, heads, dim int, srcStride, srcOff, dstSeqCap, dstPos int) error {
	if seqLen == 0 || batch == 0 {
		return nil
	}
	if dstPos+seqLen > dstSeqCap {
		return fmt.Errorf("kernels: bias_add_transpose writes [%d, %d) past cache capacity %d",
			dstPos, dstPos+seqLen, dstSeqCap)
	}
	hd := heads * dim
	if len(bias) < hd {
		return fmt.Errorf("kernels: bias_add_transpose bias too small: %d < %d", len(bias), hd)
	}
	if need := (batch*seqLen-1)*srcStride + srcOff + hd; len(src) < need {
		return fmt.Errorf("kernels: bias_add_transpose src too small: %d < %d", len(src), need)
	}
	if need := batch * heads * dstSeqCap * dim; len(dst) < need {
		return fmt.Errorf("kernels: bias_add_transpose dst too small: %d < %d", len(dst), need)
	}
	return st.Launch("bias_add_transpose", func() error {
		for b := 0; b < batch; b++ {
			for s := 0; s < seqLen; s++ {
				row := src[(b*seqLen+s)*srcStride+srcOff:]
				for h := 0; h < heads; h++ {
					dRow := dst[((b*heads+h)*dstSeqCap+dstPos+s)*dim:]
					sRow := row[h*dim:]
					for d := 0; d < dim; d++ {
						dRow[d] = sRow[d] + bias[h*dim+d]
					}
				}
			}
		}
		return nil
	})
}

// TransposeMerge enqueues the inverse layout transform: src laid out
// [batch, heads, seqCap, dim] read at sequence offset srcPos for seqLen
// positions, merged into dst rows [batch*seqLen, heads*dim].
func TransposeMerge(st *device.Stream, dst, src []float32,
	batch, seqLen, heads, dim, seqCap, srcPos int) error {
	if srcPos+seqLen > seqCap {
		return fmt.Errorf("kernels: transpose_merge reads [%d, %d) past capacity %d", srcPos, srcPos+seqLen, seqCap)
	}
	if need := batch * seqLen * heads * dim; len(dst) < need {
		return fmt.Errorf("kernels: transpose_merge dst too small: %d < %d", len(dst), need)
	}
	if need := batch * heads * seqCap * dim; len(src) < need {
		return fmt.Errorf("kernels: transpose_merge src too small: %d < %d", len(src), need)
	}
	return st.Launch("transpose_merge", func() error {
		hd := heads * dim
		for b := 0; b < batch; b++ {
			for s := 0; s < seqLen; s++ {
				dRow := dst[(b*seqLen+s)*hd:]
				for h := 0; h < heads; h++ {
					sRow := src[((b*heads+h)*seqCap+srcPos+s)*dim:]
					copy(dRow[h*dim:h*dim+dim], sRow[:dim])
				}
			}
		}
		return nil
	})
}

// GatherEmbedding enqueues token + position embedding lookup. ids holds
// batch*seqLen token ids; table is [vocab, hidden]; posTable is
// [maxPos, hidden] read starting at posOff. dst rows are [batch*seqLen, hidden].
func GatherEmbedding(st *device.Stream, dst, table, posTable []float32, ids []int32,
	batch, seqLen, hidden, idStride, posOff int) error {
	if need := batch * seqLen * hidden; len(dst) < need {
		return fmt.Errorf("kernels: gather_embedding dst too small: %d < %d", len(dst), need)
	}
	if batch > 0 && seqLen > 0 && len(ids) < (batch-1)*idStride+seqLen {
		return fmt.Errorf("kernels: gather_embedding ids too small: %d", len(ids))
	}
	return st.Launch("gather_embedding", func() error {
		vocab := len(table) / hidden
		maxPos := len(posTable) / hidden
		for b := 0; b < batch; b++ {
			for s := 0; s < seqLen; s++ {
				id := int(ids[b*idStride+s])
				if id < 0 || id >= vocab {
					return fmt.Errorf("token id %d out of vocab range %d", id, vocab)
				}
				pos := posOff + s
				if pos >= maxPos {
					return fmt.Errorf("position %d out of range %d", pos, maxPos)
				}
				dRow := dst[(b*seqLen+s)*hidden:]
				tRow := table[id*hidden:]
				pRow := posTable[pos*hidden:]
				for i := 0; i < hidden; i++ {
					dRow[i] = tRow[i] + pRow[i]
				}
			}
		}
		return nil
	})
}

// GatherRows enqueues dst[i] = src[index[i]] over rows of width cols. Used by
// beam search to reindex step caches after beams reorder; it rewrites rows,
// it never reallocates.
func GatherRows(st *device.Stream, dst, src []float32, index []int32, cols int) error {
	rows := len(index)
	if len(dst) < rows*cols {
		return fmt.Errorf("kernels: gather_rows dst too small: %d < %d", len(dst), rows*cols)
	}
	return st.Launch("gather_rows", func() error {
		srcRows := len(src) / cols
		for i, idx := range index {
			if int(idx) < 0 || int(idx) >= srcRows {
				return fmt.Errorf("row index %d out of range %d", idx, srcRows)
			}
			copy(dst[i*cols:i*cols+cols], src[int(idx)*cols:int(idx)*cols+cols])
		}
		return nil
	})
}
