package layers

import (
	"fmt"
	"math"

	"github.com/samcharles93/weft/internal/graph"
)

// beamSearch keeps the B highest-scoring continuations per batch entry.
// Rows are laid out batch-major, beam b of entry i at row i*B+b, and are
// kept sorted best-first so row i*B holds the leading hypothesis.
type beamSearch struct {
	ctx      *graph.Context
	cfg      GenConfig
	logits   *graph.Tensor
	inp, out *graph.Tensor

	rows    int
	batch   int
	gen     int       // tokens generated so far
	cum     []float32 // per row, sum of chosen log-probabilities
	done    []bool    // per row, beam ended with EOS
	doneLen []int     // per row, generated length at termination
	final   []bool    // per batch entry, every beam done
	parents []int32
	moved   bool
}

func newBeamSearch(ctx *graph.Context, cfg GenConfig, logits, inp, out *graph.Tensor) *beamSearch {
	return &beamSearch{ctx: ctx, cfg: cfg, logits: logits, inp: inp, out: out}
}

func (b *beamSearch) Name() string { return "gen.beam" }

func (b *beamSearch) Reset(rows, promptLen int) {
	b.rows = rows
	b.batch = rows / b.cfg.Beam
	b.gen = 0
	b.cum = make([]float32, rows)
	b.done = make([]bool, rows)
	b.doneLen = make([]int, rows)
	b.final = make([]bool, b.batch)
	b.parents = make([]int32, rows)
	b.moved = false
}

type beamCand struct {
	parent int // beam index within the batch entry
	tok    int32
	cum    float32
	key    float64
	ended  bool
	length int
}

func (b *beamSearch) Step(rows, seqLen, pos int) error {
	logits, err := b.logits.Float32s()
	if err != nil {
		return err
	}
	inp, err := b.inp.Int32s()
	if err != nil {
		return err
	}
	out, err := b.out.Int32s()
	if err != nil {
		return err
	}
	writePos := pos + seqLen
	if writePos >= b.cfg.MaxSeq {
		return fmt.Errorf("%w: token position %d exceeds capacity %d", graph.ErrShapeOverflow, writePos, b.cfg.MaxSeq)
	}
	vocab := b.logits.Shape()[1]
	first := b.gen == 0
	return b.ctx.Launch("gen.beam", func() error {
		b.selectBeams(logits, inp, out, vocab, writePos, first)
		return nil
	})
}

func (b *beamSearch) selectBeams(logits []float32, inp, out []int32, vocab, writePos int, first bool) {
	B := b.cfg.Beam
	b.gen++
	b.moved = false

	newCum := make([]float32, b.rows)
	newDone := make([]bool, b.rows)
	newDoneLen := make([]int, b.rows)

	for e := 0; e < b.batch; e++ {
		base := e * B
		if b.final[e] {
			for j := 0; j < B; j++ {
				r := base + j
				b.parents[r] = int32(r)
				row := r * b.cfg.MaxSeq
				copy(out[row:row+writePos], inp[row:row+writePos])
				out[row+writePos] = b.cfg.EOS
				newCum[r] = b.cum[r]
				newDone[r] = true
				newDoneLen[r] = b.doneLen[r]
			}
			continue
		}

		// The prompt is identical across beams, so the very first expansion
		// draws from beam 0 only; later steps expand every live beam.
		srcBeams := B
		if first {
			srcBeams = 1
		}
		top := make([]beamCand, 0, B+1)
		push := func(c beamCand) {
			pos := len(top)
			for pos > 0 && top[pos-1].key < c.key {
				pos--
			}
			if pos >= B {
				return
			}
			top = append(top, beamCand{})
			copy(top[pos+1:], top[pos:])
			top[pos] = c
			if len(top) > B {
				top = top[:B]
			}
		}

		for j := 0; j < srcBeams; j++ {
			r := base + j
			if b.done[r] {
				push(beamCand{parent: j, tok: b.cfg.EOS, cum: b.cum[r],
					key: b.rank(b.cum[r], b.doneLen[r]), ended: true, length: b.doneLen[r]})
				continue
			}
			row := logits[r*vocab : (r+1)*vocab]
			maxv := row[argmax(row)]
			var sum float64
			for _, l := range row {
				sum += math.Exp(float64(l - maxv))
			}
			lse := maxv + float32(math.Log(sum))
			for v := 0; v < vocab; v++ {
				cum := b.cum[r] + row[v] - lse
				push(beamCand{parent: j, tok: int32(v), cum: cum,
					key: b.rank(cum, b.gen), ended: int32(v) == b.cfg.EOS, length: b.gen})
			}
		}

		// Install the winners into the output tensor only: beam j's row
		// becomes its parent's input-side prefix plus the chosen token, so
		// the controller's identity swap hands complete sequences onward.
		// Parent prefixes stay valid throughout because the input tensor is
		// never written here.
		allDone := true
		for j, c := range top {
			r := base + j
			parent := base + c.parent
			b.parents[r] = int32(parent)
			if parent != r {
				b.moved = true
			}
			row := r * b.cfg.MaxSeq
			src := parent * b.cfg.MaxSeq
			copy(out[row:row+writePos], inp[src:src+writePos])
			out[row+writePos] = c.tok
			newCum[r] = c.cum
			newDone[r] = c.ended
			newDoneLen[r] = c.length
			if !c.ended {
				allDone = false
			}
		}
		b.final[e] = allDone
	}
	copy(b.cum, newCum)
	copy(b.done, newDone)
	copy(b.doneLen, newDoneLen)
}

// rank is the beam ordering key: cumulative log-probability under the
// configured length normalization.
func (b *beamSearch) rank(cum float32, length int) float64 {
	if b.cfg.LengthPenalty <= 0 || length == 0 {
		return float64(cum)
	}
	return float64(cum) / math.Pow(float64(length), float64(b.cfg.LengthPenalty))
}

func (b *beamSearch) Stopped() (bool, error) {
	if err := b.ctx.Synchronize(); err != nil {
		return false, err
	}
	for _, f := range b.final {
		if !f {
			return false, nil
		}
	}
	return true, nil
}

func (b *beamSearch) Parents() []int32 {
	if !b.moved {
		return nil
	}
	return b.parents
}

func (b *beamSearch) Score(row int) float32 {
	length := b.gen
	if b.done[row] {
		length = b.doneLen[row]
	}
	return float32(b.rank(b.cum[row], length))
}
