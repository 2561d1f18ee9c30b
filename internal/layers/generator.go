package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/weft/internal/graph"
)

// GenConfig configures token selection at the end of each decode step.
type GenConfig struct {
	Method        string // "sampling" or "beam"
	Temperature   float32
	TopK          int
	TopP          float32
	Beam          int
	LengthPenalty float32
	EOS           int32
	MaxSeq        int
	Seed          int64
}

// Generator selects the next token for every active row after the logits
// head has run. Implementations enqueue their selection on the stream like
// any other operator; Stopped synchronizes and reports whether every
// sequence has terminated.
type Generator interface {
	Name() string

	// Reset prepares per-row state for a fresh request.
	Reset(rows, promptLen int)

	// Step enqueues selection for the current iteration. Each row's prefix
	// is carried from the input tensor into the output tensor and the chosen
	// token appended at writePos = pos+seqLen, so the output holds the
	// complete sequence and the controller's identity swap hands it to the
	// next iteration. The input tensor is never written.
	Step(rows, seqLen, pos int) error

	// Stopped synchronizes the stream and reports whether decoding is done.
	Stopped() (bool, error)

	// Parents reports the cache reorder of the last step, one source row per
	// row, or nil when rows kept their own history.
	Parents() []int32

	// Score returns the accumulated log-probability of row's generated tokens.
	Score(row int) float32
}

// NewGenerator builds the selector the stored config asks for. logits is the
// projection head's output; inp and out are the int32 token tensors selection
// writes into.
func NewGenerator(ctx *graph.Context, cfg GenConfig, logits, inp, out *graph.Tensor) (Generator, error) {
	switch cfg.Method {
	case "", "sampling":
		return newSampling(ctx, cfg, logits, inp, out), nil
	case "beam":
		if cfg.Beam < 1 {
			return nil, fmt.Errorf("%w: beam size %d", graph.ErrUnsupportedConfig, cfg.Beam)
		}
		return newBeamSearch(ctx, cfg, logits, inp, out), nil
	default:
		return nil, fmt.Errorf("%w: generator method %q", graph.ErrUnsupportedConfig, cfg.Method)
	}
}

// sampling draws one token per row from the temperature-scaled shortlist.
// Temperature <= 0 selects the argmax.
type sampling struct {
	ctx      *graph.Context
	cfg      GenConfig
	inp, out *graph.Tensor
	logits   *graph.Tensor
	rng      *rand.Rand
	greedy   bool

	finished []bool
	scores   []float32
	topIdx   []int
	topVal   []float32
	prob     []float64
}

func newSampling(ctx *graph.Context, cfg GenConfig, logits, inp, out *graph.Tensor) *sampling {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &sampling{
		ctx:    ctx,
		cfg:    cfg,
		logits: logits,
		inp:    inp,
		out:    out,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		greedy: greedy,
	}
}

func (s *sampling) Name() string { return "gen.sampling" }

func (s *sampling) Reset(rows, promptLen int) {
	s.finished = make([]bool, rows)
	s.scores = make([]float32, rows)
}

func (s *sampling) Step(rows, seqLen, pos int) error {
	logits, err := s.logits.Float32s()
	if err != nil {
		return err
	}
	inp, err := s.inp.Int32s()
	if err != nil {
		return err
	}
	out, err := s.out.Int32s()
	if err != nil {
		return err
	}
	writePos := pos + seqLen
	if writePos >= s.cfg.MaxSeq {
		return fmt.Errorf("%w: token position %d exceeds capacity %d", graph.ErrShapeOverflow, writePos, s.cfg.MaxSeq)
	}
	vocab := s.logits.Shape()[1]
	return s.ctx.Launch("gen.sampling", func() error {
		for r := 0; r < rows; r++ {
			base := r * s.cfg.MaxSeq
			copy(out[base:base+writePos], inp[base:base+writePos])
			if s.finished[r] {
				out[base+writePos] = s.cfg.EOS
				continue
			}
			row := logits[r*vocab : (r+1)*vocab]
			tok := s.pick(row)
			s.scores[r] += logProb(row, tok)
			if int32(tok) == s.cfg.EOS {
				s.finished[r] = true
			}
			out[base+writePos] = int32(tok)
		}
		return nil
	})
}

func (s *sampling) Stopped() (bool, error) {
	if err := s.ctx.Synchronize(); err != nil {
		return false, err
	}
	for _, f := range s.finished {
		if !f {
			return false, nil
		}
	}
	return true, nil
}

func (s *sampling) Parents() []int32 { return nil }

func (s *sampling) Score(row int) float32 { return s.scores[row] }

func (s *sampling) pick(logits []float32) int {
	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1) {
		return argmax(logits)
	}
	invTemp := 1 / s.cfg.Temperature
	k := min(s.cfg.TopK, len(logits))
	topIdx, topVal := s.topK(logits, k, invTemp)

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i, v := range topVal {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// topK keeps the k largest temperature-scaled logits, ordered descending,
// by insertion into a short sorted prefix. O(V*k), fine for small k.
func (s *sampling) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]
	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}

func argmax(x []float32) int {
	bestI := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[bestI] {
			bestI = i
		}
	}
	return bestI
}

// logProb returns log softmax(logits)[tok] without temperature scaling, so
// reported scores describe the model's own distribution.
func logProb(logits []float32, tok int) float32 {
	maxv := logits[argmax(logits)]
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l - maxv))
	}
	return logits[tok] - maxv - float32(math.Log(sum))
}
