package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/model"
)

// GenerationService serializes requests onto one loaded model. The model's
// host interface is single-threaded, so the service owns the bound buffers
// and a mutex around the whole bind-infer-read cycle.
type GenerationService struct {
	mu  sync.Mutex
	mdl model.Model

	maxBatch  int
	promptCap int

	in     *device.Buffer
	tokens *device.Buffer
	scores *device.Buffer
}

// Result is one finished generation.
type Result struct {
	Sequences [][]int32
	Scores    []float32
	PromptLen int
	Steps     int
}

// NewGenerationService binds reusable host buffers to the model.
func NewGenerationService(dev *device.Device, mdl model.Model) (*GenerationService, error) {
	inShape, err := mdl.MaxInputShape(0)
	if err != nil {
		return nil, err
	}
	s := &GenerationService{
		mdl:       mdl,
		maxBatch:  inShape[0],
		promptCap: inShape[1],
	}

	alloc := func(i int, output bool) (*device.Buffer, error) {
		shape, err := mdl.MaxOutputShape(i)
		if !output {
			shape, err = mdl.MaxInputShape(i)
		}
		if err != nil {
			return nil, err
		}
		return dev.Alloc(((shape.Numel()*4 + 15) / 16) * 16)
	}
	if s.in, err = alloc(0, false); err != nil {
		return nil, err
	}
	if s.tokens, err = alloc(0, true); err != nil {
		return nil, err
	}
	if s.scores, err = alloc(1, true); err != nil {
		return nil, err
	}

	if err := mdl.BindInput(0, s.in); err != nil {
		return nil, err
	}
	if err := mdl.BindOutput(0, s.tokens); err != nil {
		return nil, err
	}
	if err := mdl.BindOutput(1, s.scores); err != nil {
		return nil, err
	}
	return s, nil
}

// Limits reports the batch and prompt-length bounds requests must satisfy.
func (s *GenerationService) Limits() (maxBatch, promptCap int) {
	return s.maxBatch, s.promptCap
}

// Generate runs one batch of equal-length prompts through the model.
func (s *GenerationService) Generate(ctx context.Context, prompts [][]int32, maxSteps int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := len(prompts)
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty prompt batch", graph.ErrUnsupportedConfig)
	}
	if batch > s.maxBatch {
		return nil, fmt.Errorf("%w: batch %d of max %d", graph.ErrShapeOverflow, batch, s.maxBatch)
	}
	promptLen := len(prompts[0])
	for i, p := range prompts {
		if len(p) != promptLen {
			return nil, fmt.Errorf("%w: prompt %d has %d tokens, batch rows must match (%d)",
				graph.ErrUnsupportedConfig, i, len(p), promptLen)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.in.Int32s()
	for i, p := range prompts {
		copy(ids[i*promptLen:], p)
	}
	if err := s.mdl.SetInputShape(0, graph.Shape{batch, promptLen}); err != nil {
		return nil, err
	}
	if err := s.mdl.SetMaxSteps(maxSteps); err != nil {
		return nil, err
	}
	if err := s.mdl.Infer(); err != nil {
		return nil, err
	}

	shape, err := s.mdl.OutputShape(0)
	if err != nil {
		return nil, err
	}
	total := shape[1]
	out := s.tokens.Int32s()
	res := &Result{
		Sequences: make([][]int32, batch),
		Scores:    make([]float32, batch),
		PromptLen: promptLen,
		Steps:     total - promptLen,
	}
	for b := 0; b < batch; b++ {
		res.Sequences[b] = append([]int32(nil), out[b*total:(b+1)*total]...)
		res.Scores[b] = s.scores.Float32s()[b]
	}
	return res, nil
}
