// Package decode drives autoregressive generation over a finalized model
// graph: one prefill iteration over the whole prompt, then single-token
// iterations until every sequence terminates or the step bound is reached.
// The graph is never rebuilt between iterations; only step geometry and
// buffer identities change.
package decode

import (
	"fmt"

	"github.com/samcharles93/weft/internal/graph"
	"github.com/samcharles93/weft/internal/layers"
	"github.com/samcharles93/weft/internal/logger"
)

// State names the controller's position in the generation loop.
type State int

const (
	StateIdle State = iota
	StatePrefill
	StateDecode
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefill:
		return "prefill"
	case StateDecode:
		return "decode"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config wires a controller to an assembled model.
type Config struct {
	Layers    []layers.Layer
	Generator layers.Generator

	// InTokens and OutTokens are the two token buffers whose identities the
	// controller exchanges after every iteration.
	InTokens  *graph.Tensor
	OutTokens *graph.Tensor

	// Reindex, when set, is invoked with the generator's parent map after a
	// step that reordered rows, before the next forward pass reads the caches.
	Reindex func(parents []int32) error

	// MaxSeq is the planned sequence capacity, prompt plus generated tokens.
	MaxSeq int

	Log logger.Logger
}

// Controller owns the decode loop for one context.
type Controller struct {
	ctx   *graph.Context
	cfg   Config
	state State
}

func New(ctx *graph.Context, cfg Config) (*Controller, error) {
	if len(cfg.Layers) == 0 || cfg.Generator == nil {
		return nil, fmt.Errorf("%w: controller needs layers and a generator", graph.ErrUnsupportedConfig)
	}
	if cfg.InTokens == nil || cfg.OutTokens == nil {
		return nil, fmt.Errorf("%w: controller needs both token buffers", graph.ErrUnsupportedConfig)
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	return &Controller{ctx: ctx, cfg: cfg, state: StateIdle}, nil
}

// State reports the loop position reached by the last Run call.
func (c *Controller) State() State { return c.state }

// Run generates up to maxSteps tokens for rows sequences sharing promptLen
// prompt positions, returning the number of steps actually taken. The prefill
// iteration produces the first token, so a run that hits the bound returns
// exactly maxSteps and the final sequences hold promptLen+maxSteps tokens.
func (c *Controller) Run(rows, promptLen, maxSteps int) (int, error) {
	if c.ctx.Phase() != graph.PhaseFinalized {
		return 0, fmt.Errorf("%w: decode requires a finalized plan, have %s", graph.ErrInvalidPhase, c.ctx.Phase())
	}
	if rows < 1 || promptLen < 1 || maxSteps < 1 {
		return 0, fmt.Errorf("%w: rows=%d promptLen=%d maxSteps=%d", graph.ErrUnsupportedConfig, rows, promptLen, maxSteps)
	}
	if promptLen+maxSteps > c.cfg.MaxSeq {
		return 0, fmt.Errorf("%w: prompt %d + steps %d exceeds capacity %d",
			graph.ErrShapeOverflow, promptLen, maxSteps, c.cfg.MaxSeq)
	}

	c.cfg.Generator.Reset(rows, promptLen)
	steps := 0
	for i := 0; i < maxSteps; i++ {
		seqLen, pos := 1, promptLen+i-1
		if i == 0 {
			seqLen, pos = promptLen, 0
			c.state = StatePrefill
		} else {
			c.state = StateDecode
		}

		for _, l := range c.cfg.Layers {
			if err := l.BeforeForward(rows, seqLen, pos); err != nil {
				return steps, fmt.Errorf("decode: %s: %w", l.Name(), err)
			}
			if err := l.Forward(); err != nil {
				return steps, fmt.Errorf("decode: %s: %w", l.Name(), err)
			}
		}
		if err := c.cfg.Generator.Step(rows, seqLen, pos); err != nil {
			return steps, fmt.Errorf("decode: %s: %w", c.cfg.Generator.Name(), err)
		}

		// All work for this iteration is enqueued; the buffers it captured
		// are fixed, so exchanging token identities here is safe.
		if err := graph.SwapTensors(c.cfg.InTokens, c.cfg.OutTokens); err != nil {
			return steps, err
		}

		stopped, err := c.cfg.Generator.Stopped()
		if err != nil {
			return steps, err
		}
		steps++
		if stopped {
			break
		}
		if parents := c.cfg.Generator.Parents(); parents != nil && c.cfg.Reindex != nil {
			if err := c.cfg.Reindex(parents); err != nil {
				return steps, fmt.Errorf("decode: cache reindex: %w", err)
			}
		}
	}
	c.state = StateStopped
	c.cfg.Log.Debug("decode loop finished", "rows", rows, "prompt_len", promptLen, "steps", steps)
	return steps, nil
}
