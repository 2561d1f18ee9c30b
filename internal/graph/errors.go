package graph

import "errors"

// Error taxonomy for the engine. Construction-time failures (ErrWeightLoad,
// ErrUnsupportedConfig) abort model creation entirely. Call-time failures
// (ErrInvalidIndex, ErrUnboundInput) abort a single inference call and leave
// the context reusable. ErrDevice is fatal to the context; no retry is
// attempted on a corrupted stream.
var (
	ErrInvalidPhase      = errors.New("graph: operation outside required phase")
	ErrPlanFinalized     = errors.New("graph: memory plan already finalized")
	ErrShapeOverflow     = errors.New("graph: shape exceeds declared maximum")
	ErrWeightLoad        = errors.New("graph: weight load failed")
	ErrUnsupportedConfig = errors.New("graph: unsupported configuration")
	ErrInvalidIndex      = errors.New("graph: invalid input/output index")
	ErrUnboundInput      = errors.New("graph: input not bound")
	ErrDevice            = errors.New("graph: device failure")
)
