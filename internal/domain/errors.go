package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoTransaction     = errors.New("operation requires an open transaction")
	ErrUnroutedEvent     = errors.New("no channel routed for event type")
	ErrDepthExceeded     = errors.New("decomposition depth exceeded")
)
