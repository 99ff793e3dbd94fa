package board

import "errors"

// Sentinel errors for store and drag operations. These are domain errors:
// the dispatcher surfaces them back to the model as data, never as a
// pipeline abort.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidColumn   = errors.New("invalid column")
	ErrSubtaskNotFound = errors.New("subtask not found")
	ErrDragNotActive   = errors.New("drag is not active")
	ErrDragConflict    = errors.New("canonical state changed during drag")
)
