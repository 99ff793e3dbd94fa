package dispatch

import (
	"errors"

	"taskpilot/internal/capability"
)

// Dispatch error taxonomy. ErrUnknownCapability and ErrStageViolation are
// contract errors: if the registry and stage gating are correct they never
// happen at runtime, so the pipeline treats them as bugs and aborts.
// ErrInvalidArguments and ErrDomain are expected, recoverable, and fed
// back to the model.
var (
	ErrUnknownCapability = capability.ErrUnknownCapability
	ErrStageViolation    = errors.New("stage violation")
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrDomain            = errors.New("domain error")
)

// IsContractError reports whether the error must abort the session.
func IsContractError(err error) bool {
	return errors.Is(err, ErrUnknownCapability) || errors.Is(err, ErrStageViolation)
}

// IsRecoverable reports whether the error should be surfaced to the model
// for self-correction instead of aborting.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInvalidArguments) || errors.Is(err, ErrDomain)
}
