package capability

import "errors"

// Sentinel errors for registry and schema validation.
var (
	ErrNameEmpty         = errors.New("capability name cannot be empty")
	ErrHandlerNil        = errors.New("capability handler cannot be nil")
	ErrNoStages          = errors.New("capability must declare at least one stage")
	ErrBadStage          = errors.New("unknown stage tag")
	ErrAlreadyRegistered = errors.New("capability already registered")
	ErrUnknownCapability = errors.New("unknown capability")
	ErrSchemaMismatch    = errors.New("arguments do not match schema")
)
