package persist

import "errors"

var (
	// ErrNotFound means the task id does not exist in the backend.
	ErrNotFound = errors.New("task not found in storage")

	// ErrUnauthorized means the caller's session does not own the record.
	ErrUnauthorized = errors.New("unauthorized storage access")

	// ErrStorage wraps backend failures (I/O, corruption, constraint).
	ErrStorage = errors.New("storage failure")
)
