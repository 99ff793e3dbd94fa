// Package persist is the durable backend for the task board. The in-memory
// board store stays authoritative while a session runs; this package brings
// tasks back after a restart and answers date-ranged queries without walking
// the whole board.
package persist

import (
	"context"
	"time"

	"taskpilot/internal/board"
)

// DateRange bounds a calendar query. A zero range matches every task.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Zero reports whether the range is unbounded.
func (r DateRange) Zero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title           *string
	Column          *board.Column
	Subtasks        []board.Subtask
	Tags            []string
	Calendar        *board.CalendarItem
	DurationMinutes *int
	Urgency         *int
	Importance      *int
	Completed       *bool
}

// TaskStore is the persistence collaborator. Implementations fail with
// ErrNotFound, ErrUnauthorized or ErrStorage (possibly wrapped).
type TaskStore interface {
	Create(ctx context.Context, task *board.Task) (*board.Task, error)
	Update(ctx context.Context, id string, patch TaskPatch) (*board.Task, error)
	Query(ctx context.Context, rng DateRange) ([]*board.Task, error)
	Close() error
}
