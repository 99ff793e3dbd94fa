// Package board maintains the authoritative task collection partitioned
// into columns, and reconciles three concurrent mutation sources: direct
// edits, drag-and-drop, and agent tool calls. The central invariant is
// that a task belongs to exactly one column at every observable instant.
package board

import "time"

// Column names a partition of the task board.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnIncomplete Column = "incomplete"
	ColumnToday      Column = "today"
	ColumnFuture     Column = "future"
	ColumnCalendar   Column = "calendar"
)

// Columns lists every valid column in display order.
var Columns = []Column{ColumnBacklog, ColumnIncomplete, ColumnToday, ColumnFuture, ColumnCalendar}

// Valid reports whether c is a known column.
func (c Column) Valid() bool {
	switch c {
	case ColumnBacklog, ColumnIncomplete, ColumnToday, ColumnFuture, ColumnCalendar:
		return true
	}
	return false
}

// Subtask is a single checklist entry under a task.
type Subtask struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// CalendarItem pins a task to a time range. Required for tasks in the
// calendar column, stripped when leaving it.
type CalendarItem struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Task is the unit of work on the board. ID is globally unique and stable
// across column moves. Order is a per-column integer; uniqueness within a
// column is not required but relative order is preserved on reconciliation.
type Task struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Subtasks        []Subtask     `json:"subtasks,omitempty"`
	Tags            []string      `json:"tags,omitempty"`
	Calendar        *CalendarItem `json:"calendarItem,omitempty"`
	DurationMinutes int           `json:"durationMinutes,omitempty"`
	Urgency         int           `json:"urgency,omitempty"`
	Importance      int           `json:"importance,omitempty"`
	Completed       bool          `json:"completed"`
	Column          Column        `json:"columnId"`
	Order           int           `json:"order"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy so callers can never alias store-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Subtasks != nil {
		cp.Subtasks = make([]Subtask, len(t.Subtasks))
		copy(cp.Subtasks, t.Subtasks)
	}
	if t.Tags != nil {
		cp.Tags = make([]string, len(t.Tags))
		copy(cp.Tags, t.Tags)
	}
	if t.Calendar != nil {
		cal := *t.Calendar
		cp.Calendar = &cal
	}
	return &cp
}
