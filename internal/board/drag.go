package board

import (
	"fmt"

	"go.uber.org/zap"
)

// Drag is a copy-on-write overlay over the canonical store. While active,
// Preview projects the dragged task under the pointer without committing;
// the canonical board keeps accepting agent mutations in parallel. Drop
// re-reads canonical state before computing its delta, so a drag never
// overwrites with stale pre-drag data.
type Drag struct {
	store        *Store
	taskID       string
	sourceColumn Column
	startVersion uint64

	previewColumn Column
	previewIndex  int
	active        bool
}

// BeginDrag starts a drag for the given task, recording its source column
// and the store version at pickup.
func (s *Store) BeginDrag(taskID string) (*Drag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return &Drag{
		store:         s,
		taskID:        taskID,
		sourceColumn:  t.Column,
		startVersion:  s.version,
		previewColumn: t.Column,
		previewIndex:  s.indexOfLocked(taskID, t.Column),
		active:        true,
	}, nil
}

// SetPreview updates the column and index under the pointer. The canonical
// store is not touched.
func (d *Drag) SetPreview(col Column, index int) error {
	if !d.active {
		return ErrDragNotActive
	}
	if !col.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidColumn, col)
	}
	d.previewColumn = col
	d.previewIndex = index
	return nil
}

// Source returns the column the task was picked up from.
func (d *Drag) Source() Column { return d.sourceColumn }

// Preview returns a speculative projection of the board with the dragged
// task shown at the pointer position. It is computed against the current
// canonical state, so agent mutations that landed mid-drag are visible. If
// the task was removed mid-drag the projection is just the canonical board.
func (d *Drag) Preview() map[Column][]*Task {
	snap := d.store.Snapshot()
	if !d.active {
		return snap
	}

	var dragged *Task
	for col, tasks := range snap {
		for i, t := range tasks {
			if t.ID == d.taskID {
				dragged = t
				snap[col] = append(tasks[:i], tasks[i+1:]...)
				break
			}
		}
		if dragged != nil {
			break
		}
	}
	if dragged == nil {
		return snap
	}

	dst := snap[d.previewColumn]
	idx := d.previewIndex
	if idx < 0 {
		idx = 0
	}
	if idx > len(dst) {
		idx = len(dst)
	}
	dst = append(dst, nil)
	copy(dst[idx+1:], dst[idx:])
	dst[idx] = dragged
	snap[d.previewColumn] = dst
	return snap
}

// Drop commits the drag. Canonical state is re-read first: if the task was
// moved by another flow since pickup, the drag's delta was computed against
// stale state and is abandoned; the concurrent commit stays authoritative.
// Returns the task's canonical state after the drop either way.
func (d *Drag) Drop() (*Task, error) {
	if !d.active {
		return nil, ErrDragNotActive
	}
	d.active = false

	current, err := d.store.Get(d.taskID)
	if err != nil {
		return nil, err
	}

	if current.Column != d.sourceColumn {
		d.store.logger.Info("drag abandoned, task moved mid-drag",
			zap.String("task", d.taskID),
			zap.String("source", string(d.sourceColumn)),
			zap.String("now", string(current.Column)))
		return current, nil
	}

	moved, err := d.store.Move(d.taskID, current.Column, d.previewColumn, d.previewIndex)
	if err != nil {
		// A commit can still race in between the re-read and the move;
		// Move reports it as a conflict and canonical state wins.
		if current, gerr := d.store.Get(d.taskID); gerr == nil {
			return current, err
		}
		return nil, err
	}
	return moved, nil
}

// Cancel abandons the drag without touching the canonical store.
func (d *Drag) Cancel() {
	d.active = false
}
