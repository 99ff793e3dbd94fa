// Package toolset registers the built-in board capabilities: read-only
// queries for the gather stage and board mutations for the execute stage.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskpilot/internal/board"
	"taskpilot/internal/capability"
)

// Register adds every built-in capability to the registry, bound to the
// given board store. Called once at startup.
func Register(reg *capability.Registry, b *board.Store) {
	reg.MustRegister(queryTasks(b))
	reg.MustRegister(queryCalendar(b))
	reg.MustRegister(createTask(b))
	reg.MustRegister(updateTask(b))
	reg.MustRegister(moveTask(b))
	reg.MustRegister(completeSubtask(b))
	reg.MustRegister(removeTask(b))
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

var columnEnum = []any{"backlog", "incomplete", "today", "future", "calendar"}

func queryTasks(b *board.Store) *capability.Definition {
	return &capability.Definition{
		Name:        "query_tasks",
		Description: "List the tasks in one column, or the whole board when no column is given. Read-only.",
		Stages:      []capability.Stage{capability.StageGather},
		Schema: capability.Schema{
			Properties: map[string]capability.Property{
				"column": {Type: "string", Description: "Column to list", Enum: columnEnum},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if col, ok := args["column"].(string); ok && col != "" {
				tasks, err := b.List(board.Column(col))
				if err != nil {
					return "", err
				}
				return marshal(tasks)
			}
			return marshal(b.Snapshot())
		},
	}
}

func queryCalendar(b *board.Store) *capability.Definition {
	return &capability.Definition{
		Name:        "query_calendar",
		Description: "List calendar tasks overlapping a time range, for conflict checking. Read-only.",
		Stages:      []capability.Stage{capability.StageGather},
		Schema: capability.Schema{
			Required: []string{"start", "end"},
			Properties: map[string]capability.Property{
				"start": {Type: "string", Description: "Range start, RFC 3339"},
				"end":   {Type: "string", Description: "Range end, RFC 3339"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			start, err := time.Parse(time.RFC3339, args["start"].(string))
			if err != nil {
				return "", fmt.Errorf("invalid start: %v", err)
			}
			end, err := time.Parse(time.RFC3339, args["end"].(string))
			if err != nil {
				return "", fmt.Errorf("invalid end: %v", err)
			}

			tasks, err := b.List(board.ColumnCalendar)
			if err != nil {
				return "", err
			}
			overlapping := make([]*board.Task, 0)
			for _, t := range tasks {
				if t.Calendar == nil {
					continue
				}
				if t.Calendar.Start.Before(end) && t.Calendar.End.After(start) {
					overlapping = append(overlapping, t)
				}
			}
			return marshal(overlapping)
		},
	}
}

func createTask(b *board.Store) *capability.Definition {
	return &capability.Definition{
		Name:        "create_task",
		Description: "Create a task. Provide calendar_start and calendar_end to place it on the calendar.",
		Stages:      []capability.Stage{capability.StageExecute},
		Schema: capability.Schema{
			Required: []string{"title"},
			Properties: map[string]capability.Property{
				"title":            {Type: "string", Description: "Task title"},
				"column":           {Type: "string", Description: "Target column, default backlog", Enum: columnEnum},
				"duration_minutes": {Type: "integer", Description: "Estimated duration"},
				"urgency":          {Type: "integer", Description: "Urgency 1-5"},
				"importance":       {Type: "integer", Description: "Importance 1-5"},
				"tags":             {Type: "array", Description: "Tags", Items: &capability.PropertyItems{Type: "string"}},
				"subtasks":         {Type: "array", Description: "Subtask texts", Items: &capability.PropertyItems{Type: "string"}},
				"calendar_start":   {Type: "string", Description: "Calendar slot start, RFC 3339"},
				"calendar_end":     {Type: "string", Description: "Calendar slot end, RFC 3339"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			task := &board.Task{
				Title:  args["title"].(string),
				Column: board.ColumnBacklog,
			}
			if col, ok := args["column"].(string); ok && col != "" {
				task.Column = board.Column(col)
			}
			task.DurationMinutes = intArg(args, "duration_minutes")
			task.Urgency = intArg(args, "urgency")
			task.Importance = intArg(args, "importance")
			for _, tag := range stringsArg(args, "tags") {
				task.Tags = append(task.Tags, tag)
			}
			for i, text := range stringsArg(args, "subtasks") {
				task.Subtasks = append(task.Subtasks, board.Subtask{
					ID:   fmt.Sprintf("sub-%d", i+1),
					Text: text,
				})
			}

			startRaw, _ := args["calendar_start"].(string)
			endRaw, _ := args["calendar_end"].(string)
			if startRaw != "" && endRaw != "" {
				start, err := time.Parse(time.RFC3339, startRaw)
				if err != nil {
					return "", fmt.Errorf("invalid calendar_start: %v", err)
				}
				end, err := time.Parse(time.RFC3339, endRaw)
				if err != nil {
					return "", fmt.Errorf("invalid calendar_end: %v", err)
				}
				task.Calendar = &board.CalendarItem{Start: start, End: end}
				task.Column = board.ColumnCalendar
			}

			created, err := b.Upsert(task)
			if err != nil {
				return "", err
			}
			return marshal(created)
		},
	}
}

func updateTask(b *board.Store) *capability.Definition {
	return &capability.Definition{
		Name:        "update_task",
		Description: "Update fields of an existing task. Only provided fields change.",
		Stages:      []capability.Stage{capability.StageExecute},
		TaskIDArg:   "task_id",
		Schema: capability.Schema{
			Required: []string{"task_id"},
			Properties: map[string]capability.Property{
				"task_id":          {Type: "string", Description: "Task id"},
				"title":            {Type: "string", Description: "New title"},
				"completed":        {Type: "boolean", Description: "Completion flag"},
				"duration_minutes": {Type: "integer", Description: "Estimated duration"},
				"urgency":          {Type: "integer", Description: "Urgency 1-5"},
				"importance":       {Type: "integer", Description: "Importance 1-5"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			task, err := b.Get(args["task_id"].(string))
			if err != nil {
				return "", err
			}
			if title, ok := args["title"].(string); ok && title != "" {
				task.Title = title
			}
			if completed, ok := args["completed"].(bool); ok {
				task.Completed = completed
			}
			if _, ok := args["duration_minutes"]; ok {
				task.DurationMinutes = intArg(args, "duration_minutes")
			}
			if _, ok := args["urgency"]; ok {
				task.Urgency = intArg(args, "urgency")
			}
			if _, ok := args["importance"]; ok {
				task.Importance = intArg(args, "importance")
			}
			updated, err := b.Upsert(task)
			if err != nil {
				return "", err
			}
			return marshal(updated)
		},
	}
}

func moveTask(b *board.Store) *capability.Definition {
	return &capability.Definition{
		Name:        "move_task",
		Description: "Move a task to another column at an optional position.",
		Stages:      []capability.Stage{capability.StageExecute},
		TaskIDArg:   "task_id",
		Schema: capability.Schema{
			Required: []string{"task_id", "to_column"},
			Properties: map[string]capability.Property{
				"task_id":      {Type: "string", Description: "Task id"},
				"to_column":    {Type: "string", Description: "Target column", Enum: columnEnum},
				"target_index": {Type: "integer", Description: "Insertion index, default end"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			cur, err := b.Get(args["task_id"].(string))
			if err != nil {
				return "", err
			}
			targetIndex := 1 << 30 // clamped to end of column
			if _, ok := args["target_index"]; ok {
				targetIndex = intArg(args, "target_index")
			}
			moved, err := b.Move(cur.ID, cur.Column, board.Column(args["to_column"].(string)), targetIndex)
			if err != nil {
				return "", err
			}
			return marshal(moved)
		},
	}
}

func completeSubtask(b *board.Store) *capability.Definition {
	return &capability.Definition{
		Name:        "complete_subtask",
		Description: "Mark one subtask of a task as completed. Idempotent.",
		Stages:      []capability.Stage{capability.StageExecute},
		TaskIDArg:   "task_id",
		Schema: capability.Schema{
			Required: []string{"task_id", "subtask_id"},
			Properties: map[string]capability.Property{
				"task_id":    {Type: "string", Description: "Task id"},
				"subtask_id": {Type: "string", Description: "Subtask id"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			task, err := b.MarkSubtaskCompleted(args["task_id"].(string), args["subtask_id"].(string))
			if err != nil {
				return "", err
			}
			return marshal(task)
		},
	}
}

func removeTask(b *board.Store) *capability.Definition {
	return &capability.Definition{
		Name:        "remove_task",
		Description: "Delete a task from the board.",
		Stages:      []capability.Stage{capability.StageExecute},
		TaskIDArg:   "task_id",
		Schema: capability.Schema{
			Required: []string{"task_id"},
			Properties: map[string]capability.Property{
				"task_id": {Type: "string", Description: "Task id"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := args["task_id"].(string)
			if err := b.Remove(id); err != nil {
				return "", err
			}
			return marshal(map[string]string{"removed": id})
		},
	}
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func stringsArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
