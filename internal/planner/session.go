// Package planner implements the staged agent pipeline: a user request is
// decomposed into a todo list, context is gathered with read-only
// capabilities, mutations are applied with execute capabilities, and the
// outcome is verified. Stage transitions are monotonic; error is terminal.
package planner

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"taskpilot/internal/llm"
	"taskpilot/internal/verify"
)

// Stage is the pipeline state. Distinct from capability.Stage: the
// capability tags only cover gather and execute, the two stages in which
// tool calls are allowed at all.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageGather    Stage = "gather"
	StageExecute   Stage = "execute"
	StageVerify    Stage = "verify"
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

var stageRank = map[Stage]int{
	StagePlan:      0,
	StageGather:    1,
	StageExecute:   2,
	StageVerify:    3,
	StageCompleted: 4,
	StageError:     5,
}

// TranscriptKind tags a transcript entry.
type TranscriptKind string

const (
	EntryText       TranscriptKind = "text"
	EntryToolCall   TranscriptKind = "toolCall"
	EntryToolResult TranscriptKind = "toolResult"
)

// TranscriptEntry records one event in the session log.
type TranscriptEntry struct {
	Kind    TranscriptKind `json:"kind"`
	Stage   Stage          `json:"stage"`
	Name    string         `json:"name,omitempty"`
	Payload string         `json:"payload"`
	IsError bool           `json:"isError,omitempty"`
}

// Session is the per-request state, created fresh for every top-level
// user request and keyed by id so concurrent sessions never share state.
type Session struct {
	ID string

	mu         sync.RWMutex
	stage      Stage
	todoList   []string
	gathered   map[string]string
	transcript []TranscriptEntry
	report     *verify.Report
	errMsg     string
	usage      llm.Usage
}

// NewSession creates a session in the plan stage.
func NewSession() *Session {
	return &Session{
		ID:       uuid.NewString(),
		stage:    StagePlan,
		gathered: make(map[string]string),
	}
}

// NewSessionWithTodos creates a session that starts with an externally
// supplied todo list, ready for the gather stage. Used by the API surface
// where the caller has already planned.
func NewSessionWithTodos(todos []string) *Session {
	s := NewSession()
	s.stage = StageGather
	s.todoList = append([]string(nil), todos...)
	return s
}

// NewSessionWithResults creates a session holding externally gathered
// results, ready for the execute stage.
func NewSessionWithResults(todos []string, results map[string]string) *Session {
	s := NewSessionWithTodos(todos)
	s.stage = StageExecute
	for k, v := range results {
		s.gathered[k] = v
	}
	return s
}

// Stage returns the current pipeline stage.
func (s *Session) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// TodoList returns a copy of the todo list.
func (s *Session) TodoList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.todoList...)
}

// Gathered returns a copy of the capability-name → last-result map.
func (s *Session) Gathered() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.gathered))
	for k, v := range s.gathered {
		out[k] = v
	}
	return out
}

// Transcript returns a copy of the session log.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TranscriptEntry(nil), s.transcript...)
}

// Report returns the advisory verification outcome. Nil until the verify
// stage has produced a verdict.
func (s *Session) Report() *verify.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// Err returns the terminal error message, empty unless stage is error.
func (s *Session) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// Usage returns accumulated token usage across all model turns.
func (s *Session) Usage() llm.Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}

// advance moves the session forward. Backward transitions are programming
// errors; transitions out of a terminal stage are refused.
func (s *Session) advance(to Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageError || s.stage == StageCompleted {
		return fmt.Errorf("session %s is terminal in stage %s", s.ID, s.stage)
	}
	if stageRank[to] <= stageRank[s.stage] && to != s.stage {
		return fmt.Errorf("stage cannot go backward: %s -> %s", s.stage, to)
	}
	s.stage = to
	return nil
}

// fail transitions to the absorbing error state from anywhere.
func (s *Session) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageError {
		return
	}
	s.stage = StageError
	s.errMsg = msg
}

func (s *Session) setTodos(todos []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todoList = append([]string(nil), todos...)
}

func (s *Session) setReport(r *verify.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = r
}

func (s *Session) recordGathered(name, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gathered[name] = result
}

func (s *Session) log(e TranscriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, e)
}

func (s *Session) addUsage(u llm.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.InputTokens += u.InputTokens
	s.usage.OutputTokens += u.OutputTokens
	s.usage.TotalTokens += u.TotalTokens
}
