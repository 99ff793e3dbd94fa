package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/board"
	"taskpilot/internal/capability"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/llm"
	"taskpilot/internal/toolset"
)

// fakeClient scripts model turns: the first Complete call returns
// planText, later ones return verifyText, and successive
// CompleteWithTools calls pop from toolTurns.
type fakeClient struct {
	planText      string
	planErr       error
	verifyText    string
	toolTurns     []*llm.ToolResponse
	toolErr       error
	turnCount     int
	completeCount int
	seenTools     [][]llm.ToolDefinition
	block         time.Duration
}

func (f *fakeClient) Complete(ctx context.Context, system, user string) (string, error) {
	if f.block > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.block):
		}
	}
	f.completeCount++
	if f.completeCount > 1 && f.verifyText != "" {
		return f.verifyText, nil
	}
	return f.planText, f.planErr
}

func (f *fakeClient) CompleteWithTools(ctx context.Context, system, user string, tools []llm.ToolDefinition) (*llm.ToolResponse, error) {
	if f.toolErr != nil {
		return nil, f.toolErr
	}
	f.seenTools = append(f.seenTools, tools)
	f.turnCount++
	if f.turnCount > len(f.toolTurns) {
		return &llm.ToolResponse{Text: "done"}, nil
	}
	return f.toolTurns[f.turnCount-1], nil
}

func newFixture(t *testing.T, client llm.Client, opts Options) (*Pipeline, *board.Store) {
	t.Helper()
	reg := capability.NewRegistry()
	b := board.NewStore()
	toolset.Register(reg, b)
	return New(client, dispatch.New(reg, b), opts), b
}

// Scenario: plan one calendar todo, gather checks the calendar, execute
// creates the task with a populated calendar item.
func TestRunHappyPath(t *testing.T) {
	client := &fakeClient{
		planText:   `["schedule a call with Alex tomorrow"]`,
		verifyText: `[{"task":"schedule a call with Alex tomorrow","reason":"task on the calendar","result":true}]`,
		toolTurns: []*llm.ToolResponse{
			{ToolCalls: []llm.ToolCall{{
				ID:        "g1",
				Name:      "query_calendar",
				Arguments: `{"start":"2026-08-29T09:00:00Z","end":"2026-08-29T18:00:00Z"}`,
			}}},
			{ToolCalls: []llm.ToolCall{{
				ID:   "e1",
				Name: "create_task",
				Arguments: `{"title":"Call with Alex","calendar_start":"2026-08-29T10:00:00Z",` +
					`"calendar_end":"2026-08-29T10:30:00Z"}`,
			}}},
		},
	}
	p, b := newFixture(t, client, Options{})

	s := p.Run(context.Background(), "schedule a call with Alex tomorrow", "")
	require.Equal(t, StageCompleted, s.Stage(), "session error: %s", s.Err())

	assert.Equal(t, []string{"schedule a call with Alex tomorrow"}, s.TodoList())
	gathered := s.Gathered()
	require.Contains(t, gathered, "query_calendar")
	assert.JSONEq(t, `[]`, gathered["query_calendar"], "no conflicts")

	tasks, err := b.List(board.ColumnCalendar)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Call with Alex", tasks[0].Title)
	require.NotNil(t, tasks[0].Calendar)

	// Gather turns only saw read-only tools, execute turns only mutating.
	require.Len(t, client.seenTools, 2)
	for _, def := range client.seenTools[0] {
		assert.Contains(t, []string{"query_tasks", "query_calendar"}, def.Name)
	}
	for _, def := range client.seenTools[1] {
		assert.NotContains(t, []string{"query_tasks", "query_calendar"}, def.Name)
	}

	// The verifier ran and marked the plan done.
	report := s.Report()
	require.NotNil(t, report)
	assert.True(t, report.Success)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Result)
}

// Scenario: the verifier judges each todo item after execution; a partial
// verdict is recorded on the session without failing it.
func TestRunRecordsVerificationVerdict(t *testing.T) {
	client := &fakeClient{
		planText: `["create a task", "move it to done"]`,
		verifyText: `[{"task":"create a task","reason":"created","result":true},` +
			`{"task":"move it to done","reason":"no move_task call in the transcript","result":false}]`,
		toolTurns: []*llm.ToolResponse{
			{},
			{ToolCalls: []llm.ToolCall{{ID: "e1", Name: "create_task", Arguments: `{"title":"x"}`}}},
		},
	}
	p, _ := newFixture(t, client, Options{})

	s := p.Run(context.Background(), "create a task and finish it", "")
	require.Equal(t, StageCompleted, s.Stage(), "session error: %s", s.Err())

	report := s.Report()
	require.NotNil(t, report)
	assert.False(t, report.Success)
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[0].Result)
	assert.False(t, report.Results[1].Result)
	assert.Contains(t, report.Message, "1 of 2")
}

// Scenario: a broken verification response annotates the transcript but
// the session still completes, the board mutations already happened.
func TestRunVerificationAdvisory(t *testing.T) {
	client := &fakeClient{
		planText:   `["create a task"]`,
		verifyText: "no verdict today",
		toolTurns: []*llm.ToolResponse{
			{},
			{ToolCalls: []llm.ToolCall{{ID: "e1", Name: "create_task", Arguments: `{"title":"x"}`}}},
		},
	}
	p, b := newFixture(t, client, Options{})

	s := p.Run(context.Background(), "create a task", "")
	assert.Equal(t, StageCompleted, s.Stage())
	assert.Nil(t, s.Report())

	var noted bool
	for _, e := range s.Transcript() {
		if e.Stage == StageVerify && e.IsError {
			noted = true
		}
	}
	assert.True(t, noted, "transcript must note the skipped verdict")

	tasks, err := b.List(board.ColumnBacklog)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

// Scenario: a call to a capability outside the registry is a contract
// error: the session aborts and the board is untouched.
func TestUnknownCapabilityAborts(t *testing.T) {
	client := &fakeClient{
		planText: `["wipe the board"]`,
		toolTurns: []*llm.ToolResponse{
			{}, // gather: no tool calls
			{ToolCalls: []llm.ToolCall{{ID: "e1", Name: "delete_everything", Arguments: `{}`}}},
		},
	}
	p, b := newFixture(t, client, Options{})
	v := b.Version()

	s := p.Run(context.Background(), "wipe the board", "")
	assert.Equal(t, StageError, s.Stage())
	assert.Contains(t, s.Err(), "unknown capability")
	assert.Equal(t, v, b.Version(), "board must be unchanged")
}

// Scenario: a schema mismatch is data, not a pipeline failure: the
// transcript records it and the session is not aborted.
func TestInvalidArgumentsRecoverable(t *testing.T) {
	client := &fakeClient{
		planText: `["create a task"]`,
		toolTurns: []*llm.ToolResponse{
			{},
			{ToolCalls: []llm.ToolCall{{ID: "e1", Name: "create_task", Arguments: `{"title":123}`}}},
		},
	}
	p, _ := newFixture(t, client, Options{})

	s := p.Run(context.Background(), "create a task", "")
	assert.Equal(t, StageCompleted, s.Stage())

	var failures int
	for _, e := range s.Transcript() {
		if e.Kind == EntryToolResult && e.IsError {
			failures++
			assert.Contains(t, e.Payload, "invalid arguments")
		}
	}
	assert.Equal(t, 1, failures, "transcript must record the failure")
}

func TestStageViolationAborts(t *testing.T) {
	client := &fakeClient{
		planText: `["sneaky mutation"]`,
		toolTurns: []*llm.ToolResponse{
			// Gather turn tries to call a mutating capability.
			{ToolCalls: []llm.ToolCall{{ID: "g1", Name: "create_task", Arguments: `{"title":"x"}`}}},
		},
	}
	p, b := newFixture(t, client, Options{})
	v := b.Version()

	s := p.Run(context.Background(), "sneaky mutation", "")
	assert.Equal(t, StageError, s.Stage())
	assert.Contains(t, s.Err(), "stage violation")
	assert.Equal(t, v, b.Version())
}

func TestEmptyPlanFails(t *testing.T) {
	p, _ := newFixture(t, &fakeClient{planText: "   "}, Options{})
	s := p.Run(context.Background(), "do nothing", "")
	assert.Equal(t, StageError, s.Stage())
}

func TestGatherLoopBounded(t *testing.T) {
	// The model keeps asking for tools; the round cap must stop it.
	greedy := &llm.ToolResponse{ToolCalls: []llm.ToolCall{{
		ID: "g", Name: "query_tasks", Arguments: `{}`,
	}}}
	client := &fakeClient{
		planText:  `["look around"]`,
		toolTurns: []*llm.ToolResponse{greedy, greedy},
	}
	p, _ := newFixture(t, client, Options{MaxGatherRounds: 2})

	s := p.Run(context.Background(), "look around", "")
	require.Equal(t, StageCompleted, s.Stage(), "session error: %s", s.Err())
	// 2 gather turns + 1 execute turn.
	assert.Equal(t, 3, client.turnCount)
}

func TestModelTimeoutAborts(t *testing.T) {
	client := &fakeClient{planText: "irrelevant", block: time.Second}
	p, _ := newFixture(t, client, Options{TurnTimeout: 20 * time.Millisecond})

	s := p.Run(context.Background(), "anything", "")
	assert.Equal(t, StageError, s.Stage())
	assert.Contains(t, s.Err(), "timed out")
}

func TestCancelledBeforeStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := newFixture(t, &fakeClient{planText: `["x"]`}, Options{})
	s := p.Run(ctx, "anything", "")
	assert.Equal(t, StageError, s.Stage())
	assert.Contains(t, s.Err(), "cancelled")
}

func TestSessionRegistry(t *testing.T) {
	p, _ := newFixture(t, &fakeClient{planText: `["x"]`}, Options{})
	s := p.Run(context.Background(), "x", "")

	got, ok := p.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s, got)

	p.Drop(s.ID)
	_, ok = p.Get(s.ID)
	assert.False(t, ok)
}

func TestStageMonotonic(t *testing.T) {
	s := NewSession()
	require.NoError(t, s.advance(StageGather))
	require.NoError(t, s.advance(StageExecute))
	assert.Error(t, s.advance(StageGather), "no revisiting earlier stages")

	s.fail("boom")
	assert.Equal(t, StageError, s.Stage())
	assert.Error(t, s.advance(StageVerify), "error is absorbing")
	s.fail("second")
	assert.Equal(t, "boom", s.Err(), "first error wins")
}

func TestParseTodoList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"json array", `["a","b"]`, []string{"a", "b"}},
		{"fenced json", "```json\n[\"a\"]\n```", []string{"a"}},
		{"numbered lines", "1. first\n2. second", []string{"first", "second"}},
		{"bullets", "- one\n- two", []string{"one", "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTodoList(tt.in))
		})
	}
}

// promptRecorder captures the system prompt of every plain completion.
type promptRecorder struct {
	fakeClient
	systems []string
}

func (p *promptRecorder) Complete(ctx context.Context, system, user string) (string, error) {
	p.systems = append(p.systems, system)
	return p.fakeClient.Complete(ctx, system, user)
}

func TestSetPromptsHotSwap(t *testing.T) {
	client := &promptRecorder{fakeClient: fakeClient{planText: `["x"]`}}
	p, _ := newFixture(t, client, Options{})

	s := NewSession()
	require.NoError(t, p.Plan(context.Background(), s, "do x", ""))

	p.SetPrompts(Prompts{Plan: "custom planning instruction"})
	s2 := NewSession()
	require.NoError(t, p.Plan(context.Background(), s2, "do x", ""))

	require.Len(t, client.systems, 2)
	assert.NotEmpty(t, client.systems[0])
	assert.Equal(t, "custom planning instruction", client.systems[1])
}
