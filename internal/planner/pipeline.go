package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskpilot/internal/capability"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/llm"
	"taskpilot/internal/logging"
	"taskpilot/internal/verify"
)

// ErrTimeout marks a model-channel call that exceeded its deadline. Tool
// calls already dispatched within that turn stay committed; a turn is not
// rolled back as a unit.
var ErrTimeout = errors.New("model call timed out")

// Options configures the pipeline.
type Options struct {
	// MaxGatherRounds bounds the gather loop. Each round is one model
	// turn whose tool calls run before the next turn. Default 1.
	MaxGatherRounds int

	// TurnTimeout bounds each model-channel call. Default 60s.
	TurnTimeout time.Duration

	// Prompts are the stage instruction templates.
	Prompts Prompts
}

func (o Options) withDefaults() Options {
	if o.MaxGatherRounds <= 0 {
		o.MaxGatherRounds = 1
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = 60 * time.Second
	}
	o.Prompts = o.Prompts.withDefaults()
	return o
}

// Pipeline drives sessions through plan, gather, execute and verify. The
// model channel is its only suspension point; while a call is in flight
// the board stays available to drag and voice flows.
type Pipeline struct {
	client     llm.Client
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *zap.Logger

	promptMu sync.RWMutex
	prompts  Prompts

	sessions sync.Map // session id -> *Session
}

// New creates a pipeline.
func New(client llm.Client, dispatcher *dispatch.Dispatcher, opts Options) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		client:     client,
		dispatcher: dispatcher,
		opts:       opts,
		prompts:    opts.Prompts,
		logger:     logging.Get(logging.CategoryPlanner),
	}
}

// SetPrompts replaces the stage instruction templates. Sessions pick the
// new templates up on their next stage; in-flight model calls keep the
// old ones. Empty fields fall back to built-in defaults.
func (p *Pipeline) SetPrompts(prompts Prompts) {
	p.promptMu.Lock()
	p.prompts = prompts.withDefaults()
	p.promptMu.Unlock()
}

func (p *Pipeline) stagePrompts() Prompts {
	p.promptMu.RLock()
	defer p.promptMu.RUnlock()
	return p.prompts
}

// Get returns a live session by id.
func (p *Pipeline) Get(sessionID string) (*Session, bool) {
	v, ok := p.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Drop removes a session. Called when the user issues a new top-level
// request.
func (p *Pipeline) Drop(sessionID string) {
	p.sessions.Delete(sessionID)
}

// Run executes the full pipeline for a natural-language request. On any
// stage failure the session is returned in the error state; the error
// return is reserved for the caller misusing the pipeline.
func (p *Pipeline) Run(ctx context.Context, request, boardContext string) *Session {
	s := NewSession()
	p.sessions.Store(s.ID, s)

	if err := p.Plan(ctx, s, request, boardContext); err != nil {
		return s
	}
	if err := p.Gather(ctx, s, boardContext); err != nil {
		return s
	}
	if err := p.Execute(ctx, s, boardContext); err != nil {
		return s
	}
	_ = p.Verify(ctx, s)
	return s
}

// RunGather starts a session from an externally supplied todo list and
// runs the gather stage only. The caller has already planned.
func (p *Pipeline) RunGather(ctx context.Context, todos []string, boardContext string) *Session {
	s := NewSessionWithTodos(todos)
	p.sessions.Store(s.ID, s)
	_ = p.Gather(ctx, s, boardContext)
	return s
}

// RunExecute starts a session from a todo list plus externally gathered
// results and runs the execute stage only.
func (p *Pipeline) RunExecute(ctx context.Context, todos []string, results map[string]string, boardContext string) *Session {
	s := NewSessionWithResults(todos, results)
	p.sessions.Store(s.ID, s)
	if err := p.Execute(ctx, s, boardContext); err != nil {
		return s
	}
	_ = p.Verify(ctx, s)
	return s
}

// Plan asks the model to decompose the request into a todo list. No tool
// calls happen in this stage.
func (p *Pipeline) Plan(ctx context.Context, s *Session, request, boardContext string) error {
	if err := p.checkCancelled(s, ctx); err != nil {
		return err
	}

	text, err := p.complete(ctx, p.stagePrompts().Plan, buildPlanInput(request, boardContext))
	if err != nil {
		s.fail(err.Error())
		return err
	}

	todos := parseTodoList(text)
	if len(todos) == 0 {
		err := fmt.Errorf("model produced an empty plan")
		s.fail(err.Error())
		return err
	}
	s.setTodos(todos)
	s.log(TranscriptEntry{Kind: EntryText, Stage: StagePlan, Payload: text})

	p.logger.Info("planned",
		zap.String("session", s.ID),
		zap.Int("todos", len(todos)))
	return s.advance(StageGather)
}

// Gather collects context with read-only capabilities. The loop is
// bounded by MaxGatherRounds; each round's tool calls are dispatched
// sequentially and recorded in gatheredResults before the next turn.
func (p *Pipeline) Gather(ctx context.Context, s *Session, boardContext string) error {
	if err := p.checkCancelled(s, ctx); err != nil {
		return err
	}
	if s.Stage() != StageGather {
		return fmt.Errorf("session %s is in stage %s, not gather", s.ID, s.Stage())
	}

	tools := p.dispatcher.Catalogue(capability.StageGather)
	input := buildGatherInput(s.TodoList(), boardContext)

	for round := 0; round < p.opts.MaxGatherRounds; round++ {
		resp, err := p.completeWithTools(ctx, s, p.stagePrompts().Gather, input, tools)
		if err != nil {
			s.fail(err.Error())
			return err
		}
		if resp.Text != "" {
			s.log(TranscriptEntry{Kind: EntryText, Stage: StageGather, Payload: resp.Text})
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		feedback, err := p.dispatchTurn(ctx, s, StageGather, capability.StageGather, resp.ToolCalls)
		if err != nil {
			return err
		}
		// Recoverable failures are surfaced to the model's next round, if
		// the cap allows one.
		input = input + feedback
	}

	return s.advance(StageExecute)
}

// Execute applies the plan with mutating capabilities. Tool calls within
// the turn are applied strictly in the order the model emitted them, so
// later calls observe the effects of earlier ones.
func (p *Pipeline) Execute(ctx context.Context, s *Session, boardContext string) error {
	if err := p.checkCancelled(s, ctx); err != nil {
		return err
	}
	if s.Stage() != StageExecute {
		return fmt.Errorf("session %s is in stage %s, not execute", s.ID, s.Stage())
	}

	tools := p.dispatcher.Catalogue(capability.StageExecute)
	input := buildExecuteInput(s.TodoList(), s.Gathered(), boardContext)

	resp, err := p.completeWithTools(ctx, s, p.stagePrompts().Execute, input, tools)
	if err != nil {
		s.fail(err.Error())
		return err
	}
	if resp.Text != "" {
		s.log(TranscriptEntry{Kind: EntryText, Stage: StageExecute, Payload: resp.Text})
	}

	if _, err := p.dispatchTurn(ctx, s, StageExecute, capability.StageExecute, resp.ToolCalls); err != nil {
		return err
	}

	return s.advance(StageVerify)
}

// Verify judges the executed plan against the transcript and records the
// report on the session. The verdict is advisory: a failed model call or
// an unparseable response annotates the transcript but never blocks
// completion, the mutations are already on the board.
func (p *Pipeline) Verify(ctx context.Context, s *Session) error {
	if err := p.checkCancelled(s, ctx); err != nil {
		return err
	}
	if s.Stage() != StageVerify {
		return fmt.Errorf("session %s is in stage %s, not verify", s.ID, s.Stage())
	}

	v := verify.New(p.client, p.stagePrompts().Verify)
	vctx, cancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	report, err := v.Verify(vctx, s.TodoList(), executionSummary(s))
	cancel()
	if err != nil {
		p.logger.Warn("verification skipped",
			zap.String("session", s.ID),
			zap.Error(err))
		s.log(TranscriptEntry{Kind: EntryText, Stage: StageVerify, Payload: err.Error(), IsError: true})
		return s.advance(StageCompleted)
	}

	s.setReport(report)
	s.log(TranscriptEntry{Kind: EntryText, Stage: StageVerify, Payload: report.Message})
	return s.advance(StageCompleted)
}

// executionSummary flattens the execute-stage transcript into the text
// the verifier judges against.
func executionSummary(s *Session) string {
	var b strings.Builder
	for _, e := range s.Transcript() {
		if e.Stage != StageExecute {
			continue
		}
		switch e.Kind {
		case EntryToolCall:
			fmt.Fprintf(&b, "call %s: %s\n", e.Name, e.Payload)
		case EntryToolResult:
			if e.IsError {
				fmt.Fprintf(&b, "result %s (failed): %s\n", e.Name, e.Payload)
			} else {
				fmt.Fprintf(&b, "result %s: %s\n", e.Name, e.Payload)
			}
		default:
			b.WriteString(e.Payload)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// dispatchTurn executes one model turn's tool calls sequentially. Contract
// errors abort the session; recoverable errors are logged to the
// transcript and summarized in the returned feedback string.
func (p *Pipeline) dispatchTurn(ctx context.Context, s *Session, stage Stage, capStage capability.Stage, calls []llm.ToolCall) (string, error) {
	var feedback string
	for _, call := range calls {
		s.log(TranscriptEntry{Kind: EntryToolCall, Stage: stage, Name: call.Name, Payload: call.Arguments})

		out, err := p.dispatcher.Dispatch(ctx, capStage, dispatch.Request{
			ID:           call.ID,
			Name:         call.Name,
			RawArguments: call.Arguments,
		})
		if err != nil {
			if dispatch.IsContractError(err) {
				p.logger.Error("contract error, aborting session",
					zap.String("session", s.ID),
					zap.String("capability", call.Name),
					zap.Error(err))
				s.fail(err.Error())
				return "", err
			}
			s.log(TranscriptEntry{Kind: EntryToolResult, Stage: stage, Name: call.Name, Payload: err.Error(), IsError: true})
			feedback += fmt.Sprintf("\nTool %s failed: %s", call.Name, err.Error())
			continue
		}

		s.log(TranscriptEntry{Kind: EntryToolResult, Stage: stage, Name: call.Name, Payload: out.Result})
		if stage == StageGather {
			s.recordGathered(call.Name, out.Result)
		}
	}
	return feedback, nil
}

func (p *Pipeline) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	defer cancel()
	text, err := p.client.Complete(ctx, system, user)
	if err != nil {
		return "", p.classify(err)
	}
	return text, nil
}

func (p *Pipeline) completeWithTools(ctx context.Context, s *Session, system, user string, tools []llm.ToolDefinition) (*llm.ToolResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	defer cancel()
	resp, err := p.client.CompleteWithTools(ctx, system, user, tools)
	if err != nil {
		return nil, p.classify(err)
	}
	s.addUsage(resp.Usage)
	return resp, nil
}

// classify maps a deadline error to ErrTimeout; everything else is a
// transport error whose raw message is preserved for user display.
func (p *Pipeline) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// checkCancelled honors cancellation between stages only; an in-flight
// dispatch always runs to completion before the session notices.
func (p *Pipeline) checkCancelled(s *Session, ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		s.fail(fmt.Sprintf("cancelled: %v", err))
		return err
	}
	return nil
}
