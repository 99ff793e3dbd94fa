// Package dispatch validates and routes model-issued tool calls. Every
// call is checked against the capability registry's allowlist for the
// current stage and its parameter schema before any handler runs; handler
// execution for a given task id is serialized through the board's per-task
// critical sections.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"taskpilot/internal/board"
	"taskpilot/internal/capability"
	"taskpilot/internal/llm"
	"taskpilot/internal/logging"
)

// Request is a model-issued tool call: a capability name plus the raw
// argument JSON exactly as the model emitted it.
type Request struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RawArguments string `json:"arguments"`
}

// Outcome is a successful dispatch result.
type Outcome struct {
	Name       string `json:"name"`
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms"`
}

// Dispatcher routes requests through the registry to their handlers.
type Dispatcher struct {
	registry *capability.Registry
	board    *board.Store
	logger   *zap.Logger
}

// New creates a dispatcher over the given registry and board.
func New(registry *capability.Registry, b *board.Store) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		board:    b,
		logger:   logging.Get(logging.CategoryDispatch),
	}
}

// Registry exposes the underlying capability registry.
func (d *Dispatcher) Registry() *capability.Registry { return d.registry }

// Dispatch validates and executes one tool call for the given stage.
//
// Error classes matter to the caller: ErrUnknownCapability and
// ErrStageViolation are contract bugs and abort the session;
// ErrInvalidArguments and handler domain errors are data, surfaced back to
// the model so it can self-correct on its next turn.
func (d *Dispatcher) Dispatch(ctx context.Context, stage capability.Stage, req Request) (*Outcome, error) {
	def, err := d.registry.Get(req.Name)
	if err != nil {
		d.logger.Error("unknown capability", zap.String("name", req.Name))
		return nil, err
	}

	if !def.AllowedIn(stage) {
		d.logger.Error("stage violation",
			zap.String("name", req.Name),
			zap.String("stage", string(stage)))
		return nil, fmt.Errorf("%w: %s is not allowed in stage %s", ErrStageViolation, req.Name, stage)
	}

	args, err := parseArguments(req.RawArguments)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := def.Schema.CheckArgs(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	// Serialize mutations of the same task. Different task ids proceed
	// independently; calls without a task id run unserialized.
	if def.TaskIDArg != "" {
		if taskID := gjson.Get(req.RawArguments, def.TaskIDArg).String(); taskID != "" {
			unlock := d.board.LockTask(taskID)
			defer unlock()
		}
	}

	start := time.Now()
	result, err := def.Handler(ctx, args)
	elapsed := time.Since(start)

	d.logger.Debug("dispatched",
		zap.String("name", req.Name),
		zap.String("stage", string(stage)),
		zap.Duration("elapsed", elapsed),
		zap.Bool("ok", err == nil))

	if err != nil {
		// Handler-level domain error: carried as data, never a pipeline
		// failure.
		return nil, fmt.Errorf("%w: %v", ErrDomain, err)
	}
	return &Outcome{
		Name:       req.Name,
		Result:     result,
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

// Catalogue returns the tool definitions exposed to the model for a stage.
func (d *Dispatcher) Catalogue(stage capability.Stage) []llm.ToolDefinition {
	return definitionsToTools(d.registry.ListByStage(stage))
}

// CatalogueFor returns tool definitions for an explicit capability subset,
// used by voice sessions that narrow their toolset at bootstrap.
func (d *Dispatcher) CatalogueFor(names []string) []llm.ToolDefinition {
	return definitionsToTools(d.registry.ListByNames(names))
}

func definitionsToTools(defs []*capability.Definition) []llm.ToolDefinition {
	tools := make([]llm.ToolDefinition, len(defs))
	for i, def := range defs {
		tools[i] = llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Schema.AsJSONSchema(),
		}
	}
	return tools
}

// parseArguments decodes the raw argument JSON. An empty string means no
// arguments. gjson pre-validates so malformed JSON is reported before the
// full decode.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("malformed argument JSON")
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
