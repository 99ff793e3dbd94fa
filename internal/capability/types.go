// Package capability declares the closed set of operations the model may
// invoke. Each capability carries a parameter schema and the pipeline
// stages it is allowed in; the Registry is the single source of truth the
// dispatcher consults before executing anything.
package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Stage tags a capability with the pipeline phase it may run in.
type Stage string

const (
	// StageGather covers read-only context collection. Gather capabilities
	// must never mutate the board.
	StageGather Stage = "gather"

	// StageExecute covers board mutations applied after context is gathered.
	StageExecute Stage = "execute"
)

// Property describes a single parameter in a capability schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array").
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// Schema defines the JSON schema for capability arguments.
type Schema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// HandlerFunc executes a capability with validated arguments and returns a
// serializable result string.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// Definition is a registered capability. Immutable after registration.
type Definition struct {
	// Name is the unique identifier exposed to the model.
	Name string

	// Description explains what the capability does. Sent to the model
	// verbatim as part of the tool catalogue.
	Description string

	// Stages lists the pipeline stages this capability is allowed in.
	Stages []Stage

	// Schema defines the expected arguments.
	Schema Schema

	// Handler runs the capability.
	Handler HandlerFunc

	// TaskIDArg names the argument holding a task id, if any. The
	// dispatcher serializes handler execution per task id using it.
	TaskIDArg string
}

// Validate checks that the definition is well formed.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return ErrNameEmpty
	}
	if d.Handler == nil {
		return ErrHandlerNil
	}
	if len(d.Stages) == 0 {
		return ErrNoStages
	}
	for _, s := range d.Stages {
		if s != StageGather && s != StageExecute {
			return fmt.Errorf("%w: %q", ErrBadStage, s)
		}
	}
	return nil
}

// AllowedIn reports whether the capability may run in the given stage.
func (d *Definition) AllowedIn(stage Stage) bool {
	for _, s := range d.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// CheckArgs validates args against the schema. It returns a single error
// describing every mismatch so the model can self-correct in one turn.
func (s *Schema) CheckArgs(args map[string]any) error {
	var problems []string

	for _, req := range s.Required {
		if _, ok := args[req]; !ok {
			problems = append(problems, fmt.Sprintf("missing required argument %q", req))
		}
	}

	for name, val := range args {
		prop, ok := s.Properties[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown argument %q", name))
			continue
		}
		if !typeMatches(prop.Type, val) {
			problems = append(problems, fmt.Sprintf("argument %q: want %s, got %T", name, prop.Type, val))
			continue
		}
		if len(prop.Enum) > 0 && !enumContains(prop.Enum, val) {
			problems = append(problems, fmt.Sprintf("argument %q: value %v not in enum", name, val))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(problems, "; "))
	}
	return nil
}

// AsJSONSchema renders the schema as a plain JSON-schema object, the shape
// the model channel expects in a tool catalogue.
func (s *Schema) AsJSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": p.Items.Type}
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// typeMatches checks a decoded JSON value against a schema type name.
// JSON numbers decode as float64, so "integer" accepts whole floats.
func typeMatches(schemaType string, val any) bool {
	if val == nil {
		return true
	}
	switch schemaType {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	}
	return false
}

func enumContains(enum []any, val any) bool {
	for _, e := range enum {
		if e == val {
			return true
		}
	}
	return false
}
