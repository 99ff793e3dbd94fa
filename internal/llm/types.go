// Package llm is the model channel: a provider-agnostic client interface
// for chat completion with tool calling, plus concrete clients for
// OpenAI-compatible endpoints and Gemini.
package llm

import "context"

// ToolDefinition describes a capability exposed to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"` // JSON Schema for parameters
}

// ToolCall is a model-issued request to invoke a capability. Arguments is
// the raw JSON string exactly as the model emitted it; validation happens
// at dispatch, not here.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage captures token accounting for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolResponse is one complete model turn: text, zero or more tool calls,
// and usage metadata.
type ToolResponse struct {
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Client is the model channel interface. Implementations must honor the
// context deadline; the pipeline treats these calls as its only suspension
// points.
type Client interface {
	// Complete sends a plain prompt and returns the text response.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// CompleteWithTools sends a prompt with tool definitions and returns
	// the turn, which may interleave text and tool calls.
	CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition) (*ToolResponse, error)
}
