package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"taskpilot/internal/logging"
)

// GeminiClient uses the Google GenAI SDK for chat completion with
// function calling.
type GeminiClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGeminiClient creates a Gemini-backed model channel.
func NewGeminiClient(ctx context.Context, cfg Config) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
		logger: logging.Get(logging.CategoryLLM),
	}, nil
}

// Complete sends a plain prompt.
func (c *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.CompleteWithTools(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteWithTools sends a prompt with function declarations.
func (c *GeminiClient) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition) (*ToolResponse, error) {
	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(tools))
		for i, t := range tools {
			schema, err := schemaFromJSON(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			decls[i] = &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty response from model")
	}

	out := &ToolResponse{StopReason: string(resp.Candidates[0].FinishReason)}
	var text strings.Builder
	for i, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal args for %s: %w", part.FunctionCall.Name, err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	out.Text = text.String()
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	c.logger.Debug("completion",
		zap.String("model", c.model),
		zap.Int("tool_calls", len(out.ToolCalls)),
		zap.Int("total_tokens", out.Usage.TotalTokens))
	return out, nil
}

// schemaFromJSON converts a JSON-schema map into a genai.Schema. The
// field-by-field walk is deliberate: JSON-schema type names are
// lowercase while the SDK's Type enum is uppercase, so the names must be
// mapped rather than decoded straight into the struct.
func schemaFromJSON(m map[string]any) (*genai.Schema, error) {
	if m == nil {
		return nil, nil
	}
	s := &genai.Schema{}
	if name, ok := m["type"].(string); ok {
		typ, err := schemaType(name)
		if err != nil {
			return nil, err
		}
		s.Type = typ
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	s.Enum = stringSlice(m["enum"])
	s.Required = stringSlice(m["required"])
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			pm, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("invalid parameter schema: property %q is not an object", name)
			}
			ps, err := schemaFromJSON(pm)
			if err != nil {
				return nil, err
			}
			s.Properties[name] = ps
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		is, err := schemaFromJSON(items)
		if err != nil {
			return nil, err
		}
		s.Items = is
	}
	return s, nil
}

// schemaType maps a JSON-schema type name to the SDK enum.
func schemaType(name string) (genai.Type, error) {
	switch strings.ToLower(name) {
	case "object":
		return genai.TypeObject, nil
	case "string":
		return genai.TypeString, nil
	case "number":
		return genai.TypeNumber, nil
	case "integer":
		return genai.TypeInteger, nil
	case "boolean":
		return genai.TypeBoolean, nil
	case "array":
		return genai.TypeArray, nil
	default:
		return genai.TypeUnspecified, fmt.Errorf("invalid parameter schema: unsupported type %q", name)
	}
}

// stringSlice accepts both []string and decoded-JSON []any values.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
