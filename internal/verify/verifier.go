// Package verify implements the advisory result check: given the todo
// list and the execution transcript, the model marks each item done or
// not with a reason. It never touches the board; the report only
// annotates the session for user-facing feedback.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taskpilot/internal/llm"
	"taskpilot/internal/logging"
)

// Item is the verdict for one todo entry.
type Item struct {
	Task   string `json:"task"`
	Reason string `json:"reason"`
	Result bool   `json:"result"`
}

// Report is the full verification outcome.
type Report struct {
	Results []Item `json:"results"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Verifier asks the model to judge execution results.
type Verifier struct {
	client llm.Client
	prompt string
	logger *zap.Logger
}

// New creates a verifier. prompt overrides the default instruction when
// non-empty.
func New(client llm.Client, prompt string) *Verifier {
	if prompt == "" {
		prompt = "You review an execution transcript against a todo list. " +
			"For each todo item, decide whether it was accomplished. Respond " +
			"with a JSON array of objects {\"task\", \"reason\", \"result\"} " +
			"and nothing else."
	}
	return &Verifier{
		client: client,
		prompt: prompt,
		logger: logging.Get(logging.CategoryPlanner),
	}
}

// Verify judges each todo item against the transcript.
func (v *Verifier) Verify(ctx context.Context, todos []string, transcript string) (*Report, error) {
	var input strings.Builder
	input.WriteString("Todo list:\n")
	for i, todo := range todos {
		fmt.Fprintf(&input, "%d. %s\n", i+1, todo)
	}
	input.WriteString("\nExecution results:\n")
	input.WriteString(transcript)

	text, err := v.client.Complete(ctx, v.prompt, input.String())
	if err != nil {
		return nil, fmt.Errorf("verification call failed: %w", err)
	}

	items, err := parseItems(text)
	if err != nil {
		return nil, err
	}

	report := &Report{Results: items, Success: true}
	failed := 0
	for _, item := range items {
		if !item.Result {
			report.Success = false
			failed++
		}
	}
	if report.Success {
		report.Message = fmt.Sprintf("all %d items completed", len(items))
	} else {
		report.Message = fmt.Sprintf("%d of %d items not completed", failed, len(items))
	}

	v.logger.Info("verified",
		zap.Int("items", len(items)),
		zap.Bool("success", report.Success))
	return report, nil
}

// parseItems extracts the verdict array, tolerating markdown fences.
func parseItems(text string) ([]Item, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("malformed verification response: no JSON array")
	}
	var items []Item
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("malformed verification response: %w", err)
	}
	return items, nil
}
