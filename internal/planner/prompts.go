package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Prompts holds the stage instruction templates. These are configuration
// strings; the defaults below are used for any that are empty.
type Prompts struct {
	Plan    string `yaml:"plan"`
	Gather  string `yaml:"gather"`
	Execute string `yaml:"execute"`
	Verify  string `yaml:"verify"`
}

const (
	defaultPlanPrompt = "You are a task planning assistant for a personal task board. " +
		"Decompose the user's request into an ordered list of atomic, verifiable steps. " +
		"Respond with a JSON array of strings and nothing else."

	defaultGatherPrompt = "You are gathering context for a task board plan. " +
		"You may only call the provided read-only tools. Call every tool whose " +
		"output the plan needs; do not answer in prose."

	defaultExecutePrompt = "You are executing a task board plan. Apply the plan " +
		"using the provided tools, in order. The gathered context below is " +
		"everything you may rely on; do not invent task ids."

	defaultVerifyPrompt = "You review an execution transcript against a todo list. " +
		"For each todo item, decide whether it was accomplished. Respond with a " +
		"JSON array of objects {\"task\", \"reason\", \"result\"} and nothing else."
)

func (p Prompts) withDefaults() Prompts {
	if p.Plan == "" {
		p.Plan = defaultPlanPrompt
	}
	if p.Gather == "" {
		p.Gather = defaultGatherPrompt
	}
	if p.Execute == "" {
		p.Execute = defaultExecutePrompt
	}
	if p.Verify == "" {
		p.Verify = defaultVerifyPrompt
	}
	return p
}

func buildPlanInput(request, boardContext string) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(request)
	if boardContext != "" {
		b.WriteString("\n\nBoard state:\n")
		b.WriteString(boardContext)
	}
	return b.String()
}

func buildGatherInput(todos []string, boardContext string) string {
	var b strings.Builder
	b.WriteString("Plan:\n")
	writeNumbered(&b, todos)
	if boardContext != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(boardContext)
	}
	return b.String()
}

func buildExecuteInput(todos []string, gathered map[string]string, boardContext string) string {
	var b strings.Builder
	b.WriteString("Plan:\n")
	writeNumbered(&b, todos)
	b.WriteString("\nGathered context:\n")
	if len(gathered) == 0 {
		b.WriteString("(none)\n")
	} else {
		data, _ := json.MarshalIndent(gathered, "", "  ")
		b.Write(data)
		b.WriteString("\n")
	}
	if boardContext != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(boardContext)
	}
	return b.String()
}

func writeNumbered(b *strings.Builder, items []string) {
	for i, item := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, item)
	}
}

// parseTodoList extracts an ordered todo list from a model response. The
// model is asked for a JSON array; fenced or chatty responses fall back to
// line splitting so a slightly off-format turn still plans.
func parseTodoList(text string) []string {
	if arr := extractJSONArray(text); arr != nil {
		var todos []string
		if err := json.Unmarshal([]byte(arr), &todos); err == nil && len(todos) > 0 {
			return trimAll(todos)
		}
	}

	var todos []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. ")
		if line != "" {
			todos = append(todos, line)
		}
	}
	return todos
}

// extractJSONArray returns the first top-level JSON array in the text, or
// nil. Handles markdown fences around the payload.
func extractJSONArray(text string) []byte {
	start := strings.Index(text, "[")
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return []byte(text[start : i+1])
			}
		}
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
