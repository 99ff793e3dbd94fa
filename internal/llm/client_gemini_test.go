package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestSchemaFromJSONMapsTypeNames(t *testing.T) {
	schema, err := schemaFromJSON(map[string]any{
		"type":     "object",
		"required": []string{"title"},
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"description": "Task title",
			},
			"urgency": map[string]any{
				"type": "integer",
			},
			"completed": map[string]any{
				"type": "boolean",
			},
			"column": map[string]any{
				"type": "string",
				"enum": []string{"backlog", "done"},
			},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.Equal(t, []string{"title"}, schema.Required)

	title := schema.Properties["title"]
	require.NotNil(t, title)
	assert.Equal(t, genai.TypeString, title.Type)
	assert.Equal(t, "Task title", title.Description)

	assert.Equal(t, genai.TypeInteger, schema.Properties["urgency"].Type)
	assert.Equal(t, genai.TypeBoolean, schema.Properties["completed"].Type)
	assert.Equal(t, []string{"backlog", "done"}, schema.Properties["column"].Enum)

	tags := schema.Properties["tags"]
	require.NotNil(t, tags)
	assert.Equal(t, genai.TypeArray, tags.Type)
	require.NotNil(t, tags.Items)
	assert.Equal(t, genai.TypeString, tags.Items.Type)
}

func TestSchemaFromJSONRejectsUnknownType(t *testing.T) {
	_, err := schemaFromJSON(map[string]any{"type": "tuple"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuple")
}

func TestSchemaFromJSONNil(t *testing.T) {
	schema, err := schemaFromJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, schema)
}
