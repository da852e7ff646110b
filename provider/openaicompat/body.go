package openaicompat

import (
	"github.com/engram-sh/engram"
)

// BuildBody converts engram ChatMessages and a model name into an
// OpenAI-format ChatRequest. System messages stay in the messages array
// as role:"system". Options configure generation parameters.
func BuildBody(messages []engram.ChatMessage, model string, schema *engram.ResponseSchema, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	// Structured output: enforce JSON response matching the schema.
	if schema != nil && len(schema.Schema) > 0 {
		req.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   schema.Name,
				Schema: schema.Schema,
				Strict: true,
			},
		}
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}
