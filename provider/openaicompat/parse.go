package openaicompat

import (
	"github.com/engram-sh/engram"
)

// ParseResponse converts an OpenAI-format ChatResponse to an engram
// ChatResponse. It extracts content and usage from choices[0].
func ParseResponse(resp ChatResponse) (engram.ChatResponse, error) {
	var out engram.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
	}

	if resp.Usage != nil {
		out.Usage = engram.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}
