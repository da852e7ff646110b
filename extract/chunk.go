package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

// chunk is one LLM-sized slice of a conversation. observedAt is the latest
// message timestamp inside the chunk and becomes the fact observation time.
type chunk struct {
	text       string
	observedAt time.Time
}

// chunkMessages packs rendered messages into chunks of at most maxChars,
// breaking only between messages. A single message larger than maxChars is
// split on paragraph boundaries.
func chunkMessages(messages []engram.ConvMessage, maxChars int) []chunk {
	var chunks []chunk
	var b strings.Builder
	var latest time.Time

	flush := func() {
		if b.Len() == 0 {
			return
		}
		chunks = append(chunks, chunk{text: b.String(), observedAt: latest})
		b.Reset()
		latest = time.Time{}
	}

	push := func(text string, ts time.Time) {
		if b.Len() > 0 && b.Len()+len(text)+2 > maxChars {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
		if ts.After(latest) {
			latest = ts
		}
	}

	for _, m := range messages {
		rendered := renderMessage(m)
		if len(rendered) <= maxChars {
			push(rendered, m.Timestamp)
			continue
		}
		for _, part := range splitParagraphs(rendered, maxChars) {
			push(part, m.Timestamp)
		}
	}
	flush()
	return chunks
}

func renderMessage(m engram.ConvMessage) string {
	role := m.Role
	if role == "" {
		role = engram.RoleUser
	}
	if m.Timestamp.IsZero() {
		return fmt.Sprintf("[%s] %s", role, m.Text)
	}
	return fmt.Sprintf("[%s %s] %s", role, m.Timestamp.UTC().Format(time.RFC3339), m.Text)
}

// splitParagraphs splits oversized text on blank lines, falling back to a
// hard cut for a single paragraph that still exceeds the limit.
func splitParagraphs(text string, maxChars int) []string {
	paragraphs := strings.Split(text, "\n\n")
	var parts []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			parts = append(parts, b.String())
			b.Reset()
		}
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for len(p) > maxChars {
			flush()
			parts = append(parts, p[:maxChars])
			p = p[maxChars:]
		}
		if b.Len() > 0 && b.Len()+len(p)+2 > maxChars {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p)
	}
	flush()
	return parts
}
