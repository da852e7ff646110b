package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/engram-sh/engram"
)

// ccLine is one line of a Claude Code session file. Content is either a
// plain string or an array of typed blocks; only text blocks survive
// normalization.
type ccLine struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type ccBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReadClaudeCode decodes a Claude Code session JSONL file. Tool-use and
// tool-result blocks are dropped; summary and meta lines are skipped.
func ReadClaudeCode(path string) (engram.Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return engram.Conversation{}, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	conv := engram.Conversation{SourceID: SourceID(path)}
	bad := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var cl ccLine
		if err := json.Unmarshal([]byte(line), &cl); err != nil {
			bad++
			continue
		}
		if cl.Type != "user" && cl.Type != "assistant" {
			continue
		}
		role := cl.Message.Role
		if role == "" {
			role = cl.Type
		}
		text := ccText(cl.Message.Content)
		msg, ok := normalizeMessage(role, text, cl.Timestamp)
		if !ok {
			continue
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := sc.Err(); err != nil {
		return engram.Conversation{}, &engram.ErrMalformedTranscript{
			Source: conv.SourceID, Reason: err.Error(),
		}
	}
	if len(conv.Messages) == 0 && bad > 0 {
		return engram.Conversation{}, &engram.ErrMalformedTranscript{
			Source: conv.SourceID, Reason: fmt.Sprintf("%d undecodable lines, no messages", bad),
		}
	}
	return conv, nil
}

// ccText flattens a content payload to plain text: either the raw string
// form or the text blocks of the array form joined by blank lines.
func ccText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ccBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
