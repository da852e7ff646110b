// Package ingest normalizes host-specific session transcripts into the
// conversation form the pipeline consumes. Adapters exist for the
// normalized JSONL schema itself, Claude Code session files, and Gemini
// CLI conversation files (converted to normalized JSONL first).
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

// maxLineBytes bounds a single transcript line; sessions routinely carry
// large pasted payloads.
const maxLineBytes = 4 << 20

// normLine is the normalized JSONL schema: one message object per line.
type normLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ReadNormalized decodes a normalized JSONL transcript. Unknown line
// types and undecodable lines are skipped; a file that yields no messages
// while containing undecodable lines fails with ErrMalformedTranscript.
func ReadNormalized(path string) (engram.Conversation, error) {
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
		var nl normLine
		if err := json.Unmarshal([]byte(line), &nl); err != nil {
			bad++
			continue
		}
		if nl.Type != "message" {
			continue
		}
		msg, ok := normalizeMessage(nl.Message.Role, nl.Message.Content, nl.Timestamp)
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

// WriteNormalized writes a conversation in the normalized JSONL form,
// used by converters that stage foreign formats.
func WriteNormalized(path string, conv engram.Conversation) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create transcript: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, m := range conv.Messages {
		var nl normLine
		nl.Type = "message"
		nl.Message.Role = m.Role
		nl.Message.Content = m.Text
		if !m.Timestamp.IsZero() {
			nl.Timestamp = m.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		data, err := json.Marshal(nl)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}
	}
	return w.Flush()
}

// normalizeMessage validates one decoded message. Roles outside
// user/assistant and empty texts are dropped, per the normalizer
// contract.
func normalizeMessage(role, text, timestamp string) (engram.ConvMessage, bool) {
	if role != engram.RoleUser && role != engram.RoleAssistant {
		return engram.ConvMessage{}, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return engram.ConvMessage{}, false
	}
	msg := engram.ConvMessage{Role: role, Text: text}
	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		msg.Timestamp = ts.UTC()
	}
	return msg, true
}

// SourceID derives the ledger source id from a transcript path: the base
// name without extension.
func SourceID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SessionFile locates one transcript on disk together with the
// modification time the ledger compares against.
type SessionFile struct {
	Path     string
	SourceID string
	ModTime  time.Time

	// Err marks a source that could not be read or converted. It is
	// queued anyway so the pipeline records the failure per source.
	Err error
}

// ListSessions returns the .jsonl transcripts under dir in sorted name
// order, the backfill processing order.
func ListSessions(dir string) ([]SessionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var out []SessionFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		path := filepath.Join(dir, e.Name())
		out = append(out, SessionFile{
			Path:     path,
			SourceID: SourceID(path),
			ModTime:  info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
