package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

// GeminiLedgerPrefix namespaces converted Gemini sessions in the
// processed-source ledger so their ids cannot collide with native ones.
const GeminiLedgerPrefix = "gemini:"

// geminiSession is the Gemini CLI conversation file: one JSON document
// holding the whole session.
type geminiSession struct {
	SessionID string `json:"sessionId"`
	StartTime string `json:"startTime"`
	Messages  []struct {
		Role      string `json:"role"` // "user" or "model"
		Timestamp string `json:"timestamp"`
		Parts     []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"messages"`
}

// ReadGemini decodes a Gemini CLI conversation file into a normalized
// conversation with a gemini-prefixed source id.
func ReadGemini(path string) (engram.Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engram.Conversation{}, fmt.Errorf("open transcript: %w", err)
	}

	id := SourceID(path)
	var sess geminiSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return engram.Conversation{}, &engram.ErrMalformedTranscript{
			Source: GeminiLedgerPrefix + id, Reason: err.Error(),
		}
	}
	if sess.SessionID != "" {
		id = sess.SessionID
	}

	fallback := time.Time{}
	if ts, err := time.Parse(time.RFC3339Nano, sess.StartTime); err == nil {
		fallback = ts.UTC()
	}

	conv := engram.Conversation{SourceID: GeminiLedgerPrefix + id}
	for _, m := range sess.Messages {
		role := m.Role
		if role == "model" {
			role = engram.RoleAssistant
		}
		var parts []string
		for _, p := range m.Parts {
			if strings.TrimSpace(p.Text) != "" {
				parts = append(parts, p.Text)
			}
		}
		msg, ok := normalizeMessage(role, strings.Join(parts, "\n\n"), m.Timestamp)
		if !ok {
			continue
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = fallback
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if len(conv.Messages) == 0 && len(sess.Messages) > 0 {
		return engram.Conversation{}, &engram.ErrMalformedTranscript{
			Source: conv.SourceID, Reason: "no usable messages",
		}
	}
	return conv, nil
}

// ConvertGeminiDir converts every .json conversation under srcDir to
// normalized JSONL under dstDir, sorted by name. Each returned session
// carries the source file's modification time so the ledger sees the
// original, not the staging copy.
func ConvertGeminiDir(srcDir, dstDir string) ([]SessionFile, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("read gemini dir: %w", err)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []SessionFile
	for _, name := range names {
		src := filepath.Join(srcDir, name)
		info, err := os.Stat(src)
		if err != nil {
			return out, fmt.Errorf("stat %s: %w", src, err)
		}
		conv, err := ReadGemini(src)
		if err != nil {
			// A malformed conversation is queued as a failed source so
			// the rest of the directory still converts.
			out = append(out, SessionFile{
				Path:     src,
				SourceID: GeminiLedgerPrefix + SourceID(src),
				ModTime:  info.ModTime().UTC(),
				Err:      err,
			})
			continue
		}
		dst := filepath.Join(dstDir, strings.TrimSuffix(name, ".json")+".jsonl")
		if err := WriteNormalized(dst, conv); err != nil {
			return out, err
		}
		out = append(out, SessionFile{
			Path:     dst,
			SourceID: conv.SourceID,
			ModTime:  info.ModTime().UTC(),
		})
	}
	return out, nil
}
