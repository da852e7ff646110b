package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/engram-sh/engram"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadNormalized(t *testing.T) {
	content := `{"type":"message","message":{"role":"user","content":"I moved to Berlin"},"timestamp":"2026-03-01T10:00:00Z"}
{"type":"message","message":{"role":"assistant","content":"Noted."},"timestamp":"2026-03-01T10:00:05Z"}
{"type":"meta","message":{"role":"user","content":"ignored"}}
{"type":"message","message":{"role":"tool","content":"ignored role"}}
{"type":"message","message":{"role":"user","content":"   "}}
`
	path := writeFile(t, "sess-42.jsonl", content)

	conv, err := ReadNormalized(path)
	if err != nil {
		t.Fatalf("ReadNormalized() error = %v", err)
	}
	if conv.SourceID != "sess-42" {
		t.Errorf("SourceID = %q, want sess-42", conv.SourceID)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != engram.RoleUser || conv.Messages[0].Text != "I moved to Berlin" {
		t.Errorf("first message = %+v", conv.Messages[0])
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !conv.Messages[0].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", conv.Messages[0].Timestamp, want)
	}
}

func TestReadNormalizedMalformed(t *testing.T) {
	path := writeFile(t, "broken.jsonl", "this is not json\nnor is this\n")

	_, err := ReadNormalized(path)
	var malformed *engram.ErrMalformedTranscript
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want ErrMalformedTranscript", err)
	}
	if malformed.Source != "broken" {
		t.Errorf("Source = %q, want broken", malformed.Source)
	}
}

func TestReadNormalizedToleratesOddLinesAmongGoodOnes(t *testing.T) {
	content := `garbage line
{"type":"message","message":{"role":"user","content":"still works fine"},"timestamp":"2026-03-01T10:00:00Z"}
`
	conv, err := ReadNormalized(writeFile(t, "mixed.jsonl", content))
	if err != nil {
		t.Fatalf("ReadNormalized() error = %v", err)
	}
	if len(conv.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(conv.Messages))
	}
}

func TestRoundTripWriteRead(t *testing.T) {
	conv := engram.Conversation{
		SourceID: "orig",
		Messages: []engram.ConvMessage{
			{Role: engram.RoleUser, Text: "first message body", Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
			{Role: engram.RoleAssistant, Text: "second message body"},
		},
	}
	path := filepath.Join(t.TempDir(), "staged.jsonl")
	if err := WriteNormalized(path, conv); err != nil {
		t.Fatalf("WriteNormalized() error = %v", err)
	}
	got, err := ReadNormalized(path)
	if err != nil {
		t.Fatalf("ReadNormalized() error = %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Messages[0].Text != "first message body" || !got.Messages[0].Timestamp.Equal(conv.Messages[0].Timestamp) {
		t.Errorf("first message = %+v", got.Messages[0])
	}
}

func TestReadClaudeCode(t *testing.T) {
	content := `{"type":"summary","summary":"earlier context"}
{"type":"user","timestamp":"2026-03-01T10:00:00Z","message":{"role":"user","content":"plain string content"}}
{"type":"assistant","timestamp":"2026-03-01T10:00:10Z","message":{"role":"assistant","content":[{"type":"text","text":"block one"},{"type":"tool_use","id":"t1","name":"Bash"},{"type":"text","text":"block two"}]}}
{"type":"user","timestamp":"2026-03-01T10:00:20Z","message":{"role":"user","content":[{"type":"tool_result","content":"exit 0"}]}}
`
	path := writeFile(t, "cc-session.jsonl", content)

	conv, err := ReadClaudeCode(path)
	if err != nil {
		t.Fatalf("ReadClaudeCode() error = %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (tool-result-only line dropped)", len(conv.Messages))
	}
	if conv.Messages[0].Text != "plain string content" {
		t.Errorf("string content = %q", conv.Messages[0].Text)
	}
	if conv.Messages[1].Text != "block one\n\nblock two" {
		t.Errorf("joined blocks = %q", conv.Messages[1].Text)
	}
}

func TestReadGemini(t *testing.T) {
	content := `{
  "sessionId": "abc123",
  "startTime": "2026-03-01T09:00:00Z",
  "messages": [
    {"role": "user", "parts": [{"text": "convert my session please"}]},
    {"role": "model", "timestamp": "2026-03-01T09:00:10Z", "parts": [{"text": "done"}]}
  ]
}`
	path := writeFile(t, "chat.json", content)

	conv, err := ReadGemini(path)
	if err != nil {
		t.Fatalf("ReadGemini() error = %v", err)
	}
	if conv.SourceID != "gemini:abc123" {
		t.Errorf("SourceID = %q, want gemini:abc123", conv.SourceID)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[1].Role != engram.RoleAssistant {
		t.Errorf("model role not mapped to assistant: %+v", conv.Messages[1])
	}
	// The first message inherits the session start time.
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if !conv.Messages[0].Timestamp.Equal(want) {
		t.Errorf("fallback timestamp = %v, want %v", conv.Messages[0].Timestamp, want)
	}
}

func TestReadGeminiMalformed(t *testing.T) {
	path := writeFile(t, "bad.json", "{not json")
	_, err := ReadGemini(path)
	var malformed *engram.ErrMalformedTranscript
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want ErrMalformedTranscript", err)
	}
}

func TestConvertGeminiDir(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	content := `{"sessionId":"s1","messages":[{"role":"user","timestamp":"2026-03-01T09:00:00Z","parts":[{"text":"hello from gemini"}]}]}`
	if err := os.WriteFile(filepath.Join(srcDir, "conv-a.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	sessions, err := ConvertGeminiDir(srcDir, dstDir)
	if err != nil {
		t.Fatalf("ConvertGeminiDir() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].SourceID != "gemini:s1" {
		t.Errorf("SourceID = %q, want gemini:s1", sessions[0].SourceID)
	}
	conv, err := ReadNormalized(sessions[0].Path)
	if err != nil {
		t.Fatalf("staged file unreadable: %v", err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Text != "hello from gemini" {
		t.Errorf("staged conversation = %+v", conv)
	}
}

func TestConvertGeminiDirKeepsGoingPastMalformed(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a-bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	content := `{"sessionId":"s2","messages":[{"role":"user","timestamp":"2026-03-01T09:00:00Z","parts":[{"text":"hello"}]}]}`
	if err := os.WriteFile(filepath.Join(srcDir, "b-good.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	sessions, err := ConvertGeminiDir(srcDir, dstDir)
	if err != nil {
		t.Fatalf("ConvertGeminiDir() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2: the bad file must not abort the directory", len(sessions))
	}

	var malformed *engram.ErrMalformedTranscript
	if sessions[0].Err == nil || !errors.As(sessions[0].Err, &malformed) {
		t.Errorf("bad session err = %v, want ErrMalformedTranscript", sessions[0].Err)
	}
	if sessions[0].SourceID != GeminiLedgerPrefix+"a-bad" {
		t.Errorf("bad SourceID = %q", sessions[0].SourceID)
	}
	if sessions[1].Err != nil || sessions[1].SourceID != "gemini:s2" {
		t.Errorf("good session = %+v", sessions[1])
	}
}

func TestListSessions(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jsonl", "a.jsonl", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sessions, err := ListSessions(dir)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2 (.txt excluded)", len(sessions))
	}
	if sessions[0].SourceID != "a" || sessions[1].SourceID != "b" {
		t.Errorf("order = [%s, %s], want sorted by name", sessions[0].SourceID, sessions[1].SourceID)
	}
}
