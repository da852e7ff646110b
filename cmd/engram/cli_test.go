package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/engram-sh/engram"
	"github.com/engram-sh/engram/hooks"
	"github.com/engram-sh/engram/ingest"
	"github.com/engram-sh/engram/internal/config"
	"github.com/engram-sh/engram/learning"
)

func TestPricingOverrides(t *testing.T) {
	got := pricingOverrides(map[string][]float64{
		"gemini-2.5-flash": {0.30, 2.50},
		"broken":           {1.0},
	})
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1 (malformed pair dropped)", len(got))
	}
	p := got["gemini-2.5-flash"]
	if p.InputPerMillion != 0.30 || p.OutputPerMillion != 2.50 {
		t.Errorf("pricing = %+v", p)
	}
}

func TestSearchTuningFromConfig(t *testing.T) {
	a := &app{cfg: config.Config{
		Search: config.SearchConfig{
			VectorThreshold: 0.5,
			VectorWeight:    0.6,
			BM25Weight:      0.4,
			BM25Bonus:       0.1,
		},
	}}
	got := a.searchTuning()
	want := engram.SearchTuning{VectorFloor: 0.5, VectorWeight: 0.6, KeywordWeight: 0.4, KeywordBonus: 0.1}
	if got != want {
		t.Errorf("searchTuning() = %+v, want %+v", got, want)
	}
}

func TestWriteSearchResultsFormats(t *testing.T) {
	results := []engram.SearchResult{
		{Fact: engram.Fact{Key: "user.editor", Value: "helix"}, Score: 0.9},
	}

	tests := []struct {
		format  string
		results []engram.SearchResult
		want    string
	}{
		{"text", results, "user.editor: helix (0.900)\n"},
		{"text", nil, "no matching facts\n"},
		{"hook", results, "- user.editor: helix\n"},
		{"hook", nil, ""},
	}
	for _, tt := range tests {
		var b strings.Builder
		if err := writeSearchResults(&b, tt.results, tt.format); err != nil {
			t.Fatalf("format %s: %v", tt.format, err)
		}
		if b.String() != tt.want {
			t.Errorf("format %s = %q, want %q", tt.format, b.String(), tt.want)
		}
	}

	var b strings.Builder
	if err := writeSearchResults(&b, results, "json"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), `"user.editor"`) {
		t.Errorf("json output = %q", b.String())
	}
}

func TestInstinctStats(t *testing.T) {
	lines := instinctStats([]learning.Instinct{
		{Domain: "error", Name: "network", Confidence: 0.5, Sources: 2},
		{Domain: "error", Name: "disk", Confidence: 0.7, Sources: 3},
		{Domain: "tool", Name: "prefer_grep", Confidence: 0.9, Sources: 12},
	})
	if len(lines) != 3 {
		t.Fatalf("lines = %d: %v", len(lines), lines)
	}
	if lines[0] != "error: 2 instincts, avg confidence 0.60, 5 sources" {
		t.Errorf("error line = %q", lines[0])
	}
	if lines[1] != "tool: 1 instincts, avg confidence 0.90, 12 sources" {
		t.Errorf("tool line = %q", lines[1])
	}
	if lines[2] != "total: 3 instincts across 2 domains" {
		t.Errorf("total line = %q", lines[2])
	}

	empty := instinctStats(nil)
	if len(empty) != 1 || empty[0] != "no instincts learned yet" {
		t.Errorf("empty stats = %v", empty)
	}
}

func TestObservationEvents(t *testing.T) {
	obs := []hooks.Observation{
		{ToolName: "Bash", ToolInput: "go test ./...", ToolOutput: "--- FAIL: TestStore", SessionID: "s1"},
		{ToolName: "Edit", ToolInput: "store.go", ToolOutput: "ok", SessionID: "s1"},
		{ToolName: "Bash", ToolInput: "ls", ToolOutput: "main.go", SessionID: "s2"},
	}

	groups := groupBySession(obs)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0].SessionID != "s1" {
		t.Errorf("first group = %+v", groups[0])
	}
	if len(groups[1]) != 1 || groups[1][0].SessionID != "s2" {
		t.Errorf("second group = %+v", groups[1])
	}

	events := observationEvents(groups[0])
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != learning.EventTool || !events[0].Failed {
		t.Errorf("failed tool event = %+v", events[0])
	}
	if events[1].Failed {
		t.Errorf("successful edit marked failed: %+v", events[1])
	}
	if events[0].Tool != "Bash" || events[0].Action != "go test ./..." {
		t.Errorf("event fields = %+v", events[0])
	}
}

func TestReadConversationFallsBackToClaudeCode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	transcript := strings.Join([]string{
		`{"type":"user","message":{"role":"user","content":"I moved to Lisbon"},"timestamp":"2026-08-01T10:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Noted."}]},"timestamp":"2026-08-01T10:00:05Z"}`,
	}, "\n")
	if err := os.WriteFile(path, []byte(transcript), 0o644); err != nil {
		t.Fatal(err)
	}

	conv, err := readConversation(path)
	if err != nil {
		t.Fatalf("readConversation() error = %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != engram.RoleUser {
		t.Errorf("first role = %q", conv.Messages[0].Role)
	}
}

func TestLoadSessionsQueuesMalformedSources(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "a-bad.jsonl")
	if err := os.WriteFile(bad, []byte("not json at all\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := filepath.Join(dir, "b-good.jsonl")
	transcript := `{"type":"message","message":{"role":"user","content":"I moved to Lisbon"},"timestamp":"2026-08-01T10:00:00Z"}`
	if err := os.WriteFile(good, []byte(transcript), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := ingest.ListSessions(dir)
	if err != nil {
		t.Fatal(err)
	}
	sessions := loadSessions(files)
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2: a bad file must not drop the rest", len(sessions))
	}

	var malformed *engram.ErrMalformedTranscript
	if sessions[0].Err == nil || !errors.As(sessions[0].Err, &malformed) {
		t.Errorf("bad source err = %v, want a malformed-transcript error", sessions[0].Err)
	}
	if sessions[0].Conversation.SourceID == "" {
		t.Error("bad source lost its id; the run cannot ledger it")
	}
	if sessions[1].Err != nil {
		t.Errorf("good source err = %v", sessions[1].Err)
	}
	if len(sessions[1].Conversation.Messages) != 1 {
		t.Errorf("good source messages = %d, want 1", len(sessions[1].Conversation.Messages))
	}
}

func TestReadConversationNormalizedForm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "norm.jsonl")
	transcript := `{"type":"message","message":{"role":"user","content":"hello"},"timestamp":"2026-08-01T10:00:00Z"}`
	if err := os.WriteFile(path, []byte(transcript), 0o644); err != nil {
		t.Fatal(err)
	}

	conv, err := readConversation(path)
	if err != nil {
		t.Fatalf("readConversation() error = %v", err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Text != "hello" {
		t.Errorf("conv = %+v", conv)
	}
}
