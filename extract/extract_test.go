package extract

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/engram-sh/engram"
)

// fakeLLM returns canned responses in order, recording the prompts it saw.
type fakeLLM struct {
	responses []string
	prompts   []string
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Chat(ctx context.Context, req engram.ChatRequest) (engram.ChatResponse, error) {
	var user string
	for _, m := range req.Messages {
		if m.Role == "user" {
			user = m.Content
		}
	}
	f.prompts = append(f.prompts, user)
	idx := len(f.prompts) - 1
	if idx >= len(f.responses) {
		return engram.ChatResponse{Content: "[]"}, nil
	}
	return engram.ChatResponse{Content: f.responses[idx]}, nil
}

func conv(messages ...engram.ConvMessage) engram.Conversation {
	return engram.Conversation{SourceID: "claude:abc123", Messages: messages}
}

func msg(role, text string, ts time.Time) engram.ConvMessage {
	return engram.ConvMessage{Role: role, Text: text, Timestamp: ts}
}

func TestSessionSource(t *testing.T) {
	tests := []struct{ id, want string }{
		{"a1b2c3d4-e5f6-7890", "session:a1b2c3d4"},
		{"claude:abc123", "session:claude:abc123"},
		{"gemini:s1-2026", "session:gemini:s1"},
	}
	for _, tt := range tests {
		if got := sessionSource(tt.id); got != tt.want {
			t.Errorf("sessionSource(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestExtractHappyPath(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`[{"key": "user.location", "value": "Berlin"}, {"key": "Preferences/Editor", "value": "helix"}]`,
	}}
	e := New(llm)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	facts, err := e.Extract(context.Background(), conv(
		msg("user", "I just moved to Berlin and switched my editor to helix.", ts),
	))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts = %d, want 2", len(facts))
	}
	if facts[0].Key != "user.location" || facts[0].Value != "Berlin" {
		t.Errorf("fact[0] = %+v", facts[0])
	}
	// Keys are normalized: slashes, case, plural category.
	if facts[1].Key != "preference.editor" {
		t.Errorf("fact[1].Key = %q, want preference.editor", facts[1].Key)
	}
	for _, f := range facts {
		if f.Source != "session:claude:abc123" {
			t.Errorf("source = %q, want session-labeled provenance", f.Source)
		}
		if !f.ObservedAt.Equal(ts) {
			t.Errorf("observedAt = %v, want %v", f.ObservedAt, ts)
		}
	}
}

func TestExtractDropsInvalidKeys(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`[{"key": "banana.flavor", "value": "sweet"},
		  {"key": "user", "value": "no segment"},
		  {"key": "user.name", "value": "Alex"}]`,
	}}
	e := New(llm)
	facts, err := e.Extract(context.Background(), conv(
		msg("user", "My name is Alex and I like bananas quite a lot.", time.Now()),
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].Key != "user.name" {
		t.Errorf("facts = %+v, want only user.name", facts)
	}
}

func TestExtractSkipsNoiseMessagesEntirely(t *testing.T) {
	llm := &fakeLLM{}
	e := New(llm)
	facts, err := e.Extract(context.Background(), conv(
		msg("user", "thanks", time.Now()),
		msg("assistant", "ok", time.Now()),
	))
	if err != nil {
		t.Fatal(err)
	}
	if facts != nil {
		t.Errorf("facts = %+v, want nil", facts)
	}
	if len(llm.prompts) != 0 {
		t.Errorf("LLM called %d times for pure noise", len(llm.prompts))
	}
}

func TestExtractSurvivesBadChunkResponse(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"I could not find any facts, sorry about that!",
	}}
	e := New(llm)
	facts, err := e.Extract(context.Background(), conv(
		msg("user", "We deploy the service to a Hetzner box every Friday.", time.Now()),
	))
	if err != nil {
		t.Fatalf("a bad chunk must not fail the session: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("facts = %+v", facts)
	}
}

func TestParsePairs(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		count int
		ok    bool
	}{
		{"bare array", `[{"key":"user.a","value":"1"}]`, 1, true},
		{"fenced", "```json\n[{\"key\":\"user.a\",\"value\":\"1\"}]\n```", 1, true},
		{"chatter around array", `Sure! Here you go: [{"key":"user.a","value":"1"}] Hope that helps.`, 1, true},
		{"empty array", `[]`, 0, true},
		{"no array", `no facts found`, 0, false},
		{"broken json", `[{"key": }]`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs, ok := parsePairs(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if len(pairs) != tt.count {
				t.Errorf("pairs = %d, want %d", len(pairs), tt.count)
			}
		})
	}
}

func TestChunkMessagesBoundaries(t *testing.T) {
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	long := strings.Repeat("word ", 60) // ~300 chars rendered

	var messages []engram.ConvMessage
	for i := 0; i < 10; i++ {
		messages = append(messages, msg("user", long, ts.Add(time.Duration(i)*time.Minute)))
	}

	chunks := chunkMessages(messages, 1000)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want multiple", len(chunks))
	}
	for i, c := range chunks {
		if len(c.text) > 1000 {
			t.Errorf("chunk %d length %d exceeds limit", i, len(c.text))
		}
		if c.observedAt.IsZero() {
			t.Errorf("chunk %d has no observation time", i)
		}
	}
	// Later chunks carry later observation times.
	if !chunks[len(chunks)-1].observedAt.After(chunks[0].observedAt) {
		t.Error("observation times not advancing across chunks")
	}
}

func TestChunkMessagesSplitsOversizedMessage(t *testing.T) {
	paras := make([]string, 8)
	for i := range paras {
		paras[i] = strings.Repeat("x", 200)
	}
	big := strings.Join(paras, "\n\n")

	chunks := chunkMessages([]engram.ConvMessage{msg("user", big, time.Now())}, 500)
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want the message split on paragraphs", len(chunks))
	}
	for i, c := range chunks {
		if len(c.text) > 500 {
			t.Errorf("chunk %d length %d exceeds limit", i, len(c.text))
		}
	}
}
