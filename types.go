package engram

import (
	"encoding/json"
	"time"
)

// --- Domain types ---

// Fact is the atomic unit of memory: one value of a dotted key over a
// half-open time interval. A nil EndTime marks the currently active value.
type Fact struct {
	Key       string
	Value     string
	Source    string
	StartTime time.Time  // UTC; when this (key, value) first became true
	EndTime   *time.Time // nil = active; else the supersession instant
	Embedding []float32  // lazily populated
}

// Active reports whether the fact is the current value for its key.
func (f Fact) Active() bool { return f.EndTime == nil }

// Category returns the first dotted segment of the key.
func (f Fact) Category() string { return KeyCategory(f.Key) }

// RawFact is an extractor output before temporal alignment: a (key, value)
// pair observed at a moment, not yet placed on a timeline.
type RawFact struct {
	Key        string
	Value      string
	Source     string
	ObservedAt time.Time
}

// UpsertOutcome describes what a Store write did.
type UpsertOutcome int

const (
	// UpsertSkipped means the active row already carried the same value.
	UpsertSkipped UpsertOutcome = iota
	// UpsertCreated means the key had no active row before.
	UpsertCreated
	// UpsertSuperseded means an active row was closed and replaced.
	UpsertSuperseded
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertSkipped:
		return "skipped"
	case UpsertCreated:
		return "created"
	case UpsertSuperseded:
		return "superseded"
	}
	return "unknown"
}

// --- Conversation types (normalized transcript schema) ---

// RoleUser and RoleAssistant are the only roles surviving normalization.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConvMessage is one normalized transcript message.
type ConvMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered, normalized transcript from one session source.
type Conversation struct {
	// SourceID identifies the originating session file; the first dotted
	// segment becomes the session tag in fact provenance.
	SourceID string
	Messages []ConvMessage
}

// StartTime returns the earliest message timestamp, or the zero time for an
// empty conversation.
func (c Conversation) StartTime() time.Time {
	var earliest time.Time
	for _, m := range c.Messages {
		if m.Timestamp.IsZero() {
			continue
		}
		if earliest.IsZero() || m.Timestamp.Before(earliest) {
			earliest = m.Timestamp
		}
	}
	return earliest
}

// --- Search types ---

// SearchQuery selects facts by exactly one of Prefix, Keys, Text, or
// Semantic. When all are empty the most recent active facts are returned.
type SearchQuery struct {
	Prefix   string
	Keys     []string
	Text     string   // BM25 only
	Semantic string   // hybrid: vector + BM25 fusion
	Limit    int
	Filters  SearchFilters
}

// SearchFilters are the verdict predicates applied to search results.
type SearchFilters struct {
	// SourceVerified excludes inferred.* keys when true.
	SourceVerified bool
	// Subject requires the key to contain this substring.
	Subject string
	// MaxAgeDays bounds now − start_time; 0 = unbounded.
	MaxAgeDays int
	// TypePrefixes restricts keys to these prefixes. Resolved from the
	// configured type mapping before the query reaches the store.
	TypePrefixes []string
}

// SearchResult is one scored search hit. Score is 0 for unscored paths
// (prefix, key, and recency listings).
type SearchResult struct {
	Fact  Fact
	Score float32
}

// SearchTuning adjusts hybrid score fusion. Stores apply it to every
// semantic and keyword query.
type SearchTuning struct {
	// VectorFloor drops vector hits below this cosine similarity.
	VectorFloor float32
	// VectorWeight and KeywordWeight combine the two channel scores.
	VectorWeight  float32
	KeywordWeight float32
	// KeywordBonus is added, scaled by the vector score, when a fact
	// appears in both channels.
	KeywordBonus float32
}

// DefaultSearchTuning returns the fusion defaults.
func DefaultSearchTuning() SearchTuning {
	return SearchTuning{
		VectorFloor:   0.3,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		KeywordBonus:  0.15,
	}
}

// --- Provider message types ---

// ChatMessage is a single message in an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// SystemMessage creates a system-role chat message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// UserMessage creates a user-role chat message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// ResponseSchema asks providers that support structured output to constrain
// the response to a JSON schema. Providers without support ignore it.
type ResponseSchema struct {
	Name   string
	Schema json.RawMessage
}

// ChatRequest is a complete LLM request.
type ChatRequest struct {
	Messages       []ChatMessage
	ResponseSchema *ResponseSchema
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is a complete LLM response.
type ChatResponse struct {
	Content string
	Usage   Usage
}
