// Package extract turns normalized conversation transcripts into raw
// key/value facts using an LLM. It is storage-agnostic; the pipeline feeds
// its output through temporal alignment and semantic dedup before commit.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

// ExtractPrompt is the fixed system prompt for fact extraction. The model
// must return a bare JSON array of {key, value} objects.
const ExtractPrompt = `You are a memory extraction system. Given a conversation between a user and an assistant, extract durable factual information worth remembering across sessions.

Each fact is a key/value pair. Keys are lowercase dotted paths of the form <category>.<segment>[.<segment>...], for example:
- user.location, user.name, user.employer
- preference.editor, preference.language
- project.<name>.<attribute>
- tool.<name>.<attribute>
- correction.<topic> for things the user corrected
- inferred.<subject>.<attribute> ONLY for facts you deduced rather than read

Rules:
- Extract only durable facts, not conversational ephemera
- One fact per key; the value is a concise statement
- Prefer updating a natural existing key over inventing synonyms
- Facts stated by the user outrank facts implied by the assistant
- If no facts are present, return an empty array

Return ONLY a JSON array, no extra text:
[{"key": "user.location", "value": "Berlin"}, {"key": "preference.editor", "value": "helix"}]

Return [] if no facts found.`

// extractedPair is one parsed element of the model's JSON array.
type extractedPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// extractSchema constrains providers with structured-output support.
var extractSchema = &engram.ResponseSchema{
	Name:   "extracted_facts",
	Schema: json.RawMessage(`{"type":"array","items":{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}}`),
}

// Extractor runs LLM fact extraction over conversations.
type Extractor struct {
	llm    engram.Provider
	keys   *engram.KeySet
	noise  *engram.NoiseFilter
	logger *slog.Logger

	maxChunkChars  int
	chunkTimeout   time.Duration
	sessionTimeout time.Duration
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithKeySet overrides the key category set (default: engram defaults).
func WithKeySet(ks *engram.KeySet) Option {
	return func(e *Extractor) { e.keys = ks }
}

// WithNoiseFilter overrides the noise filter.
func WithNoiseFilter(f *engram.NoiseFilter) Option {
	return func(e *Extractor) { e.noise = f }
}

// WithLogger sets a structured logger for extraction events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// WithMaxChunkChars overrides the chunk size ceiling (default 30000).
func WithMaxChunkChars(n int) Option {
	return func(e *Extractor) { e.maxChunkChars = n }
}

// WithTimeouts overrides the per-chunk and per-session LLM deadlines
// (defaults 45s and 2m).
func WithTimeouts(chunk, session time.Duration) Option {
	return func(e *Extractor) { e.chunkTimeout, e.sessionTimeout = chunk, session }
}

// New creates an Extractor backed by the given LLM provider.
func New(llm engram.Provider, opts ...Option) *Extractor {
	e := &Extractor{
		llm:            llm,
		maxChunkChars:  30000,
		chunkTimeout:   45 * time.Second,
		sessionTimeout: 2 * time.Minute,
	}
	for _, o := range opts {
		o(e)
	}
	if e.keys == nil {
		e.keys = engram.NewKeySet(nil)
	}
	if e.noise == nil {
		e.noise = engram.NewNoiseFilter()
	}
	if e.logger == nil {
		e.logger = engram.NopLogger()
	}
	return e
}

// Extract runs the full extraction for one conversation: noise-filter
// messages, chunk, call the LLM per chunk, parse and validate, attach
// provenance. A chunk whose response cannot be parsed is skipped; the
// other chunks still contribute.
func (e *Extractor) Extract(ctx context.Context, conv engram.Conversation) ([]engram.RawFact, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.sessionTimeout)
	defer cancel()

	var kept []engram.ConvMessage
	for _, m := range conv.Messages {
		if e.noise.IsNoiseMessage(m.Text) {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		e.logger.Debug("extract: all messages filtered", "source", conv.SourceID)
		return nil, nil
	}

	chunks := chunkMessages(kept, e.maxChunkChars)
	e.logger.Debug("extract: chunked",
		"source", conv.SourceID, "messages", len(kept), "chunks", len(chunks))

	var facts []engram.RawFact
	for i, ch := range chunks {
		pairs, err := e.extractChunk(ctx, ch.text)
		if err != nil {
			if ctx.Err() != nil {
				return facts, fmt.Errorf("extract %s: %w", conv.SourceID, ctx.Err())
			}
			e.logger.Warn("extract: chunk failed",
				"source", conv.SourceID, "chunk", i, "error", err)
			continue
		}
		for _, p := range pairs {
			key := e.keys.Normalize(p.Key)
			if err := e.keys.Validate(key); err != nil {
				e.logger.Debug("extract: dropped invalid key", "key", p.Key, "error", err)
				continue
			}
			value := engram.NormalizeValue(p.Value)
			if e.noise.IsNoiseFact(key, value) {
				continue
			}
			facts = append(facts, engram.RawFact{
				Key:        key,
				Value:      value,
				Source:     sessionSource(conv.SourceID),
				ObservedAt: ch.observedAt,
			})
		}
	}

	e.logger.Info("extract: done",
		"source", conv.SourceID, "facts", len(facts), "chunks", len(chunks),
		"duration", time.Since(start))
	return facts, nil
}

// sessionSource labels a fact with its transcript provenance, keeping
// only the first dash-separated segment of the source id.
func sessionSource(id string) string {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		id = id[:i]
	}
	return "session:" + id
}

// extractChunk sends one chunk to the LLM and parses the response.
func (e *Extractor) extractChunk(ctx context.Context, text string) ([]extractedPair, error) {
	ctx, cancel := context.WithTimeout(ctx, e.chunkTimeout)
	defer cancel()

	resp, err := e.llm.Chat(ctx, engram.ChatRequest{
		Messages: []engram.ChatMessage{
			engram.SystemMessage(ExtractPrompt),
			engram.UserMessage(text),
		},
		ResponseSchema: extractSchema,
	})
	if err != nil {
		return nil, err
	}
	pairs, ok := parsePairs(resp.Content)
	if !ok {
		return nil, &engram.ErrLLM{Provider: e.llm.Name(), Message: "unparseable extraction response"}
	}
	return pairs, nil
}

// parsePairs parses the model response: strip code fences, take the first
// '[' through the last ']', reject everything that is not a clean array.
func parsePairs(response string) ([]extractedPair, bool) {
	trimmed := strings.TrimSpace(response)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "[")
	if start == -1 {
		return nil, false
	}
	end := strings.LastIndex(trimmed, "]")
	if end == -1 || end < start {
		return nil, false
	}

	var pairs []extractedPair
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &pairs); err != nil {
		return nil, false
	}
	return pairs, true
}
