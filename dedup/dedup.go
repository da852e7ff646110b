// Package dedup resolves incoming facts against semantically similar
// existing facts. An LLM decides whether the incoming fact is redundant,
// updates an existing key, or stands on its own; every failure path falls
// back to creating the fact so consolidation never loses information.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

// Action is the dedup verdict for one incoming fact.
type Action string

const (
	// ActionSkip drops the incoming fact as redundant.
	ActionSkip Action = "skip"
	// ActionMerge writes the incoming fact under an existing key.
	ActionMerge Action = "merge"
	// ActionCreate writes the incoming fact under its own key.
	ActionCreate Action = "create"
)

// Decision is the resolved outcome for one fact.
type Decision struct {
	Action    Action
	TargetKey string // set for ActionMerge
	Reason    string
}

// Deduper resolves incoming facts against the store's embedded active set.
type Deduper struct {
	llm    engram.Provider
	embed  engram.EmbeddingProvider
	store  engram.Store
	logger *slog.Logger

	threshold     float32
	maxCandidates int
	enabled       bool
}

// Option configures a Deduper.
type Option func(*Deduper)

// WithThreshold overrides the cosine similarity floor for candidate
// retrieval (default 0.85).
func WithThreshold(t float32) Option {
	return func(d *Deduper) { d.threshold = t }
}

// WithMaxCandidates overrides the number of candidates shown to the LLM
// (default 5).
func WithMaxCandidates(n int) Option {
	return func(d *Deduper) { d.maxCandidates = n }
}

// Disabled turns dedup off entirely; Resolve always returns ActionCreate.
func Disabled() Option {
	return func(d *Deduper) { d.enabled = false }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Deduper) { d.logger = l }
}

// New creates a Deduper. llm and embed may be nil only when Disabled() is
// also passed.
func New(llm engram.Provider, embed engram.EmbeddingProvider, store engram.Store, opts ...Option) *Deduper {
	d := &Deduper{
		llm:           llm,
		embed:         embed,
		store:         store,
		threshold:     0.85,
		maxCandidates: 5,
		enabled:       true,
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = engram.NopLogger()
	}
	return d
}

// candidate is one similar existing fact shown to the LLM.
type candidate struct {
	fact engram.Fact
	sim  float32
}

// Resolve decides what to do with an incoming fact whose key has no exact
// active match. It embeds "key: value", retrieves similar active facts, and
// asks the LLM for a verdict. Any failure resolves to ActionCreate.
func (d *Deduper) Resolve(ctx context.Context, raw engram.RawFact) (Decision, error) {
	if !d.enabled {
		return Decision{Action: ActionCreate, Reason: "dedup disabled"}, nil
	}
	start := time.Now()

	vecs, err := d.embed.Embed(ctx, []string{raw.Key + ": " + raw.Value})
	if err != nil || len(vecs) != 1 {
		d.logger.Warn("dedup: embed failed, creating", "key", raw.Key, "error", err)
		return Decision{Action: ActionCreate, Reason: "embedding unavailable"}, nil
	}

	cands, err := d.candidates(ctx, vecs[0], raw.Key)
	if err != nil {
		d.logger.Warn("dedup: candidate retrieval failed, creating", "key", raw.Key, "error", err)
		return Decision{Action: ActionCreate, Reason: "candidate retrieval failed"}, nil
	}
	if len(cands) == 0 {
		return Decision{Action: ActionCreate, Reason: "no similar facts"}, nil
	}

	decision := d.ask(ctx, raw, cands)
	d.logger.Debug("dedup: resolved",
		"key", raw.Key, "action", string(decision.Action), "target", decision.TargetKey,
		"candidates", len(cands), "duration", time.Since(start))
	return decision, nil
}

// candidates returns up to maxCandidates active facts whose embedding
// similarity clears the threshold, best first. The incoming key itself is
// excluded; an exact-key write is an ordinary upsert, not a dedup case.
func (d *Deduper) candidates(ctx context.Context, vec []float32, selfKey string) ([]candidate, error) {
	embedded, err := d.store.Embedded(ctx)
	if err != nil {
		return nil, err
	}
	var cands []candidate
	for _, f := range embedded {
		if f.Key == selfKey {
			continue
		}
		sim := engram.CosineSimilarity(vec, f.Embedding)
		if sim >= d.threshold {
			cands = append(cands, candidate{fact: f, sim: sim})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].sim > cands[j].sim })
	if len(cands) > d.maxCandidates {
		cands = cands[:d.maxCandidates]
	}
	return cands, nil
}

const dedupPrompt = `You are a memory deduplication judge. An incoming fact may duplicate or update one of the existing facts below.

Decide one of:
- "skip": the incoming fact adds nothing over an existing fact
- "merge": the incoming fact is a newer value for one existing key; set "target" to that key
- "create": the incoming fact is genuinely new

Return ONLY a JSON object:
{"action": "skip" | "merge" | "create", "target": "<existing key when merging>", "reason": "<short reason>"}`

// verdict is the parsed LLM response.
type verdict struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

var dedupSchema = &engram.ResponseSchema{
	Name:   "dedup_verdict",
	Schema: json.RawMessage(`{"type":"object","properties":{"action":{"type":"string","enum":["skip","merge","create"]},"target":{"type":"string"},"reason":{"type":"string"}},"required":["action"]}`),
}

// ask gets the LLM verdict, falling back to create whenever the response is
// missing, malformed, or names a key that was not offered.
func (d *Deduper) ask(ctx context.Context, raw engram.RawFact, cands []candidate) Decision {
	var b strings.Builder
	fmt.Fprintf(&b, "Incoming fact:\n%s: %s\n\nExisting facts:\n", raw.Key, raw.Value)
	for _, c := range cands {
		fmt.Fprintf(&b, "- %s: %s (similarity %.2f)\n", c.fact.Key, c.fact.Value, c.sim)
	}

	resp, err := d.llm.Chat(ctx, engram.ChatRequest{
		Messages: []engram.ChatMessage{
			engram.SystemMessage(dedupPrompt),
			engram.UserMessage(b.String()),
		},
		ResponseSchema: dedupSchema,
	})
	if err != nil {
		d.logger.Warn("dedup: llm failed, creating", "key", raw.Key, "error", err)
		return Decision{Action: ActionCreate, Reason: "llm unavailable"}
	}

	v, ok := parseVerdict(resp.Content)
	if !ok {
		return Decision{Action: ActionCreate, Reason: "unparseable verdict"}
	}
	switch Action(v.Action) {
	case ActionSkip:
		return Decision{Action: ActionSkip, Reason: v.Reason}
	case ActionMerge:
		for _, c := range cands {
			if c.fact.Key == v.Target {
				return Decision{Action: ActionMerge, TargetKey: v.Target, Reason: v.Reason}
			}
		}
		d.logger.Warn("dedup: merge target not among candidates, creating",
			"key", raw.Key, "target", v.Target)
		return Decision{Action: ActionCreate, Reason: "invalid merge target"}
	case ActionCreate:
		return Decision{Action: ActionCreate, Reason: v.Reason}
	}
	return Decision{Action: ActionCreate, Reason: "unknown action"}
}

// parseVerdict parses the LLM response: strip fences, take the first '{'
// through the last '}'.
func parseVerdict(response string) (verdict, bool) {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return verdict{}, false
	}
	var v verdict
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &v); err != nil {
		return verdict{}, false
	}
	return v, true
}
