// Package api implements the query and mutation surface shared by the
// CLI and the MCP server: summary, search, store, and the instinct
// operations. It lives outside the root package so it can compose the
// store, report, and learning layers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/engram-sh/engram"
	"github.com/engram-sh/engram/learning"
	"github.com/engram-sh/engram/report"
)

// API exposes the caller-facing operations over a fact store.
type API struct {
	store    engram.Store
	embedder engram.EmbeddingProvider // nil disables semantic search and write-time embedding
	keys     *engram.KeySet
	logger   *slog.Logger

	typeMappings map[string][]string
	defaultLimit int

	aggOpts []report.Option
}

// Option configures an API.
type Option func(*API)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithEmbedder enables semantic search and write-time embedding.
func WithEmbedder(e engram.EmbeddingProvider) Option {
	return func(a *API) { a.embedder = e }
}

// WithKeySet sets the category set used to normalize and validate keys.
func WithKeySet(ks *engram.KeySet) Option {
	return func(a *API) { a.keys = ks }
}

// WithTypeMappings sets the search type-tag to key-prefix mapping.
func WithTypeMappings(m map[string][]string) Option {
	return func(a *API) { a.typeMappings = m }
}

// WithAggregatorOptions forwards options to the digest aggregator.
func WithAggregatorOptions(opts ...report.Option) Option {
	return func(a *API) { a.aggOpts = opts }
}

// New creates the API surface over store.
func New(store engram.Store, opts ...Option) *API {
	a := &API{
		store:        store,
		defaultLimit: 20,
		typeMappings: DefaultTypeMappings(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = engram.NopLogger()
	}
	if a.keys == nil {
		a.keys = engram.NewKeySet(nil)
	}
	return a
}

// DefaultTypeMappings resolves the search type tags to key prefixes.
// "all" and the empty tag apply no constraint.
func DefaultTypeMappings() map[string][]string {
	return map[string][]string{
		"fact":     {"user.", "project.", "knowledge."},
		"pref":     {"preference."},
		"entity":   {"person.", "organization.", "place."},
		"event":    {"event.", "task."},
		"agent":    {"agent."},
		"inferred": {"inferred."},
		"error":    {"agent.case."},
	}
}

// Digest builds the layered digest of the active set.
func (a *API) Digest(ctx context.Context) (report.Digest, error) {
	agg := report.New(a.store, append([]report.Option{report.WithLogger(a.logger)}, a.aggOpts...)...)
	return agg.Build(ctx)
}

// Summary returns the digest's compact one-line description of the
// active set: date, total facts, top categories.
func (a *API) Summary(ctx context.Context) (string, error) {
	digest, err := a.Digest(ctx)
	if err != nil {
		return "", fmt.Errorf("build digest: %w", err)
	}
	return digest.Summary, nil
}

// SearchRequest is the caller-facing search form. Type is a tag resolved
// through the configured type mappings into key-prefix constraints.
type SearchRequest struct {
	Prefix   string
	Keys     []string
	Text     string
	Semantic string
	Limit    int
	Type     string
	Filters  engram.SearchFilters
}

// Search runs a hybrid query. A semantic query is embedded first when an
// embedder is configured; otherwise it degrades to keyword search over
// the same text.
func (a *API) Search(ctx context.Context, req SearchRequest) ([]engram.SearchResult, error) {
	q := engram.SearchQuery{
		Prefix:   req.Prefix,
		Keys:     req.Keys,
		Text:     req.Text,
		Semantic: req.Semantic,
		Limit:    req.Limit,
		Filters:  req.Filters,
	}
	if q.Limit <= 0 {
		q.Limit = a.defaultLimit
	}

	if req.Type != "" && req.Type != "all" {
		prefixes, ok := a.typeMappings[req.Type]
		if !ok {
			return nil, fmt.Errorf("unknown search type %q", req.Type)
		}
		q.Filters.TypePrefixes = prefixes
	}

	var queryVec []float32
	if q.Semantic != "" {
		if a.embedder == nil {
			a.logger.Debug("api: no embedder, semantic query degraded to keyword")
			if q.Text == "" {
				q.Text = q.Semantic
			}
			q.Semantic = ""
		} else {
			vecs, err := a.embedder.Embed(ctx, []string{q.Semantic})
			if err != nil {
				return nil, fmt.Errorf("embed query: %w", err)
			}
			if len(vecs) == 1 {
				queryVec = vecs[0]
			}
		}
	}

	return a.store.Search(ctx, q, queryVec)
}

// Store upserts a fact under a normalized key and embeds it immediately
// when an embedder is configured. source tags provenance, e.g.
// "mcp:store" or "cli:store".
func (a *API) Store(ctx context.Context, key, value, source string) (engram.UpsertOutcome, error) {
	key = a.keys.Normalize(key)
	if err := a.keys.Validate(key); err != nil {
		return engram.UpsertSkipped, err
	}

	fact := engram.Fact{
		Key:       key,
		Value:     engram.NormalizeValue(value),
		Source:    source,
		StartTime: engram.NowUTC(),
	}
	outcome, err := a.store.Upsert(ctx, fact)
	if err != nil {
		return outcome, fmt.Errorf("upsert %s: %w", key, err)
	}

	if a.embedder != nil && outcome != engram.UpsertSkipped {
		vecs, err := a.embedder.Embed(ctx, []string{key + ": " + fact.Value})
		if err != nil {
			// The row stays queued for the next embedding pass.
			a.logger.Warn("api: write-time embedding failed", "key", key, "error", err)
		} else if len(vecs) == 1 {
			if err := a.store.SetEmbedding(ctx, key, fact.StartTime, vecs[0]); err != nil {
				a.logger.Warn("api: embedding not attached", "key", key, "error", err)
			}
		}
	}

	a.logger.Info("api: fact stored", "key", key, "outcome", outcome.String(), "source", source)
	return outcome, nil
}

// ListInstincts returns all stored instincts.
func (a *API) ListInstincts(ctx context.Context) ([]learning.Instinct, error) {
	return a.learner().LoadInstincts(ctx)
}

// ShowInstinct returns the instinct matching name, which may be the full
// store key or the bare instinct name.
func (a *API) ShowInstinct(ctx context.Context, name string) (learning.Instinct, error) {
	instincts, err := a.learner().LoadInstincts(ctx)
	if err != nil {
		return learning.Instinct{}, err
	}
	for _, inst := range instincts {
		if inst.Name == name || inst.Key() == name {
			return inst, nil
		}
	}
	return learning.Instinct{}, fmt.Errorf("instinct %q: %w", name, engram.ErrNotFound)
}

// DeleteInstinct closes the instinct's active row. name may be the full
// store key or the bare instinct name.
func (a *API) DeleteInstinct(ctx context.Context, name string) error {
	key := name
	if !strings.HasPrefix(key, "agent.instinct.") {
		inst, err := a.ShowInstinct(ctx, name)
		if err != nil {
			return err
		}
		key = inst.Key()
	}
	if err := a.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	a.logger.Info("api: instinct deleted", "key", key)
	return nil
}

// ExtractInstincts synthesizes instincts from stored cases and patterns.
// minConfidence ≤ 0 keeps the default floor; persist upserts the result
// so reruns supersede.
func (a *API) ExtractInstincts(ctx context.Context, minConfidence float64, persist bool) ([]learning.Instinct, error) {
	opts := []learning.Option{learning.WithLogger(a.logger)}
	if minConfidence > 0 {
		opts = append(opts, learning.WithMinConfidence(minConfidence))
	}
	return learning.New(a.store, opts...).ExtractInstincts(ctx, persist)
}

// InjectableContext returns the compact session-start injection payload:
// the digest summary line followed by the high-confidence instincts.
func (a *API) InjectableContext(ctx context.Context) (string, error) {
	summary, err := a.Summary(ctx)
	if err != nil {
		return "", err
	}
	instincts, err := a.learner().Injectable(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(summary)
	for _, inst := range instincts {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("instinct[%.1f] %s: %s", inst.Confidence, inst.Trigger, inst.Action))
	}
	return b.String(), nil
}

func (a *API) learner() *learning.Extractor {
	return learning.New(a.store, learning.WithLogger(a.logger))
}
