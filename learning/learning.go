package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/engram-sh/engram"
)

const (
	casePrefix     = "agent.case."
	patternPrefix  = "agent.pattern."
	instinctPrefix = "agent.instinct."
)

// Extractor persists learning records through a Store and synthesizes
// instincts from what is already there.
type Extractor struct {
	store         engram.Store
	logger        *slog.Logger
	minConfidence float64
	now           func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// WithMinConfidence overrides the synthesis confidence floor
// (default 0.5).
func WithMinConfidence(c float64) Option {
	return func(e *Extractor) { e.minConfidence = c }
}

// New creates an Extractor over the given store.
func New(store engram.Store, opts ...Option) *Extractor {
	e := &Extractor{
		store:         store,
		minConfidence: DefaultMinConfidence,
		now:           engram.NowUTC,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = engram.NopLogger()
	}
	return e
}

// LearnSession mines one session's events for cases and patterns and
// persists both. Case and pattern keys are stable, so re-mining the same
// session supersedes earlier records instead of duplicating them.
func (e *Extractor) LearnSession(ctx context.Context, events []Event) (int, error) {
	cases := ExtractCases(events)
	patterns := ExtractPatterns(events)

	for _, c := range cases {
		value, err := EncodeRecord(c)
		if err != nil {
			return 0, err
		}
		start := c.ObservedAt
		if start.IsZero() {
			start = e.now()
		}
		if _, err := e.store.Upsert(ctx, engram.Fact{
			Key: c.Key(), Value: value, Source: "learning", StartTime: start,
		}); err != nil {
			return 0, fmt.Errorf("store case %s: %w", c.Key(), err)
		}
	}
	for _, p := range patterns {
		value, err := EncodeRecord(p)
		if err != nil {
			return 0, err
		}
		if _, err := e.store.Upsert(ctx, engram.Fact{
			Key: p.Key(), Value: value, Source: "learning", StartTime: e.now(),
		}); err != nil {
			return 0, fmt.Errorf("store pattern %s: %w", p.Key(), err)
		}
	}

	e.logger.Debug("learning: session mined",
		"cases", len(cases), "patterns", len(patterns))
	return len(cases) + len(patterns), nil
}

// LoadCases decodes all active cases; undecodable rows are skipped with a
// warning rather than failing the synthesis.
func (e *Extractor) LoadCases(ctx context.Context) ([]Case, error) {
	facts, err := e.store.ActivePrefix(ctx, casePrefix)
	if err != nil {
		return nil, fmt.Errorf("load cases: %w", err)
	}
	var out []Case
	for _, f := range facts {
		c, err := DecodeCase(f.Value)
		if err != nil {
			e.logger.Warn("learning: skipping bad case row", "key", f.Key, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadPatterns decodes all active patterns.
func (e *Extractor) LoadPatterns(ctx context.Context) ([]Pattern, error) {
	facts, err := e.store.ActivePrefix(ctx, patternPrefix)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	var out []Pattern
	for _, f := range facts {
		p, err := DecodePattern(f.Value)
		if err != nil {
			e.logger.Warn("learning: skipping bad pattern row", "key", f.Key, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ExtractInstincts synthesizes instincts from the stored cases and
// patterns. With persist set, each instinct is upserted so a rerun
// supersedes rather than duplicates.
func (e *Extractor) ExtractInstincts(ctx context.Context, persist bool) ([]Instinct, error) {
	cases, err := e.LoadCases(ctx)
	if err != nil {
		return nil, err
	}
	patterns, err := e.LoadPatterns(ctx)
	if err != nil {
		return nil, err
	}

	instincts := Synthesize(cases, patterns, e.minConfidence)
	if persist {
		for _, inst := range instincts {
			value, err := EncodeRecord(inst)
			if err != nil {
				return nil, err
			}
			if _, err := e.store.Upsert(ctx, engram.Fact{
				Key: inst.Key(), Value: value, Source: "learning", StartTime: e.now(),
			}); err != nil {
				return nil, fmt.Errorf("store instinct %s: %w", inst.Key(), err)
			}
		}
	}

	e.logger.Info("learning: instincts synthesized",
		"cases", len(cases), "patterns", len(patterns),
		"instincts", len(instincts), "persisted", persist)
	return instincts, nil
}

// LoadInstincts returns all stored instincts, skipping undecodable rows
// with a warning.
func (e *Extractor) LoadInstincts(ctx context.Context) ([]Instinct, error) {
	facts, err := e.store.ActivePrefix(ctx, instinctPrefix)
	if err != nil {
		return nil, fmt.Errorf("load instincts: %w", err)
	}
	var out []Instinct
	for _, f := range facts {
		inst, err := InstinctFromFact(f)
		if err != nil {
			e.logger.Warn("learning: skipping bad instinct row", "key", f.Key, "error", err)
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Injectable returns stored instincts strong enough for session-start
// context injection (confidence at or above 0.6).
func (e *Extractor) Injectable(ctx context.Context) ([]Instinct, error) {
	all, err := e.LoadInstincts(ctx)
	if err != nil {
		return nil, err
	}
	var out []Instinct
	for _, inst := range all {
		if inst.Confidence >= InjectMinConfidence {
			out = append(out, inst)
		}
	}
	return out, nil
}
