package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/engram-sh/engram"
	"github.com/engram-sh/engram/dedup"
	"github.com/engram-sh/engram/extract"
	"github.com/engram-sh/engram/internal/sysmem"
)

// Session is one transcript queued for consolidation. ModTime is the
// source file's modification time, compared against the ledger to decide
// whether the session needs (re)processing. Err carries a load failure:
// the run records the source as failed without stopping, and a malformed
// transcript is still ledgered so it cannot poison future runs.
type Session struct {
	Conversation engram.Conversation
	ModTime      time.Time
	Err          error
}

// Metrics receives pipeline telemetry. The observer package provides an
// OTEL-backed implementation; a nil Metrics disables recording.
type Metrics interface {
	StageDuration(ctx context.Context, stage string, d time.Duration)
	FactsCommitted(ctx context.Context, outcome string, n int)
	DedupDecision(ctx context.Context, action string)
}

// Report summarizes one pipeline run.
type Report struct {
	SourcesSeen    int
	SourcesSkipped int // already in the ledger
	SourcesFailed  int
	SourcesDone    int

	FactsExtracted int
	Created        int
	Superseded     int
	Unchanged      int // value already active
	Merged         int
	DedupSkipped   int

	Embedded int
}

// Pipeline runs consolidation over queued sessions.
type Pipeline struct {
	store     engram.Store
	extractor *extract.Extractor
	deduper   *dedup.Deduper
	embedder  engram.EmbeddingProvider
	ledger    *Ledger
	logger    *slog.Logger
	metrics   Metrics

	maxSessions    int
	minFreeMB      int
	embedBatchSize int
	freeMB         func() (int, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a structured logger for per-stage progress.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics wires a telemetry sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMaxSessions caps the sessions consumed per run (default 50).
func WithMaxSessions(n int) Option {
	return func(p *Pipeline) { p.maxSessions = n }
}

// WithMinFreeMB sets the memory preflight floor in MiB. A run refuses to
// start below the floor. Zero disables the check (default 512).
func WithMinFreeMB(n int) Option {
	return func(p *Pipeline) { p.minFreeMB = n }
}

// WithEmbedBatchSize overrides the embedding batch size (default 100).
func WithEmbedBatchSize(n int) Option {
	return func(p *Pipeline) { p.embedBatchSize = n }
}

// WithEmbedder wires the embedding provider for the post-commit embed
// stage. Without one, facts stay unembedded until a later run.
func WithEmbedder(e engram.EmbeddingProvider) Option {
	return func(p *Pipeline) { p.embedder = e }
}

// ErrLowMemory is returned when the preflight memory check fails. It
// wraps ErrResourceExhausted so callers can map it to a transient exit.
var ErrLowMemory = fmt.Errorf("%w: not enough available memory", engram.ErrResourceExhausted)

// New assembles a Pipeline.
func New(store engram.Store, extractor *extract.Extractor, deduper *dedup.Deduper, ledger *Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:          store,
		extractor:      extractor,
		deduper:        deduper,
		ledger:         ledger,
		maxSessions:    50,
		minFreeMB:      512,
		embedBatchSize: 100,
		freeMB:         sysmem.AvailableMB,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = engram.NopLogger()
	}
	return p
}

// Run consolidates queued sessions oldest first, then embeds any active
// facts still missing vectors. Individual session failures are recorded
// and do not stop the run.
func (p *Pipeline) Run(ctx context.Context, sessions []Session) (Report, error) {
	runStart := time.Now()
	var rep Report

	if p.minFreeMB > 0 {
		free, err := p.freeMB()
		if err != nil {
			p.logger.Warn("pipeline: memory preflight unavailable, proceeding", "error", err)
		} else if free < p.minFreeMB {
			p.logger.Error("pipeline: memory preflight failed", "free_mb", free, "min_mb", p.minFreeMB)
			return rep, fmt.Errorf("%w: %d MiB free, need %d", ErrLowMemory, free, p.minFreeMB)
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].ModTime.Before(sessions[j].ModTime)
	})

	processed := 0
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.SourcesSeen++
		id := sess.Conversation.SourceID

		if p.ledger.Processed(id, sess.ModTime) {
			rep.SourcesSkipped++
			continue
		}
		if processed >= p.maxSessions {
			p.logger.Info("pipeline: session cap reached", "cap", p.maxSessions)
			break
		}
		processed++

		if err := p.runSession(ctx, sess, &rep); err != nil {
			rep.SourcesFailed++
			p.logger.Error("pipeline: session failed", "source", id, "error", err)
			var malformed *engram.ErrMalformedTranscript
			if errors.As(err, &malformed) {
				// A permanently broken transcript is recorded so it does
				// not poison every future run.
				if lerr := p.ledger.Record(id, sess.ModTime); lerr != nil {
					p.logger.Error("pipeline: ledger record failed", "source", id, "error", lerr)
				}
			}
			continue
		}
		if err := p.ledger.Record(id, sess.ModTime); err != nil {
			return rep, fmt.Errorf("record ledger: %w", err)
		}
		rep.SourcesDone++
	}

	if p.embedder != nil {
		n, err := p.embedMissing(ctx)
		rep.Embedded = n
		if err != nil {
			p.logger.Warn("pipeline: embedding pass incomplete", "embedded", n, "error", err)
		}
	}

	p.stageDone(ctx, "run", runStart)
	p.logger.Info("pipeline: run completed",
		"seen", rep.SourcesSeen, "done", rep.SourcesDone, "skipped", rep.SourcesSkipped,
		"failed", rep.SourcesFailed, "created", rep.Created, "superseded", rep.Superseded,
		"merged", rep.Merged, "dedup_skipped", rep.DedupSkipped, "embedded", rep.Embedded,
		"duration", time.Since(runStart))
	return rep, nil
}

func (p *Pipeline) runSession(ctx context.Context, sess Session, rep *Report) error {
	if sess.Err != nil {
		return sess.Err
	}
	extractStart := time.Now()
	raw, err := p.extractor.Extract(ctx, sess.Conversation)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	p.stageDone(ctx, "extract", extractStart)
	rep.FactsExtracted += len(raw)

	alignStart := time.Now()
	facts := Align(raw, sess.Conversation.StartTime())
	p.stageDone(ctx, "align", alignStart)

	commitStart := time.Now()
	for _, fact := range facts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.commit(ctx, fact, rep); err != nil {
			return fmt.Errorf("commit %s: %w", fact.Key, err)
		}
	}
	p.stageDone(ctx, "commit", commitStart)
	return nil
}

// commit writes one aligned fact. An exact active key goes straight to
// Upsert; anything else is routed through semantic dedup first.
func (p *Pipeline) commit(ctx context.Context, fact engram.Fact, rep *Report) error {
	_, err := p.store.Active(ctx, fact.Key)
	exactMatch := err == nil
	if err != nil && !errors.Is(err, engram.ErrNotFound) {
		return err
	}

	if !exactMatch && p.deduper != nil {
		decision, err := p.deduper.Resolve(ctx, engram.RawFact{
			Key: fact.Key, Value: fact.Value, Source: fact.Source, ObservedAt: fact.StartTime,
		})
		if err != nil {
			return err
		}
		p.dedupDecision(ctx, string(decision.Action))
		switch decision.Action {
		case dedup.ActionSkip:
			rep.DedupSkipped++
			return nil
		case dedup.ActionMerge:
			outcome, err := p.store.ApplyMerge(ctx, decision.TargetKey, fact)
			if err != nil {
				return err
			}
			rep.Merged++
			p.countOutcome(ctx, outcome, rep)
			return nil
		}
	}

	outcome, err := p.store.Upsert(ctx, fact)
	if err != nil {
		return err
	}
	p.countOutcome(ctx, outcome, rep)
	return nil
}

func (p *Pipeline) countOutcome(ctx context.Context, outcome engram.UpsertOutcome, rep *Report) {
	switch outcome {
	case engram.UpsertCreated:
		rep.Created++
	case engram.UpsertSuperseded:
		rep.Superseded++
	case engram.UpsertSkipped:
		rep.Unchanged++
	}
	if p.metrics != nil {
		p.metrics.FactsCommitted(ctx, outcome.String(), 1)
	}
}

// embedMissing fills vectors for active facts in batches.
func (p *Pipeline) embedMissing(ctx context.Context) (int, error) {
	start := time.Now()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		facts, err := p.store.MissingEmbeddings(ctx, p.embedBatchSize)
		if err != nil {
			return total, err
		}
		if len(facts) == 0 {
			break
		}

		texts := make([]string, len(facts))
		for i, f := range facts {
			texts[i] = f.Key + ": " + f.Value
		}
		vecs, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != len(facts) {
			return total, fmt.Errorf("embed batch: got %d vectors for %d facts", len(vecs), len(facts))
		}
		for i, f := range facts {
			if err := p.store.SetEmbedding(ctx, f.Key, f.StartTime, vecs[i]); err != nil {
				// The row may have been superseded mid-run; skip it.
				if errors.Is(err, engram.ErrNotFound) {
					continue
				}
				return total, err
			}
			total++
		}
		if len(facts) < p.embedBatchSize {
			break
		}
	}
	p.stageDone(ctx, "embed", start)
	return total, nil
}

func (p *Pipeline) stageDone(ctx context.Context, stage string, start time.Time) {
	d := time.Since(start)
	p.logger.Debug("pipeline: stage done", "stage", stage, "duration", d)
	if p.metrics != nil {
		p.metrics.StageDuration(ctx, stage, d)
	}
}

func (p *Pipeline) dedupDecision(ctx context.Context, action string) {
	if p.metrics != nil {
		p.metrics.DedupDecision(ctx, action)
	}
}
