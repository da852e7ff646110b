// Package postgres implements engram.Store using PostgreSQL with pgvector
// for native vector similarity search and tsvector for full-text keyword
// search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/engram-sh/engram"
)

// Store implements engram.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool   *pgxpool.Pool
	cfg    pgConfig
	logger *slog.Logger
	tuning engram.SearchTuning
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(s *Store) { s.cfg.embeddingDimension = dim }
}

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSearchTuning overrides the hybrid fusion parameters.
func WithSearchTuning(t engram.SearchTuning) Option {
	return func(s *Store) { s.tuning = t }
}

var _ engram.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: engram.NopLogger(), tuning: engram.DefaultSearchTuning()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// Init creates the pgvector extension, the facts table, and indexes, then
// repairs duplicate open rows left by a crash. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS facts (
			id BIGSERIAL PRIMARY KEY,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL,
			start_ms BIGINT NOT NULL,
			end_ms BIGINT,
			embedding %s,
			UNIQUE(key, start_ms)
		)`, s.vectorType()),
		`CREATE INDEX IF NOT EXISTS facts_key_idx ON facts(key)`,
		`CREATE INDEX IF NOT EXISTS facts_active_idx ON facts(key) WHERE end_ms IS NULL`,
		`CREATE INDEX IF NOT EXISTS facts_fts_idx ON facts
			USING gin(to_tsvector('english', key || ' ' || value))`,

		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	// HNSW requires a typed vector column.
	if s.cfg.embeddingDimension > 0 {
		if _, err := s.pool.Exec(ctx,
			`CREATE INDEX IF NOT EXISTS facts_embedding_idx ON facts USING hnsw (embedding vector_cosine_ops)`); err != nil {
			return fmt.Errorf("postgres: create hnsw index: %w", err)
		}
	}

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("postgres: recover: %w", err)
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// recover closes duplicate open rows: for each key the latest start stays
// active, the rest are closed at that instant.
func (s *Store) recover(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE facts f SET end_ms = m.latest
		 FROM (SELECT key, MAX(start_ms) AS latest
		       FROM facts WHERE end_ms IS NULL
		       GROUP BY key HAVING COUNT(*) > 1) m
		 WHERE f.key = m.key AND f.end_ms IS NULL AND f.start_ms < m.latest`)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		s.logger.Warn("postgres: repaired duplicate open rows", "closed", tag.RowsAffected())
	}
	return nil
}

// Upsert writes a fact with the supersession rules of engram.Store.
func (s *Store) Upsert(ctx context.Context, fact engram.Fact) (engram.UpsertOutcome, error) {
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	startMs := fact.StartTime.UnixMilli()

	var activeID, activeStart int64
	var activeValue string
	err = tx.QueryRow(ctx,
		`SELECT id, value, start_ms FROM facts WHERE key = $1 AND end_ms IS NULL FOR UPDATE`,
		fact.Key).Scan(&activeID, &activeValue, &activeStart)
	hasActive := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres: read active row: %w", err)
	}

	if hasActive && activeValue == fact.Value {
		return engram.UpsertSkipped, nil
	}
	if hasActive && startMs <= activeStart {
		startMs = activeStart + 1
	}

	if hasActive {
		if _, err := tx.Exec(ctx, `UPDATE facts SET end_ms = $1 WHERE id = $2`, startMs, activeID); err != nil {
			return 0, fmt.Errorf("postgres: close active row: %w", err)
		}
	}

	if len(fact.Embedding) > 0 {
		if err := s.checkDimTx(ctx, tx, len(fact.Embedding)); err != nil {
			return 0, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO facts (key, value, source, start_ms, end_ms, embedding)
			 VALUES ($1, $2, $3, $4, NULL, $5::vector)`,
			fact.Key, fact.Value, fact.Source, startMs, serializeEmbedding(fact.Embedding))
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO facts (key, value, source, start_ms, end_ms, embedding)
			 VALUES ($1, $2, $3, $4, NULL, NULL)`,
			fact.Key, fact.Value, fact.Source, startMs)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: insert fact: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit tx: %w", err)
	}
	outcome := engram.UpsertCreated
	if hasActive {
		outcome = engram.UpsertSuperseded
	}
	s.logger.Debug("postgres: upsert ok", "key", fact.Key, "outcome", outcome.String(), "duration", time.Since(start))
	return outcome, nil
}

// ApplyMerge is Upsert redirected to targetKey.
func (s *Store) ApplyMerge(ctx context.Context, targetKey string, fact engram.Fact) (engram.UpsertOutcome, error) {
	fact.Key = targetKey
	return s.Upsert(ctx, fact)
}

const factColumns = `key, value, source, start_ms, end_ms, embedding::text`

// Active returns the active fact for key, or engram.ErrNotFound.
func (s *Store) Active(ctx context.Context, key string) (engram.Fact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+factColumns+` FROM facts WHERE key = $1 AND end_ms IS NULL`, key)
	f, err := scanFact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engram.Fact{}, engram.ErrNotFound
	}
	if err != nil {
		return engram.Fact{}, fmt.Errorf("postgres: get active fact: %w", err)
	}
	return f, nil
}

// ActivePrefix returns active facts whose key starts with prefix, by key.
func (s *Store) ActivePrefix(ctx context.Context, prefix string) ([]engram.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE end_ms IS NULL AND key LIKE $1 ESCAPE '\'
		 ORDER BY key`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("postgres: active prefix: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// History returns all rows for key, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]engram.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts WHERE key = $1 ORDER BY start_ms`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// SetEmbedding attaches a vector to the active row identified by (key, start).
func (s *Store) SetEmbedding(ctx context.Context, key string, start time.Time, vec []float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.checkDimTx(ctx, tx, len(vec)); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE facts SET embedding = $1::vector WHERE key = $2 AND start_ms = $3 AND end_ms IS NULL`,
		serializeEmbedding(vec), key, start.UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: set embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engram.ErrNotFound
	}
	return tx.Commit(ctx)
}

// checkDimTx enforces a single embedding dimension per store.
func (s *Store) checkDimTx(ctx context.Context, tx pgx.Tx, dim int) error {
	var stored string
	err := tx.QueryRow(ctx, `SELECT value FROM meta WHERE key = 'embedding_dim'`).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `INSERT INTO meta (key, value) VALUES ('embedding_dim', $1)`, strconv.Itoa(dim))
		if err != nil {
			return fmt.Errorf("postgres: record embedding dim: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("postgres: read embedding dim: %w", err)
	}
	want, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("postgres: parse embedding dim %q: %w", stored, err)
	}
	if want != dim {
		return &engram.ErrDimensionMismatch{Want: want, Got: dim}
	}
	return nil
}

// MissingEmbeddings returns up to limit active facts without vectors.
func (s *Store) MissingEmbeddings(ctx context.Context, limit int) ([]engram.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE end_ms IS NULL AND embedding IS NULL
		 ORDER BY start_ms LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: missing embeddings: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Embedded returns active facts that carry vectors.
func (s *Store) Embedded(ctx context.Context) ([]engram.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE end_ms IS NULL AND embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("postgres: embedded facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Delete closes the active row for key now. History is preserved.
func (s *Store) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE facts SET end_ms = $1 WHERE key = $2 AND end_ms IS NULL`,
		engram.NowUTC().UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engram.ErrNotFound
	}
	return nil
}

// CountActive returns the size of the active set.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM facts WHERE end_ms IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- helpers ---

func likePrefix(prefix string) string {
	var b []byte
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			b = append(b, '\\')
		}
		b = append(b, prefix[i])
	}
	return string(b) + "%"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(r rowScanner) (engram.Fact, error) {
	var f engram.Fact
	var startMs int64
	var endMs *int64
	var embText *string
	if err := r.Scan(&f.Key, &f.Value, &f.Source, &startMs, &endMs, &embText); err != nil {
		return engram.Fact{}, err
	}
	f.StartTime = time.UnixMilli(startMs).UTC()
	if endMs != nil {
		t := time.UnixMilli(*endMs).UTC()
		f.EndTime = &t
	}
	if embText != nil {
		f.Embedding, _ = deserializeEmbedding(*embText)
	}
	return f, nil
}

func scanFacts(rows pgx.Rows) ([]engram.Fact, error) {
	var facts []engram.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate facts: %w", err)
	}
	return facts, nil
}

// serializeEmbedding converts []float32 to pgvector's text form "[1,2,3]".
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses pgvector's text form back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
