// Package sqlite implements engram.Store using pure-Go SQLite with an FTS5
// full-text index and in-process brute-force vector search. Zero CGO required.
//
// Swap in a different backend (e.g. Postgres) by implementing engram.Store
// with your own package.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/engram-sh/engram"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithSearchTuning overrides the hybrid fusion parameters.
func WithSearchTuning(t engram.SearchTuning) StoreOption {
	return func(s *Store) { s.tuning = t }
}

// Store implements engram.Store backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	tuning engram.SearchTuning
}

var _ engram.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: engram.NopLogger(), tuning: engram.DefaultSearchTuning()}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the schema and repairs any inconsistency left by a crash:
// a key with more than one open row keeps the latest start active and the
// rest are closed at that instant, and the FTS index is rebuilt to mirror
// the active set exactly.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER,
			embedding TEXT,
			UNIQUE(key, start_ms)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_key ON facts(key)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_active ON facts(key) WHERE end_ms IS NULL`)

	// FTS5 full-text index over the active set.
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(key, value, fact_id UNINDEXED)`); err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// recover closes duplicate open rows and reconciles the FTS mirror.
func (s *Store) recover(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Keys with more than one open row: keep the latest start open, close
	// the others at that start.
	rows, err := tx.QueryContext(ctx,
		`SELECT key, MAX(start_ms) FROM facts WHERE end_ms IS NULL GROUP BY key HAVING COUNT(*) > 1`)
	if err != nil {
		return fmt.Errorf("find duplicate open rows: %w", err)
	}
	type dup struct {
		key    string
		latest int64
	}
	var dups []dup
	for rows.Next() {
		var d dup
		if err := rows.Scan(&d.key, &d.latest); err != nil {
			rows.Close()
			return fmt.Errorf("scan duplicate: %w", err)
		}
		dups = append(dups, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate duplicates: %w", err)
	}

	for _, d := range dups {
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET end_ms = ? WHERE key = ? AND end_ms IS NULL AND start_ms < ?`,
			d.latest, d.key, d.latest); err != nil {
			return fmt.Errorf("close duplicate rows for %s: %w", d.key, err)
		}
		s.logger.Warn("sqlite: repaired duplicate open rows", "key", d.key)
	}

	// Rebuild the FTS mirror: drop entries for closed rows, add missing
	// entries for active rows.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM facts_fts WHERE fact_id NOT IN (SELECT id FROM facts WHERE end_ms IS NULL)`); err != nil {
		return fmt.Errorf("prune fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO facts_fts(key, value, fact_id)
		 SELECT key, value, id FROM facts
		 WHERE end_ms IS NULL AND id NOT IN (SELECT fact_id FROM facts_fts)`); err != nil {
		return fmt.Errorf("backfill fts: %w", err)
	}

	return tx.Commit()
}

// Upsert writes a fact. Same value as the active row is a no-op; otherwise
// the active row is closed at the new fact's start and the new row inserted,
// all in one transaction.
func (s *Store) Upsert(ctx context.Context, fact engram.Fact) (engram.UpsertOutcome, error) {
	start := time.Now()
	s.logger.Debug("sqlite: upsert", "key", fact.Key, "source", fact.Source)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	outcome, err := s.upsertTx(ctx, tx, fact)
	if err != nil {
		s.logger.Error("sqlite: upsert failed", "key", fact.Key, "error", err, "duration", time.Since(start))
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: upsert ok", "key", fact.Key, "outcome", outcome.String(), "duration", time.Since(start))
	return outcome, nil
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, fact engram.Fact) (engram.UpsertOutcome, error) {
	startMs := fact.StartTime.UnixMilli()

	var activeID, activeStart int64
	var activeValue string
	err := tx.QueryRowContext(ctx,
		`SELECT id, value, start_ms FROM facts WHERE key = ? AND end_ms IS NULL`,
		fact.Key).Scan(&activeID, &activeValue, &activeStart)
	hasActive := err == nil
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read active row: %w", err)
	}

	if hasActive && activeValue == fact.Value {
		return engram.UpsertSkipped, nil
	}

	// Start times per key are strictly increasing. An out-of-order or
	// equal start is clamped just past the active row's start.
	if hasActive && startMs <= activeStart {
		startMs = activeStart + 1
	}

	var embJSON *string
	if len(fact.Embedding) > 0 {
		if err := s.checkDimTx(ctx, tx, len(fact.Embedding)); err != nil {
			return 0, err
		}
		v := serializeEmbedding(fact.Embedding)
		embJSON = &v
	}

	if hasActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET end_ms = ? WHERE id = ?`, startMs, activeID); err != nil {
			return 0, fmt.Errorf("close active row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM facts_fts WHERE fact_id = ?`, activeID); err != nil {
			return 0, fmt.Errorf("delete fts row: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO facts (key, value, source, start_ms, end_ms, embedding)
		 VALUES (?, ?, ?, ?, NULL, ?)`,
		fact.Key, fact.Value, fact.Source, startMs, embJSON)
	if err != nil {
		return 0, fmt.Errorf("insert fact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO facts_fts(key, value, fact_id) VALUES (?, ?, ?)`,
		fact.Key, fact.Value, id); err != nil {
		return 0, fmt.Errorf("insert fts row: %w", err)
	}

	if hasActive {
		return engram.UpsertSuperseded, nil
	}
	return engram.UpsertCreated, nil
}

// ApplyMerge is Upsert redirected to targetKey.
func (s *Store) ApplyMerge(ctx context.Context, targetKey string, fact engram.Fact) (engram.UpsertOutcome, error) {
	fact.Key = targetKey
	return s.Upsert(ctx, fact)
}

// Active returns the active fact for key, or engram.ErrNotFound.
func (s *Store) Active(ctx context.Context, key string) (engram.Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, source, start_ms, end_ms, embedding
		 FROM facts WHERE key = ? AND end_ms IS NULL`, key)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return engram.Fact{}, engram.ErrNotFound
	}
	if err != nil {
		return engram.Fact{}, fmt.Errorf("get active fact: %w", err)
	}
	return f, nil
}

// ActivePrefix returns active facts whose key starts with prefix, ordered by
// key. An empty prefix returns the whole active set.
func (s *Store) ActivePrefix(ctx context.Context, prefix string) ([]engram.Fact, error) {
	start := time.Now()
	s.logger.Debug("sqlite: active prefix", "prefix", prefix)

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, source, start_ms, end_ms, embedding
		 FROM facts
		 WHERE end_ms IS NULL AND key LIKE ? ESCAPE '\'
		 ORDER BY key`,
		likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("active prefix: %w", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: active prefix ok", "prefix", prefix, "count", len(facts), "duration", time.Since(start))
	return facts, nil
}

// History returns all rows for key, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]engram.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, source, start_ms, end_ms, embedding
		 FROM facts WHERE key = ? ORDER BY start_ms`, key)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// SetEmbedding attaches a vector to the row identified by (key, start).
// Only active rows accept vectors; closed history stays as written.
func (s *Store) SetEmbedding(ctx context.Context, key string, start time.Time, vec []float32) error {
	t0 := time.Now()
	s.logger.Debug("sqlite: set embedding", "key", key, "dim", len(vec))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.checkDimTx(ctx, tx, len(vec)); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE facts SET embedding = ? WHERE key = ? AND start_ms = ? AND end_ms IS NULL`,
		serializeEmbedding(vec), key, start.UnixMilli())
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return engram.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: set embedding ok", "key", key, "duration", time.Since(t0))
	return nil
}

// checkDimTx enforces a single embedding dimension per store. The first
// vector written fixes the dimension in the meta table.
func (s *Store) checkDimTx(ctx context.Context, tx *sql.Tx, dim int) error {
	var stored string
	err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'embedding_dim'`).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('embedding_dim', ?)`, strconv.Itoa(dim))
		if err != nil {
			return fmt.Errorf("record embedding dim: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read embedding dim: %w", err)
	}
	want, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("parse embedding dim %q: %w", stored, err)
	}
	if want != dim {
		return &engram.ErrDimensionMismatch{Want: want, Got: dim}
	}
	return nil
}

// MissingEmbeddings returns up to limit active facts without vectors.
func (s *Store) MissingEmbeddings(ctx context.Context, limit int) ([]engram.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, source, start_ms, end_ms, embedding
		 FROM facts WHERE end_ms IS NULL AND embedding IS NULL
		 ORDER BY start_ms LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("missing embeddings: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Embedded returns active facts that carry vectors.
func (s *Store) Embedded(ctx context.Context) ([]engram.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, source, start_ms, end_ms, embedding
		 FROM facts WHERE end_ms IS NULL AND embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("embedded facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Delete closes the active row for key now and removes it from the indexes.
// History is preserved.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete", "key", key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM facts WHERE key = ? AND end_ms IS NULL`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return engram.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read active row: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET end_ms = ? WHERE id = ?`, engram.NowUTC().UnixMilli(), id); err != nil {
		return fmt.Errorf("close row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM facts_fts WHERE fact_id = ?`, id); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete ok", "key", key, "duration", time.Since(start))
	return nil
}

// CountActive returns the size of the active set.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE end_ms IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- scanning and vector helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(r rowScanner) (engram.Fact, error) {
	var f engram.Fact
	var startMs int64
	var endMs sql.NullInt64
	var embJSON sql.NullString
	if err := r.Scan(&f.Key, &f.Value, &f.Source, &startMs, &endMs, &embJSON); err != nil {
		return engram.Fact{}, err
	}
	f.StartTime = time.UnixMilli(startMs).UTC()
	if endMs.Valid {
		t := time.UnixMilli(endMs.Int64).UTC()
		f.EndTime = &t
	}
	if embJSON.Valid {
		f.Embedding, _ = deserializeEmbedding(embJSON.String)
	}
	return f, nil
}

func scanFacts(rows *sql.Rows) ([]engram.Fact, error) {
	var facts []engram.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// likePrefix builds a LIKE pattern matching keys that start with prefix,
// escaping LIKE metacharacters in the prefix itself.
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

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
