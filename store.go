package engram

import (
	"context"
	"math"
	"time"
)

// Store is the temporally-versioned fact store. Implementations keep the
// full history of every key, maintain a full-text and a vector index over
// the active set, and guarantee:
//
//  1. at most one active row (EndTime == nil) per key;
//  2. strictly increasing StartTime per key;
//  3. supersession closes the predecessor exactly at the successor's
//     StartTime;
//  4. every mutation of history, text index, and embedding slot happens in
//     one transaction.
//
// Values are never mutated in place; all change is expressed by adding a
// row and closing its predecessor.
type Store interface {
	// Init creates the schema and runs crash recovery: for any key left
	// with more than one open row, the latest StartTime stays active and
	// the others are closed at that instant; indexes are reconciled.
	Init(ctx context.Context) error

	// Upsert writes a fact. If the key's active value equals fact.Value
	// the call is a no-op (UpsertSkipped). Otherwise the active row (if
	// any) is closed at fact.StartTime and the new row inserted.
	Upsert(ctx context.Context, fact Fact) (UpsertOutcome, error)

	// ApplyMerge is Upsert redirected to targetKey, used when the semantic
	// deduper decides an incoming fact updates an existing key.
	ApplyMerge(ctx context.Context, targetKey string, fact Fact) (UpsertOutcome, error)

	// Active returns the active fact for key, or ErrNotFound.
	Active(ctx context.Context, key string) (Fact, error)

	// ActivePrefix returns active facts whose key starts with prefix,
	// ordered by key. An empty prefix returns the whole active set.
	ActivePrefix(ctx context.Context, prefix string) ([]Fact, error)

	// History returns all rows for key, oldest first.
	History(ctx context.Context, key string) ([]Fact, error)

	// SetEmbedding attaches a vector to the row identified by
	// (key, start). Only permitted while the row is still active.
	SetEmbedding(ctx context.Context, key string, start time.Time, vec []float32) error

	// MissingEmbeddings returns up to limit active facts without vectors.
	MissingEmbeddings(ctx context.Context, limit int) ([]Fact, error)

	// Embedded returns active facts that have vectors, for candidate
	// retrieval in semantic dedup and vector search.
	Embedded(ctx context.Context) ([]Fact, error)

	// Delete closes the active row for key at the current instant and
	// removes it from the indexes. History is preserved. Returns
	// ErrNotFound when the key has no active row.
	Delete(ctx context.Context, key string) error

	// Search runs the hybrid query of the search surface. queryVec is the
	// embedding of q.Semantic, or nil when no semantic query is given.
	Search(ctx context.Context, q SearchQuery, queryVec []float32) ([]SearchResult, error)

	// CountActive returns the size of the active set.
	CountActive(ctx context.Context) (int, error)

	// Close releases the underlying connection.
	Close() error
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched or empty inputs.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
