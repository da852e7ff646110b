package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

const defaultLimit = 20

// Search runs one of the query modes selected by q: exact keys, prefix
// listing, keyword-only, hybrid semantic, or a recency listing when the
// query is empty. queryVec is the embedding of q.Semantic (nil otherwise).
func (s *Store) Search(ctx context.Context, q engram.SearchQuery, queryVec []float32) ([]engram.SearchResult, error) {
	start := time.Now()
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	s.logger.Debug("sqlite: search",
		"prefix", q.Prefix, "keys", len(q.Keys), "text", q.Text != "",
		"semantic", q.Semantic != "", "limit", limit)

	var (
		results []engram.SearchResult
		err     error
	)
	switch {
	case len(q.Keys) > 0:
		results, err = s.searchKeys(ctx, q.Keys)
	case q.Prefix != "":
		results, err = s.searchPrefix(ctx, q.Prefix)
	case q.Semantic != "":
		results, err = s.searchHybrid(ctx, q.Semantic, queryVec, limit)
	case q.Text != "":
		results, err = s.searchKeyword(ctx, q.Text, limit)
	default:
		results, err = s.searchRecent(ctx, limit)
	}
	if err != nil {
		s.logger.Error("sqlite: search failed", "error", err, "duration", time.Since(start))
		return nil, err
	}

	results = filterResults(results, q.Filters, engram.NowUTC())
	if len(results) > limit {
		results = results[:limit]
	}
	s.logger.Debug("sqlite: search ok", "returned", len(results), "duration", time.Since(start))
	return results, nil
}

func (s *Store) searchKeys(ctx context.Context, keys []string) ([]engram.SearchResult, error) {
	var results []engram.SearchResult
	for _, key := range keys {
		f, err := s.Active(ctx, key)
		if err == engram.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, engram.SearchResult{Fact: f})
	}
	return results, nil
}

func (s *Store) searchPrefix(ctx context.Context, prefix string) ([]engram.SearchResult, error) {
	facts, err := s.ActivePrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	results := make([]engram.SearchResult, len(facts))
	for i, f := range facts {
		results[i] = engram.SearchResult{Fact: f}
	}
	return results, nil
}

func (s *Store) searchRecent(ctx context.Context, limit int) ([]engram.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, source, start_ms, end_ms, embedding
		 FROM facts WHERE end_ms IS NULL
		 ORDER BY start_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent facts: %w", err)
	}
	defer rows.Close()
	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	results := make([]engram.SearchResult, len(facts))
	for i, f := range facts {
		results[i] = engram.SearchResult{Fact: f}
	}
	return results, nil
}

// keywordHit is one BM25 match before normalization.
type keywordHit struct {
	fact engram.Fact
	rank float64 // FTS5 rank, negative, closer to 0 = better
}

func (s *Store) keywordHits(ctx context.Context, query string, limit int) ([]keywordHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT fa.key, fa.value, fa.source, fa.start_ms, fa.end_ms, fa.embedding, f.rank
		 FROM facts_fts f
		 JOIN facts fa ON fa.id = f.fact_id
		 WHERE facts_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var h keywordHit
		var startMs int64
		var endMs sql.NullInt64
		var embJSON sql.NullString
		if err := rows.Scan(&h.fact.Key, &h.fact.Value, &h.fact.Source, &startMs, &endMs, &embJSON, &h.rank); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		h.fact.StartTime = time.UnixMilli(startMs).UTC()
		if embJSON.Valid {
			h.fact.Embedding, _ = deserializeEmbedding(embJSON.String)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchKeyword is the text-only mode: BM25 relevance, min-max normalized
// to [0,1]. The candidate pool is twice the final limit.
func (s *Store) searchKeyword(ctx context.Context, query string, limit int) ([]engram.SearchResult, error) {
	hits, err := s.keywordHits(ctx, query, 2*limit)
	if err != nil {
		return nil, err
	}
	scores := normalizeRanks(hits)
	results := make([]engram.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = engram.SearchResult{Fact: h.fact, Score: scores[i]}
	}
	sortResults(results)
	return results, nil
}

// searchHybrid fuses brute-force vector similarity with BM25 keyword
// relevance. Each channel contributes up to twice the final limit; vector
// hits below the similarity floor are dropped, keyword ranks are min-max
// normalized, and the fused score is a weighted sum with a bonus for
// facts present in both channels.
func (s *Store) searchHybrid(ctx context.Context, query string, queryVec []float32, limit int) ([]engram.SearchResult, error) {
	type hit struct {
		fact    engram.Fact
		vec     float32
		keyword float32
		inBoth  bool
	}
	merged := make(map[string]*hit)

	if len(queryVec) > 0 {
		embedded, err := s.Embedded(ctx)
		if err != nil {
			return nil, err
		}
		var vecHits []engram.SearchResult
		for _, f := range embedded {
			sim := engram.CosineSimilarity(queryVec, f.Embedding)
			if sim < s.tuning.VectorFloor {
				continue
			}
			vecHits = append(vecHits, engram.SearchResult{Fact: f, Score: sim})
		}
		sortResults(vecHits)
		if len(vecHits) > 2*limit {
			vecHits = vecHits[:2*limit]
		}
		for _, v := range vecHits {
			merged[v.Fact.Key] = &hit{fact: v.Fact, vec: v.Score}
		}
	}

	kwHits, err := s.keywordHits(ctx, query, 2*limit)
	if err != nil {
		return nil, err
	}
	kwScores := normalizeRanks(kwHits)
	for i, h := range kwHits {
		if m, ok := merged[h.fact.Key]; ok {
			m.keyword = kwScores[i]
			m.inBoth = true
		} else {
			merged[h.fact.Key] = &hit{fact: h.fact, keyword: kwScores[i]}
		}
	}

	results := make([]engram.SearchResult, 0, len(merged))
	for _, h := range merged {
		score := s.tuning.VectorWeight*h.vec + s.tuning.KeywordWeight*h.keyword
		if h.inBoth {
			score += s.tuning.KeywordBonus * h.vec
		}
		results = append(results, engram.SearchResult{Fact: h.fact, Score: score})
	}
	sortResults(results)
	return results, nil
}

// normalizeRanks min-max normalizes FTS5 ranks to [0,1], best hit = 1.
// A single hit scores 1.
func normalizeRanks(hits []keywordHit) []float32 {
	if len(hits) == 0 {
		return nil
	}
	min, max := hits[0].rank, hits[0].rank
	for _, h := range hits[1:] {
		if h.rank < min {
			min = h.rank
		}
		if h.rank > max {
			max = h.rank
		}
	}
	scores := make([]float32, len(hits))
	if max == min {
		for i := range scores {
			scores[i] = 1
		}
		return scores
	}
	// FTS5 rank is negative; more negative = better. Invert so that the
	// best rank maps to 1 and the worst to 0.
	for i, h := range hits {
		scores[i] = float32((max - h.rank) / (max - min))
	}
	return scores
}

// sortResults orders by score descending, breaking ties by newer start.
func sortResults(results []engram.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Fact.StartTime.After(results[j].Fact.StartTime)
	})
}

// ftsQuery quotes every whitespace token so user input never reaches the
// FTS5 query parser as syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

// filterResults applies the verdict predicates to an already scored list.
func filterResults(results []engram.SearchResult, f engram.SearchFilters, now time.Time) []engram.SearchResult {
	if !f.SourceVerified && f.Subject == "" && f.MaxAgeDays == 0 && len(f.TypePrefixes) == 0 {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if f.SourceVerified && strings.HasPrefix(r.Fact.Key, "inferred.") {
			continue
		}
		if f.Subject != "" && !strings.Contains(r.Fact.Key, f.Subject) {
			continue
		}
		if f.MaxAgeDays > 0 {
			cutoff := now.AddDate(0, 0, -f.MaxAgeDays)
			if r.Fact.StartTime.Before(cutoff) {
				continue
			}
		}
		if len(f.TypePrefixes) > 0 {
			matched := false
			for _, p := range f.TypePrefixes {
				if strings.HasPrefix(r.Fact.Key, p) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}
