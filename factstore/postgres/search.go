package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

const defaultLimit = 20

// Search runs one of the query modes selected by q. Vector search is pushed
// down to pgvector; keyword relevance uses ts_rank over the english
// configuration, min-max normalized before fusion.
func (s *Store) Search(ctx context.Context, q engram.SearchQuery, queryVec []float32) ([]engram.SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

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
		return nil, err
	}

	results = filterResults(results, q.Filters, engram.NowUTC())
	if len(results) > limit {
		results = results[:limit]
	}
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
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts WHERE end_ms IS NULL
		 ORDER BY start_ms DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent facts: %w", err)
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

type keywordHit struct {
	fact engram.Fact
	rank float64
}

func (s *Store) keywordHits(ctx context.Context, query string, limit int) ([]keywordHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+`,
		        ts_rank(to_tsvector('english', key || ' ' || value), plainto_tsquery('english', $1)) AS rank
		 FROM facts
		 WHERE end_ms IS NULL
		   AND to_tsvector('english', key || ' ' || value) @@ plainto_tsquery('english', $1)
		 ORDER BY rank DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var h keywordHit
		var startMs int64
		var endMs *int64
		var embText *string
		if err := rows.Scan(&h.fact.Key, &h.fact.Value, &h.fact.Source, &startMs, &endMs, &embText, &h.rank); err != nil {
			return nil, fmt.Errorf("postgres: scan keyword hit: %w", err)
		}
		h.fact.StartTime = time.UnixMilli(startMs).UTC()
		if embText != nil {
			h.fact.Embedding, _ = deserializeEmbedding(*embText)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

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

func (s *Store) vectorHits(ctx context.Context, queryVec []float32, limit int) ([]engram.SearchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+`,
		        1 - (embedding <=> $1::vector) AS score
		 FROM facts
		 WHERE end_ms IS NULL AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`, serializeEmbedding(queryVec), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()

	var results []engram.SearchResult
	for rows.Next() {
		var r engram.SearchResult
		var startMs int64
		var endMs *int64
		var embText *string
		if err := rows.Scan(&r.Fact.Key, &r.Fact.Value, &r.Fact.Source, &startMs, &endMs, &embText, &r.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan vector hit: %w", err)
		}
		r.Fact.StartTime = time.UnixMilli(startMs).UTC()
		if embText != nil {
			r.Fact.Embedding, _ = deserializeEmbedding(*embText)
		}
		if r.Score >= s.tuning.VectorFloor {
			results = append(results, r)
		}
	}
	return results, rows.Err()
}

func (s *Store) searchHybrid(ctx context.Context, query string, queryVec []float32, limit int) ([]engram.SearchResult, error) {
	type hit struct {
		fact    engram.Fact
		vec     float32
		keyword float32
		inBoth  bool
	}
	merged := make(map[string]*hit)

	if len(queryVec) > 0 {
		vecHits, err := s.vectorHits(ctx, queryVec, 2*limit)
		if err != nil {
			return nil, err
		}
		for _, r := range vecHits {
			merged[r.Fact.Key] = &hit{fact: r.Fact, vec: r.Score}
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

// normalizeRanks min-max normalizes ts_rank scores to [0,1], best hit = 1.
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
	for i, h := range hits {
		scores[i] = float32((h.rank - min) / (max - min))
	}
	return scores
}

func sortResults(results []engram.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Fact.StartTime.After(results[j].Fact.StartTime)
	})
}

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
		if f.MaxAgeDays > 0 && r.Fact.StartTime.Before(now.AddDate(0, 0, -f.MaxAgeDays)) {
			continue
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
