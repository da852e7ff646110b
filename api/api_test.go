package api

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/engram-sh/engram"
	"github.com/engram-sh/engram/learning"
)

// fakeStore overrides the Store methods the API touches; anything else
// panics through the embedded nil interface.
type fakeStore struct {
	engram.Store

	active  []engram.Fact
	upserts []engram.Fact
	vectors map[string][]float32
	deleted []string

	lastQuery engram.SearchQuery
	lastVec   []float32
	results   []engram.SearchResult
}

func (s *fakeStore) ActivePrefix(_ context.Context, prefix string) ([]engram.Fact, error) {
	var out []engram.Fact
	for _, f := range s.active {
		if strings.HasPrefix(f.Key, prefix) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(_ context.Context, fact engram.Fact) (engram.UpsertOutcome, error) {
	s.upserts = append(s.upserts, fact)
	return engram.UpsertCreated, nil
}

func (s *fakeStore) SetEmbedding(_ context.Context, key string, _ time.Time, vec []float32) error {
	if s.vectors == nil {
		s.vectors = map[string][]float32{}
	}
	s.vectors[key] = vec
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStore) Search(_ context.Context, q engram.SearchQuery, vec []float32) ([]engram.SearchResult, error) {
	s.lastQuery = q
	s.lastVec = vec
	return s.results, nil
}

type fakeEmbedder struct {
	vec   []float32
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}
func (e *fakeEmbedder) Dimensions() int { return len(e.vec) }
func (e *fakeEmbedder) Name() string    { return "fake" }

func instinctFact(t *testing.T, inst learning.Instinct) engram.Fact {
	t.Helper()
	value, err := learning.EncodeRecord(inst)
	if err != nil {
		t.Fatal(err)
	}
	return engram.Fact{Key: inst.Key(), Value: value, Source: "learning", StartTime: engram.NowUTC()}
}

func TestSearchResolvesTypeTag(t *testing.T) {
	store := &fakeStore{}
	a := New(store)

	_, err := a.Search(context.Background(), SearchRequest{Text: "coffee", Type: "pref"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	got := store.lastQuery.Filters.TypePrefixes
	if len(got) != 1 || got[0] != "preference." {
		t.Errorf("TypePrefixes = %v", got)
	}
	if store.lastQuery.Limit != 20 {
		t.Errorf("Limit = %d, want default 20", store.lastQuery.Limit)
	}
}

func TestSearchUnknownTypeErrors(t *testing.T) {
	a := New(&fakeStore{})
	if _, err := a.Search(context.Background(), SearchRequest{Text: "x", Type: "vibes"}); err == nil {
		t.Error("unknown type did not error")
	}
}

func TestSearchAllTypeAppliesNoConstraint(t *testing.T) {
	store := &fakeStore{}
	a := New(store)
	if _, err := a.Search(context.Background(), SearchRequest{Text: "x", Type: "all"}); err != nil {
		t.Fatal(err)
	}
	if store.lastQuery.Filters.TypePrefixes != nil {
		t.Errorf("TypePrefixes = %v, want none", store.lastQuery.Filters.TypePrefixes)
	}
}

func TestSearchSemanticEmbedsQuery(t *testing.T) {
	store := &fakeStore{}
	emb := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	a := New(store, WithEmbedder(emb))

	_, err := a.Search(context.Background(), SearchRequest{Semantic: "where does the user live"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if emb.calls != 1 {
		t.Errorf("embedder calls = %d", emb.calls)
	}
	if len(store.lastVec) != 2 {
		t.Errorf("query vector not passed to store: %v", store.lastVec)
	}
}

func TestSearchSemanticDegradesWithoutEmbedder(t *testing.T) {
	store := &fakeStore{}
	a := New(store)

	_, err := a.Search(context.Background(), SearchRequest{Semantic: "favorite drink"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if store.lastQuery.Semantic != "" {
		t.Error("semantic query kept without an embedder")
	}
	if store.lastQuery.Text != "favorite drink" {
		t.Errorf("Text = %q, want the degraded query", store.lastQuery.Text)
	}
	if store.lastVec != nil {
		t.Error("query vector set without an embedder")
	}
}

func TestStoreNormalizesKeyAndEmbeds(t *testing.T) {
	store := &fakeStore{}
	emb := &fakeEmbedder{vec: []float32{0.5}}
	a := New(store, WithEmbedder(emb))

	outcome, err := a.Store(context.Background(), "User/Name", "Ada", "mcp:store")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if outcome != engram.UpsertCreated {
		t.Errorf("outcome = %v", outcome)
	}
	if len(store.upserts) != 1 {
		t.Fatalf("upserts = %d", len(store.upserts))
	}
	fact := store.upserts[0]
	if fact.Key != "user.name" {
		t.Errorf("Key = %q, want normalized user.name", fact.Key)
	}
	if fact.Source != "mcp:store" {
		t.Errorf("Source = %q", fact.Source)
	}
	if _, ok := store.vectors["user.name"]; !ok {
		t.Error("fact not embedded at write time")
	}
}

func TestStoreRejectsBadKey(t *testing.T) {
	a := New(&fakeStore{})
	if _, err := a.Store(context.Background(), "justoneword", "v", "cli:store"); err == nil {
		t.Error("single-segment key accepted")
	}
}

func TestShowInstinctByName(t *testing.T) {
	store := &fakeStore{active: []engram.Fact{
		instinctFact(t, learning.Instinct{
			Domain: "error", Name: "test_failure",
			Trigger: "test_failure errors", Action: "use Bash: rerun", Confidence: 0.7, Sources: 5,
		}),
	}}
	a := New(store)

	inst, err := a.ShowInstinct(context.Background(), "test_failure")
	if err != nil {
		t.Fatalf("ShowInstinct() error = %v", err)
	}
	if inst.Confidence != 0.7 || inst.Domain != "error" {
		t.Errorf("instinct = %+v", inst)
	}

	if _, err := a.ShowInstinct(context.Background(), "absent"); !errors.Is(err, engram.ErrNotFound) {
		t.Errorf("missing instinct error = %v, want ErrNotFound", err)
	}
}

func TestDeleteInstinctResolvesBareName(t *testing.T) {
	store := &fakeStore{active: []engram.Fact{
		instinctFact(t, learning.Instinct{
			Domain: "workflow", Name: "common_sequence",
			Trigger: "t", Action: "a", Confidence: 0.6,
		}),
	}}
	a := New(store)

	if err := a.DeleteInstinct(context.Background(), "common_sequence"); err != nil {
		t.Fatalf("DeleteInstinct() error = %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "agent.instinct.workflow.common_sequence" {
		t.Errorf("deleted = %v", store.deleted)
	}
}

func TestInjectableContext(t *testing.T) {
	store := &fakeStore{active: []engram.Fact{
		{Key: "user.name", Value: "Ada", StartTime: engram.NowUTC()},
		instinctFact(t, learning.Instinct{
			Domain: "error", Name: "network",
			Trigger: "network errors", Action: "retry with backoff", Confidence: 0.7,
		}),
		instinctFact(t, learning.Instinct{
			Domain: "workflow", Name: "weak",
			Trigger: "t", Action: "a", Confidence: 0.5,
		}),
	}}
	a := New(store)

	out, err := a.InjectableContext(context.Background())
	if err != nil {
		t.Fatalf("InjectableContext() error = %v", err)
	}
	if !strings.Contains(out, "retry with backoff") {
		t.Errorf("high-confidence instinct missing from %q", out)
	}
	if strings.Contains(out, "t: a") {
		t.Errorf("low-confidence instinct injected: %q", out)
	}
	if !strings.Contains(out, "facts") {
		t.Errorf("summary line missing from %q", out)
	}
}
