package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/engram-sh/engram"
)

// Integration tests run only against a real database:
//
//	ENGRAM_TEST_DATABASE_URL=postgres://... go test ./factstore/postgres
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("ENGRAM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ENGRAM_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS facts; DROP TABLE IF EXISTS meta`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	s := New(pool, WithEmbeddingDimension(3))
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestUpsertAndSupersede(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := s.Upsert(ctx, engram.Fact{Key: "user.location", Value: "Berlin", Source: "a", StartTime: t1})
	if err != nil || out != engram.UpsertCreated {
		t.Fatalf("first upsert = %v, %v", out, err)
	}
	out, err = s.Upsert(ctx, engram.Fact{Key: "user.location", Value: "Berlin", Source: "b", StartTime: t1.AddDate(0, 1, 0)})
	if err != nil || out != engram.UpsertSkipped {
		t.Fatalf("duplicate upsert = %v, %v", out, err)
	}
	t2 := t1.AddDate(0, 2, 0)
	out, err = s.Upsert(ctx, engram.Fact{Key: "user.location", Value: "Munich", Source: "c", StartTime: t2})
	if err != nil || out != engram.UpsertSuperseded {
		t.Fatalf("superseding upsert = %v, %v", out, err)
	}

	hist, err := s.History(ctx, "user.location")
	if err != nil || len(hist) != 2 {
		t.Fatalf("history = %d rows, %v", len(hist), err)
	}
	if hist[0].EndTime == nil || !hist[0].EndTime.Equal(t2) {
		t.Errorf("predecessor closed at %v, want %v", hist[0].EndTime, t2)
	}
}

func TestEmbeddingDimension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := s.Upsert(ctx, engram.Fact{Key: "user.name", Value: "Alex", Source: "a", StartTime: t1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEmbedding(ctx, "user.name", t1, []float32{1, 0, 0}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	err := s.SetEmbedding(ctx, "user.name", t1, []float32{1, 0})
	var dim *engram.ErrDimensionMismatch
	if !errors.As(err, &dim) {
		t.Fatalf("mismatched dim = %v, want ErrDimensionMismatch", err)
	}
}

func TestHybridSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, f := range []engram.Fact{
		{Key: "user.city", Value: "lives in Berlin", Source: "a", StartTime: t1},
		{Key: "project.lang", Value: "written in Go", Source: "a", StartTime: t1},
	} {
		if _, err := s.Upsert(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetEmbedding(ctx, "user.city", t1, []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEmbedding(ctx, "project.lang", t1, []float32{0, 0, 1}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, engram.SearchQuery{Semantic: "Berlin"}, []float32{0.9, 0.1, 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].Fact.Key != "user.city" {
		t.Errorf("hybrid top hit = %+v", results)
	}
}
