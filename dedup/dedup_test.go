package dedup

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/engram-sh/engram"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Chat(ctx context.Context, req engram.ChatRequest) (engram.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return engram.ChatResponse{}, f.err
	}
	return engram.ChatResponse{Content: f.response}, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Name() string    { return "fake" }
func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

// embeddedStore stubs only the store methods dedup touches.
type embeddedStore struct {
	engram.Store
	facts []engram.Fact
}

func (s *embeddedStore) Embedded(ctx context.Context) ([]engram.Fact, error) {
	return s.facts, nil
}

func fact(key, value string, vec []float32) engram.Fact {
	return engram.Fact{Key: key, Value: value, Source: "s", StartTime: time.Now(), Embedding: vec}
}

func raw(key, value string) engram.RawFact {
	return engram.RawFact{Key: key, Value: value, Source: "s", ObservedAt: time.Now()}
}

func TestResolveNoCandidatesCreates(t *testing.T) {
	llm := &fakeLLM{}
	d := New(llm, &fakeEmbedder{vec: []float32{1, 0, 0}}, &embeddedStore{
		facts: []engram.Fact{fact("user.food", "ramen", []float32{0, 1, 0})},
	})
	dec, err := d.Resolve(context.Background(), raw("user.city", "Berlin"))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionCreate {
		t.Errorf("action = %v, want create", dec.Action)
	}
	if llm.calls != 0 {
		t.Errorf("LLM consulted with no candidates")
	}
}

func TestResolveSkip(t *testing.T) {
	llm := &fakeLLM{response: `{"action": "skip", "reason": "same fact"}`}
	d := New(llm, &fakeEmbedder{vec: []float32{1, 0, 0}}, &embeddedStore{
		facts: []engram.Fact{fact("user.location", "Berlin", []float32{0.99, 0.01, 0})},
	})
	dec, err := d.Resolve(context.Background(), raw("user.city", "Berlin"))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionSkip {
		t.Errorf("action = %v, want skip", dec.Action)
	}
}

func TestResolveMergeValidatesTarget(t *testing.T) {
	llm := &fakeLLM{response: `{"action": "merge", "target": "user.location", "reason": "same key"}`}
	d := New(llm, &fakeEmbedder{vec: []float32{1, 0, 0}}, &embeddedStore{
		facts: []engram.Fact{fact("user.location", "Berlin", []float32{0.99, 0.01, 0})},
	})
	dec, err := d.Resolve(context.Background(), raw("user.city", "Hamburg"))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionMerge || dec.TargetKey != "user.location" {
		t.Errorf("decision = %+v, want merge into user.location", dec)
	}

	// A hallucinated target not among candidates falls back to create.
	llm.response = `{"action": "merge", "target": "user.imaginary", "reason": "?"}`
	dec, err = d.Resolve(context.Background(), raw("user.city", "Hamburg"))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionCreate {
		t.Errorf("hallucinated target action = %v, want create", dec.Action)
	}
}

func TestResolveFallbacks(t *testing.T) {
	store := &embeddedStore{
		facts: []engram.Fact{fact("user.location", "Berlin", []float32{0.99, 0.01, 0})},
	}

	t.Run("llm error", func(t *testing.T) {
		d := New(&fakeLLM{err: errors.New("boom")}, &fakeEmbedder{vec: []float32{1, 0, 0}}, store)
		dec, err := d.Resolve(context.Background(), raw("user.city", "Berlin"))
		if err != nil || dec.Action != ActionCreate {
			t.Errorf("decision = %+v err = %v, want create", dec, err)
		}
	})

	t.Run("garbage verdict", func(t *testing.T) {
		d := New(&fakeLLM{response: "definitely a duplicate I think"}, &fakeEmbedder{vec: []float32{1, 0, 0}}, store)
		dec, err := d.Resolve(context.Background(), raw("user.city", "Berlin"))
		if err != nil || dec.Action != ActionCreate {
			t.Errorf("decision = %+v err = %v, want create", dec, err)
		}
	})

	t.Run("embed error", func(t *testing.T) {
		llm := &fakeLLM{response: `{"action": "skip"}`}
		d := New(llm, &fakeEmbedder{err: errors.New("down")}, store)
		dec, err := d.Resolve(context.Background(), raw("user.city", "Berlin"))
		if err != nil || dec.Action != ActionCreate {
			t.Errorf("decision = %+v err = %v, want create", dec, err)
		}
		if llm.calls != 0 {
			t.Error("LLM consulted despite embed failure")
		}
	})
}

func TestResolveDisabled(t *testing.T) {
	d := New(nil, nil, nil, Disabled())
	dec, err := d.Resolve(context.Background(), raw("user.city", "Berlin"))
	if err != nil || dec.Action != ActionCreate {
		t.Errorf("decision = %+v err = %v, want create", dec, err)
	}
}

func TestCandidateOrderingAndCap(t *testing.T) {
	var facts []engram.Fact
	sims := []float32{0.86, 0.99, 0.91, 0.88, 0.95, 0.87, 0.93}
	for i, s := range sims {
		facts = append(facts, fact(
			"user.k"+string(rune('a'+i)), "v", []float32{s, sqrt1(s), 0}))
	}
	d := New(&fakeLLM{response: `{"action":"create"}`}, &fakeEmbedder{vec: []float32{1, 0, 0}}, &embeddedStore{facts: facts})

	cands, err := d.candidates(context.Background(), []float32{1, 0, 0}, "user.self")
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 5 {
		t.Fatalf("candidates = %d, want capped at 5", len(cands))
	}
	for i := 1; i < len(cands); i++ {
		if cands[i].sim > cands[i-1].sim {
			t.Error("candidates not sorted best first")
		}
	}
}

// sqrt1 returns sqrt(1-s²) so the unit vector (s, sqrt1(s), 0) has cosine
// similarity s against (1, 0, 0).
func sqrt1(s float32) float32 {
	v := 1 - float64(s)*float64(s)
	if v < 0 {
		return 0
	}
	return float32(math.Sqrt(v))
}
