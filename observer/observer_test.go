package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/engram-sh/engram"
)

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp engram.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ engram.ChatRequest) (engram.ChatResponse, error) {
	return m.chatResp, m.chatErr
}

// mockEmbedding for observer tests.
type mockEmbedding struct {
	name string
	dims int
	vecs [][]float32
	err  error
}

func (m *mockEmbedding) Name() string    { return m.name }
func (m *mockEmbedding) Dimensions() int { return m.dims }
func (m *mockEmbedding) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return m.vecs, m.err
}

// testInstruments creates Instruments on the global OTEL providers, which
// are no-ops by default. Safe for testing delegation behavior without a
// real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	if got := op.Name(); got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := engram.ChatResponse{
		Content: "hello from LLM",
		Usage:   engram.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), engram.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), engram.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

func TestObservedEmbeddingDelegates(t *testing.T) {
	want := [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
	}
	inner := &mockEmbedding{name: "e", dims: 3, vecs: want}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	if oe.Name() != "e" || oe.Dimensions() != 3 {
		t.Errorf("delegation: name = %q, dims = %d", oe.Name(), oe.Dimensions())
	}
	got, err := oe.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed returned unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Embed returned %d vectors, want %d", len(got), len(want))
	}
	for i := range got {
		for j := range got[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("vector[%d][%d] = %f, want %f", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestObservedEmbeddingError(t *testing.T) {
	wantErr := errors.New("embedding service down")
	inner := &mockEmbedding{name: "e", dims: 3, err: wantErr}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	_, err := oe.Embed(context.Background(), []string{"test"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Embed error = %v, want %v", err, wantErr)
	}
}

func TestPipelineMetricsRecordsWithoutBackend(t *testing.T) {
	m := NewPipelineMetrics(testInstruments(t))
	ctx := context.Background()

	// No-op providers must still accept every instrument call.
	m.StageDuration(ctx, "extract", 120*time.Millisecond)
	m.FactsCommitted(ctx, "created", 3)
	m.DedupDecision(ctx, "merge")
}

func TestCostCalculator(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"custom-model": {1.00, 2.00},
	})

	tests := []struct {
		model   string
		in, out int
		want    float64
	}{
		{"custom-model", 1_000_000, 500_000, 2.00},
		{"gemini-2.5-flash", 1_000_000, 0, 0.15},
		{"unknown-model", 1_000_000, 1_000_000, 0},
	}
	for _, tt := range tests {
		if got := c.Calculate(tt.model, tt.in, tt.out); got != tt.want {
			t.Errorf("Calculate(%s, %d, %d) = %v, want %v", tt.model, tt.in, tt.out, got, tt.want)
		}
	}
}
