package resolve

import (
	"testing"
)

func TestProviderGemini(t *testing.T) {
	p, err := Provider(Config{Provider: "gemini", APIKey: "k", Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("Provider() error = %v", err)
	}
	if p.Name() != "gemini" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestProviderOpenAICompat(t *testing.T) {
	tests := []struct {
		provider string
	}{
		{"openai"}, {"groq"}, {"deepseek"}, {"together"}, {"mistral"}, {"ollama"},
	}
	for _, tt := range tests {
		p, err := Provider(Config{Provider: tt.provider, APIKey: "k", Model: "m"})
		if err != nil {
			t.Fatalf("Provider(%s) error = %v", tt.provider, err)
		}
		if p.Name() != tt.provider {
			t.Errorf("Name() = %q, want %q", p.Name(), tt.provider)
		}
	}
}

func TestProviderUnknown(t *testing.T) {
	if _, err := Provider(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider did not error")
	}
}

func TestEmbeddingProvider(t *testing.T) {
	e, err := EmbeddingProvider(EmbeddingConfig{
		Provider: "gemini", APIKey: "k", Model: "gemini-embedding-001", Dimensions: 768,
	})
	if err != nil {
		t.Fatalf("EmbeddingProvider() error = %v", err)
	}
	if e.Dimensions() != 768 {
		t.Errorf("Dimensions() = %d", e.Dimensions())
	}
}

func TestEmbeddingProviderUnsupported(t *testing.T) {
	if _, err := EmbeddingProvider(EmbeddingConfig{Provider: "openai"}); err == nil {
		t.Error("unsupported embedding provider did not error")
	}
}
