package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/engram-sh/engram"
)

// GeminiEmbedding implements engram.EmbeddingProvider for Gemini
// embedding models. Texts are embedded through the batchEmbedContents
// endpoint, one HTTP request per Embed call.
type GeminiEmbedding struct {
	apiKey     string
	model      string
	dims       int
	baseURL    string
	httpClient *http.Client
}

// EmbedOption configures a GeminiEmbedding.
type EmbedOption func(*GeminiEmbedding)

// WithEmbedBaseURL overrides the API base URL. Used for proxies and tests.
func WithEmbedBaseURL(url string) EmbedOption {
	return func(e *GeminiEmbedding) { e.baseURL = url }
}

// WithEmbedHTTPClient sets a custom HTTP client.
func WithEmbedHTTPClient(c *http.Client) EmbedOption {
	return func(e *GeminiEmbedding) { e.httpClient = c }
}

// NewEmbedding creates a new Gemini embedding provider.
func NewEmbedding(apiKey, model string, dims int, opts ...EmbedOption) *GeminiEmbedding {
	e := &GeminiEmbedding{
		apiKey:     apiKey,
		model:      model,
		dims:       dims,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns "gemini".
func (e *GeminiEmbedding) Name() string { return "gemini" }

// Dimensions returns the configured embedding dimensionality.
func (e *GeminiEmbedding) Dimensions() int { return e.dims }

// Embed embeds all texts in a single batch request and returns one
// vector per input, in order.
func (e *GeminiEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	requests := make([]map[string]any, 0, len(texts))
	for _, text := range texts {
		requests = append(requests, map[string]any{
			"model": "models/" + e.model,
			"content": map[string]any{
				"parts": []map[string]any{
					{"text": text},
				},
			},
			"outputDimensionality": e.dims,
		})
	}

	payload, err := json.Marshal(map[string]any{"requests": requests})
	if err != nil {
		return nil, e.wrapErr("marshal embed body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", e.baseURL, e.model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, e.wrapErr("create embed request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, e.wrapErr("embed request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, e.wrapErr("read embed response: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpErr(resp, string(respBody))
	}

	var parsed batchEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, e.wrapErr("parse embed response: " + err.Error())
	}

	if len(parsed.Embeddings) != len(texts) {
		return nil, e.wrapErr(fmt.Sprintf("embedding count mismatch: sent %d texts, got %d vectors",
			len(texts), len(parsed.Embeddings)))
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, emb := range parsed.Embeddings {
		if len(emb.Values) != e.dims {
			return nil, &engram.ErrDimensionMismatch{Want: e.dims, Got: len(emb.Values)}
		}
		vec := make([]float32, len(emb.Values))
		for i, v := range emb.Values {
			vec[i] = float32(v)
		}
		embeddings = append(embeddings, vec)
	}

	return embeddings, nil
}

func (e *GeminiEmbedding) wrapErr(msg string) error {
	return &engram.ErrLLM{Provider: "gemini", Message: msg}
}

type batchEmbedResponse struct {
	Embeddings []embedValues `json:"embeddings"`
}

type embedValues struct {
	Values []float64 `json:"values"`
}

// Compile-time interface assertion.
var _ engram.EmbeddingProvider = (*GeminiEmbedding)(nil)
