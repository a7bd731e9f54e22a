package originality

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeEmbeddingEndpoint(t *testing.T) {
	t.Parallel()

	if got := normalizeEmbeddingEndpoint("http://127.0.0.1:8844"); got != "http://127.0.0.1:8844/embed" {
		t.Fatalf("unexpected endpoint normalization: %q", got)
	}
	if got := normalizeEmbeddingEndpoint("http://127.0.0.1:8844/v1/embeddings"); got != "http://127.0.0.1:8844/v1/embeddings" {
		t.Fatalf("unexpected endpoint normalization for explicit path: %q", got)
	}
	if got := normalizeEmbeddingEndpoint("   "); got != DefaultEmbeddingEndpoint {
		t.Fatalf("expected default endpoint for blank input, got %q", got)
	}
}

func TestEmbeddingInput(t *testing.T) {
	t.Parallel()

	input := EmbeddingInput("  body text  ", []string{"first insight", " ", "second insight"})
	if input != "body text\n\nfirst insight\n\nsecond insight" {
		t.Fatalf("unexpected embedding input: %q", input)
	}
}

func TestEmbeddingInputTruncation(t *testing.T) {
	t.Parallel()

	input := EmbeddingInput(strings.Repeat("x", maxEmbeddingInputChars+500), nil)
	if len(input) != maxEmbeddingInputChars {
		t.Fatalf("expected input truncated to %d chars, got %d", maxEmbeddingInputChars, len(input))
	}
}

func TestEmbeddingInputTruncationKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	// One leading ASCII byte shifts every two-byte rune so the byte bound
	// lands mid-rune; the cut must back up instead of splitting it.
	body := "a" + strings.Repeat("é", maxEmbeddingInputChars/2)
	input := EmbeddingInput(body, nil)
	if !utf8.ValidString(input) {
		t.Fatalf("expected truncated input to remain valid UTF-8")
	}
	if len(input) != maxEmbeddingInputChars-1 {
		t.Fatalf("expected cut to back up to a rune boundary at %d bytes, got %d", maxEmbeddingInputChars-1, len(input))
	}
}

func TestToVectorLiteralDimensionValidation(t *testing.T) {
	t.Parallel()

	if _, err := ToVectorLiteral([]float64{0.1, 0.2}); err == nil {
		t.Fatalf("expected dimension validation error for short vector")
	}
}

func TestToVectorLiteral(t *testing.T) {
	t.Parallel()

	values := make([]float64, EmbeddingDimensions)
	values[0] = 0.25
	values[1] = -1

	literal, err := ToVectorLiteral(values)
	if err != nil {
		t.Fatalf("render vector literal: %v", err)
	}
	if !strings.HasPrefix(literal, "[0.25,-1,0,") {
		t.Fatalf("unexpected literal prefix: %q", literal[:20])
	}
	if !strings.HasSuffix(literal, "]") {
		t.Fatalf("expected closing bracket")
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	if got := estimateTokens([]string{strings.Repeat("a", 8)}); got != 2 {
		t.Fatalf("expected 2 tokens for 8 chars, got %d", got)
	}
	if got := estimateTokens([]string{"a"}); got != 1 {
		t.Fatalf("expected partial chunk to round up, got %d", got)
	}
}

func TestEmbedPlainService(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Texts) != 2 {
			t.Errorf("expected 2 texts in plain request, got %d", len(req.Texts))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.1, 0.2}, {0.3, 0.4}},
		})
	}))
	defer server.Close()

	client := NewEmbedClient(EmbedClientOptions{Endpoint: server.URL + "/embed"})
	vectors, tokens, err := client.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}
	if tokens == 0 {
		t.Fatalf("expected estimated tokens when the service reports none")
	}
}

func TestEmbedOpenAIShape(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 2 || req.Model == "" {
			t.Errorf("expected OpenAI-shaped request, got %+v", req)
		}
		// Out-of-order data rows must be reassembled by index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{0.3, 0.4}},
				{"index": 0, "embedding": []float64{0.1, 0.2}},
			},
			"usage": map[string]any{"total_tokens": 17},
		})
	}))
	defer server.Close()

	client := NewEmbedClient(EmbedClientOptions{Endpoint: server.URL + "/v1/embeddings"})
	vectors, tokens, err := client.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vectors[0][0] != 0.1 || vectors[1][0] != 0.3 {
		t.Fatalf("expected vectors reordered by index, got %v", vectors)
	}
	if tokens != 17 {
		t.Fatalf("expected reported token usage 17, got %d", tokens)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.1}},
		})
	}))
	defer server.Close()

	client := NewEmbedClient(EmbedClientOptions{Endpoint: server.URL + "/embed"})
	if _, _, err := client.Embed(context.Background(), []string{"alpha", "beta"}); err == nil {
		t.Fatalf("expected count mismatch error")
	}
}

func TestEmbedNoTexts(t *testing.T) {
	t.Parallel()

	client := NewEmbedClient(EmbedClientOptions{})
	vectors, tokens, err := client.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("embed with no texts: %v", err)
	}
	if vectors != nil || tokens != 0 {
		t.Fatalf("expected no-op for empty input")
	}
}
