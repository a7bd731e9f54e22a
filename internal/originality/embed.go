package originality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultEmbeddingEndpoint       = "http://127.0.0.1:8844/embed"
	DefaultEmbeddingModelName      = "text-embedding-3-small"
	DefaultEmbeddingModelVersion   = "v1"
	DefaultEmbeddingRequestTimeout = 45 * time.Second

	// EmbeddingDimensions is fixed by the stored vector(1536) column.
	EmbeddingDimensions = 1536

	// maxEmbeddingInputChars bounds the text sent per item. Longer content is
	// truncated, not rejected.
	maxEmbeddingInputChars = 8000
)

// EmbedClientOptions configures the embedding HTTP client.
type EmbedClientOptions struct {
	Endpoint       string
	ModelName      string
	ModelVersion   string
	RequestTimeout time.Duration
}

// EmbedClient talks to the embedding service. It speaks both the plain
// {"texts": [...]} shape and the OpenAI-compatible {"input": [...]} shape,
// chosen from the endpoint path.
type EmbedClient struct {
	opts       EmbedClientOptions
	httpClient *http.Client
}

type embedRequest struct {
	Texts []string `json:"texts,omitempty"`
	Input []string `json:"input,omitempty"`
	Model string   `json:"model,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func NewEmbedClient(opts EmbedClientOptions) *EmbedClient {
	return &EmbedClient{
		opts:       normalizeEmbedClientOptions(opts),
		httpClient: http.DefaultClient,
	}
}

func normalizeEmbedClientOptions(opts EmbedClientOptions) EmbedClientOptions {
	normalized := opts
	if strings.TrimSpace(normalized.Endpoint) == "" {
		normalized.Endpoint = DefaultEmbeddingEndpoint
	}
	normalized.Endpoint = normalizeEmbeddingEndpoint(normalized.Endpoint)
	if strings.TrimSpace(normalized.ModelName) == "" {
		normalized.ModelName = DefaultEmbeddingModelName
	}
	if strings.TrimSpace(normalized.ModelVersion) == "" {
		normalized.ModelVersion = DefaultEmbeddingModelVersion
	}
	if normalized.RequestTimeout <= 0 {
		normalized.RequestTimeout = DefaultEmbeddingRequestTimeout
	}
	return normalized
}

func (c *EmbedClient) ModelName() string    { return c.opts.ModelName }
func (c *EmbedClient) ModelVersion() string { return c.opts.ModelVersion }
func (c *EmbedClient) Endpoint() string     { return c.opts.Endpoint }

// Embed requests one vector per input text. Vectors come back in input
// order; token usage is reported when the service provides it, otherwise
// estimated from input length.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) ([][]float64, int64, error) {
	if c == nil {
		return nil, 0, fmt.Errorf("embed client is not initialized")
	}
	if len(texts) == 0 {
		return nil, 0, nil
	}

	payload := embedRequest{Texts: texts}
	parsedEndpoint, err := url.Parse(c.opts.Endpoint)
	if err == nil && strings.HasSuffix(parsedEndpoint.Path, "/v1/embeddings") {
		payload = embedRequest{Input: texts, Model: c.opts.ModelName}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, 0, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) != len(texts) {
		return nil, 0, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(texts), len(vectors))
	}

	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = estimateTokens(texts)
	}
	return vectors, tokens, nil
}

// EmbeddingInput joins a content item's body with its insight texts and
// truncates the result to the service's input bound.
func EmbeddingInput(body string, insights []string) string {
	parts := make([]string, 0, 1+len(insights))
	if trimmed := strings.TrimSpace(body); trimmed != "" {
		parts = append(parts, trimmed)
	}
	for _, insight := range insights {
		if trimmed := strings.TrimSpace(insight); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}

	joined := strings.Join(parts, "\n\n")
	if len(joined) > maxEmbeddingInputChars {
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := maxEmbeddingInputChars
		for cut > 0 && !utf8.RuneStart(joined[cut]) {
			cut--
		}
		joined = joined[:cut]
	}
	return joined
}

func normalizeEmbeddingEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultEmbeddingEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}

// ToVectorLiteral renders a vector as the pgvector text literal.
func ToVectorLiteral(values []float64) (string, error) {
	if len(values) != EmbeddingDimensions {
		return "", fmt.Errorf("expected %d dimensions, got %d", EmbeddingDimensions, len(values))
	}

	var builder strings.Builder
	builder.Grow(len(values) * 8)
	builder.WriteByte('[')
	for i, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return "", fmt.Errorf("vector has non-finite value at index %d", i)
		}
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(value, 'f', -1, 64))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

// estimateTokens approximates usage at four characters per token for
// services that do not report it.
func estimateTokens(texts []string) int64 {
	var chars int64
	for _, text := range texts {
		chars += int64(len(text))
	}
	return (chars + 3) / 4
}
