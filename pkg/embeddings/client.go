package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/logger"
)

// Client is a client for the embedding service.
type Client struct {
	baseURL    string
	batchSize  int
	httpClient *http.Client
	log        *zap.Logger
}

// EmbedRequest is the request to the embedding service.
type EmbedRequest struct {
	Texts     []string `json:"texts"`
	Normalize bool     `json:"normalize"`
}

// EmbedResponse is the response from the embedding service.
type EmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimension  int         `json:"dimension"`
	Model      string      `json:"model"`
	LatencyMs  float64     `json:"latency_ms"`
}

// Config holds the client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// BatchSize is the number of texts sent per request.
	BatchSize int

	Logger *zap.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:8090",
		Timeout:   30 * time.Second,
		BatchSize: 64,
	}
}

// NewClient creates a new embedding client.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		batchSize:  cfg.BatchSize,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger.OrNop(cfg.Logger),
	}
}

// Embed returns one embedding per text, in order. Texts are sent in
// batches of Config.BatchSize.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, hverr.New(hverr.CodeEmbeddingRequestInvalid, "no texts to embed")
	}

	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))

		resp, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != end-start {
			return nil, hverr.New(hverr.CodeEmbeddingUpstreamFailure, "embedding count mismatch",
				hverr.Field("sent", end-start), hverr.Field("received", len(resp.Embeddings)))
		}

		c.log.Debug("embedded batch",
			zap.Int("texts", end-start),
			zap.String("model", resp.Model),
			zap.Float64("latency_ms", resp.LatencyMs))
		out = append(out, resp.Embeddings...)
	}
	return out, nil
}

// EmbedSingle generates an embedding for a single text.
func (c *Client) EmbedSingle(ctx context.Context, text string) ([]float64, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// Fill embeds the content of every document that has no embedding.
func (c *Client) Fill(ctx context.Context, docs Corpus) error {
	missing := docs.Unembedded()
	if len(missing) == 0 {
		return nil
	}

	texts := make([]string, len(missing))
	for i, idx := range missing {
		texts[i] = docs[idx].Content
	}

	embeddings, err := c.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i, idx := range missing {
		docs[idx].Embedding = embeddings[i]
	}
	return nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) (*EmbedResponse, error) {
	body, err := json.Marshal(EmbedRequest{Texts: texts, Normalize: true})
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeEmbeddingRequestInvalid, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeEmbeddingRequestInvalid, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeEmbeddingUpstreamFailure, "failed to call embedding service",
			hverr.Field("url", c.baseURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, hverr.New(hverr.CodeEmbeddingUpstreamFailure, "embedding service returned an error",
			hverr.Field("status", resp.StatusCode))
	}

	var result EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeEmbeddingUpstreamFailure, "failed to decode response")
	}
	return &result, nil
}

// Health checks if the embedding service is healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return hverr.Wrap(err, hverr.CodeEmbeddingRequestInvalid, "failed to build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return hverr.Wrap(err, hverr.CodeEmbeddingUpstreamFailure, "health check failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return hverr.New(hverr.CodeEmbeddingUpstreamFailure, "embedding service unhealthy",
			hverr.Field("status", resp.StatusCode))
	}
	return nil
}
