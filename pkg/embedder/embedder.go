// Package embedder turns chunk and query text into fixed-dimension vectors
// through an OpenAI-compatible embeddings endpoint.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docaihq/docai/pkg/config"
)

// Embedder is the text-to-vector contract. Identical input yields identical
// output, which is what makes the embedding cache sound.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
	Close() error
}

// Client calls an OpenAI-compatible /embeddings endpoint with batching and
// bounded retries.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	dimension  int
	batchSize  int
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// retrySchedule is the per-batch backoff before giving up.
var retrySchedule = []time.Duration{250 * time.Millisecond, time.Second}

func NewClient(cfg *config.Config) (*Client, error) {
	if cfg.EmbeddingAPIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}

	batchSize := cfg.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	timeout := 30 * time.Second
	if cfg.EmbeddingTimeout > 0 {
		timeout = time.Duration(cfg.EmbeddingTimeout) * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     cfg.EmbeddingAPIKey,
		baseURL:    cfg.EmbeddingBaseURL,
		model:      cfg.EmbeddingModel,
		dimension:  cfg.EmbeddingDimension,
		batchSize:  batchSize,
	}, nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		embeddings, err := c.embedOnce(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		results = append(results, embeddings...)
	}

	return results, nil
}

// embedOnce embeds a single batch, retrying on transport and 5xx errors.
func (c *Client) embedOnce(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= len(retrySchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retrySchedule[attempt-1]):
			}
		}

		embeddings, retriable, err := c.request(ctx, batch)
		if err == nil {
			return embeddings, nil
		}
		lastErr = err
		if !retriable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("embedding batch failed after retries: %w", lastErr)
}

func (c *Client) request(ctx context.Context, batch []string) ([][]float32, bool, error) {
	reqBody, err := json.Marshal(embedRequest{Model: c.model, Input: batch})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retriable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		var errResp embedResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
			return nil, retriable, fmt.Errorf("embeddings API error: %s", errResp.Error.Message)
		}
		return nil, retriable, fmt.Errorf("embeddings API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response embedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Data) != len(batch) {
		return nil, false, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(response.Data), len(batch))
	}

	// Place vectors by index to match input order.
	embeddings := make([][]float32, len(batch))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, false, fmt.Errorf("embeddings API returned out-of-range index %d", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}

	return embeddings, false, nil
}

// Ping reports whether the embeddings endpoint is reachable. Any HTTP
// response counts, auth failures included; only transport errors fail.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embeddings endpoint unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) Dimension() int {
	return c.dimension
}

func (c *Client) ModelName() string {
	return c.model
}

func (c *Client) Close() error {
	return nil
}

var _ Embedder = (*Client)(nil)
