// Package embedding computes fixed-dimension vectors for conversation text
// and runs the async worker that fills embedding rows. The service is
// optional: a nil client degrades every caller to lexical-only behavior.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/novahq/nova/internal/common/config"
	apperrors "github.com/novahq/nova/internal/common/errors"
)

// Service resolves texts to vectors.
type Service interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	// Provider and Model identify the backend for bookkeeping on rows.
	Provider() string
	Model() string
	// Dimensions is the fixed column width vectors are padded to.
	Dimensions() int
}

// Client calls an OpenAI-compatible embeddings endpoint.
type Client struct {
	url        string
	model      string
	apiKey     string
	dimensions int
	httpClient *http.Client
}

// NewClient builds a client from configuration. Returns nil when embeddings
// are not configured; callers treat nil as "skip the semantic step".
func NewClient(cfg config.EmbeddingsConfig) *Client {
	if !cfg.Enabled() {
		return nil
	}
	return &Client{
		url:        cfg.URL,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

func (c *Client) Provider() string { return c.url }
func (c *Client) Model() string    { return c.model }
func (c *Client) Dimensions() int  { return c.dimensions }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed posts the inputs and returns the vectors, zero-padded to the fixed
// dimension. Provider vectors longer than the column width are rejected.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize embeddings request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.ServiceUnavailable("embeddings").WithCategory(apperrors.CategoryNetwork)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, apperrors.InternalError(
			fmt.Sprintf("embeddings endpoint returned %d: %s", resp.StatusCode, string(data)), nil,
		).WithCategory(apperrors.CategoryNetwork)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings endpoint returned %d vectors for %d inputs", len(parsed.Data), len(inputs))
	}

	result := make([][]float32, len(parsed.Data))
	for i, item := range parsed.Data {
		vector, err := FitDimensions(item.Embedding, c.dimensions)
		if err != nil {
			return nil, err
		}
		result[i] = vector
	}
	return result, nil
}

// FitDimensions zero-pads shorter vectors to width and rejects longer ones.
func FitDimensions(vector []float32, width int) ([]float32, error) {
	if len(vector) > width {
		return nil, apperrors.BadRequest(fmt.Sprintf(
			"embedding vector has %d dimensions, column width is %d", len(vector), width))
	}
	if len(vector) == width {
		return vector, nil
	}
	padded := make([]float32, width)
	copy(padded, vector)
	return padded, nil
}

// retryBackoff is how long errored rows wait before the worker retries them.
const retryBackoff = 60 * time.Second
