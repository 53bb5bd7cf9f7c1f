// Package search wraps the search backend that serves indexed chunks.
// Indexing jobs push chunk batches here; forced re-indexing deletes a
// document's entries first.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/infra"
)

// ErrMissingBaseURL indicates that the client was configured without an
// endpoint.
var ErrMissingBaseURL = errors.New("search: base url is required")

// Options configures the search backend client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the search backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// Chunk is one indexable unit of a document's canonical content.
type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Text    string `json:"text"`
}

type indexRequest struct {
	DocumentID       uuid.UUID `json:"document_id"`
	KnowledgeSpaceID uuid.UUID `json:"knowledge_space_id"`
	Chunks           []Chunk   `json:"chunks"`
}

type indexResponse struct {
	Indexed int    `json:"indexed"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// IndexChunks pushes a document's chunk batch to the search backend and
// returns the number of chunks indexed.
func (c *Client) IndexChunks(ctx context.Context, documentID, knowledgeSpaceID uuid.UUID, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	payload := indexRequest{DocumentID: documentID, KnowledgeSpaceID: knowledgeSpaceID, Chunks: chunks}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("search: encode request: %w", err)
	}
	endpoint := c.baseURL + "/v1/index"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("search: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("search: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail indexResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return 0, fmt.Errorf("search: %s (%s)", detail.Message, detail.Code)
		}
		return 0, fmt.Errorf("search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded indexResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return 0, fmt.Errorf("search: decode response: %w", err)
	}
	if decoded.Code != "" {
		return 0, fmt.Errorf("search: %s (%s)", decoded.Message, decoded.Code)
	}
	c.logger.Debug().
		Str("document_id", documentID.String()).
		Int("chunks", len(chunks)).
		Int("indexed", decoded.Indexed).
		Dur("duration", time.Since(start)).
		Msg("search: chunks indexed")
	return decoded.Indexed, nil
}

// DeleteDocument removes all indexed entries for a document, used before a
// forced re-index.
func (c *Client) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	endpoint := fmt.Sprintf("%s/v1/index/%s", c.baseURL, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("search: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("search: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
