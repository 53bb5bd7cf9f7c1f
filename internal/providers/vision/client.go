// Package vision wraps the vision model endpoint used by asset analysis to
// describe and tag extracted assets.
package vision

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

	"github.com/rs/zerolog"

	"kbengine/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without
// credentials.
var ErrMissingAPIKey = errors.New("vision: api key is required")

// Options configures the vision client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the vision model API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// Analysis is the normalized result of one asset analysis call.
type Analysis struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Model       string   `json:"model"`
}

type analysisRequest struct {
	Model       string `json:"model"`
	MIMEType    string `json:"mime_type"`
	Data        []byte `json:"data"`
	ContextText string `json:"context_text,omitempty"`
}

type analysisResponse struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "vision-describe-1"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Analyze describes and tags one asset. contextText carries the surrounding
// document text so the same image can be described differently per document.
func (c *Client) Analyze(ctx context.Context, data []byte, mimeType, contextText string) (*Analysis, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	if len(data) == 0 {
		return nil, errors.New("vision: empty asset content")
	}
	payload := analysisRequest{
		Model:       c.model,
		MIMEType:    mimeType,
		Data:        data,
		ContextText: contextText,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vision: encode request: %w", err)
	}
	endpoint := c.baseURL + "/v1/analyze"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vision: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail analysisResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return nil, fmt.Errorf("vision: %s (%s)", detail.Message, detail.Code)
		}
		return nil, fmt.Errorf("vision: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded analysisResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("vision: decode response: %w", err)
	}
	if decoded.Code != "" {
		return nil, fmt.Errorf("vision: %s (%s)", decoded.Message, decoded.Code)
	}
	if decoded.Description == "" {
		return nil, errors.New("vision: empty description")
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("mime_type", mimeType).
		Int("tags", len(decoded.Tags)).
		Dur("duration", time.Since(start)).
		Msg("vision: asset analyzed")
	return &Analysis{Description: decoded.Description, Tags: decoded.Tags, Model: c.model}, nil
}
