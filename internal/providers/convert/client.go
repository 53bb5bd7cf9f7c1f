// Package convert wraps the document conversion service that normalizes
// arbitrary office and image formats into PDF before extraction.
package convert

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

// ErrMissingBaseURL indicates that the client was configured without an
// endpoint.
var ErrMissingBaseURL = errors.New("convert: base url is required")

// ErrUnsupportedFormat is returned when the service cannot convert the
// declared input type. Callers treat this as a permanent failure for the
// document, not a retryable one.
var ErrUnsupportedFormat = errors.New("convert: unsupported input format")

// Options configures the conversion client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the conversion service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type errorResponse struct {
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
			timeout = 120 * time.Second
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

// ToPDF converts raw document bytes of the declared type into PDF bytes.
func (c *Client) ToPDF(ctx context.Context, data []byte, declaredType string) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("convert: empty input")
	}
	endpoint := c.baseURL + "/v1/convert/pdf"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("convert: build request: %w", err)
	}
	req.Header.Set("Content-Type", declaredType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("convert: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("convert: read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnsupportedMediaType {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, declaredType)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return nil, fmt.Errorf("convert: %s (%s)", detail.Message, detail.Code)
		}
		return nil, fmt.Errorf("convert: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	c.logger.Debug().
		Str("declared_type", declaredType).
		Int("input_bytes", len(data)).
		Int("pdf_bytes", len(raw)).
		Dur("duration", time.Since(start)).
		Msg("convert: document converted")
	return raw, nil
}
