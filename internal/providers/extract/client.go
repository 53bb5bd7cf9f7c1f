// Package extract wraps the extraction service that turns PDF bytes into
// canonical structured content plus the binary assets (figures, images)
// referenced from it.
package extract

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
var ErrMissingBaseURL = errors.New("extract: base url is required")

// Options configures the extraction client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the extraction service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// ExtractedAsset is one binary asset produced during extraction. Content is
// referenced from the canonical output through asset placeholder tokens that
// the caller rewrites to stable asset ids after interning.
type ExtractedAsset struct {
	Placeholder string `json:"placeholder"`
	Filename    string `json:"filename"`
	MIMEType    string `json:"mime_type"`
	Data        []byte `json:"data"`
}

// Extraction is the normalized result of one extraction call.
type Extraction struct {
	CanonicalContent []byte           `json:"canonical_content"`
	ContentType      string           `json:"content_type"`
	Assets           []ExtractedAsset `json:"assets"`
	PageCount        int              `json:"page_count"`
}

type extractionResponse struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	PageCount   int    `json:"page_count"`
	Assets      []struct {
		Placeholder string `json:"placeholder"`
		Filename    string `json:"filename"`
		MIMEType    string `json:"mime_type"`
		Data        []byte `json:"data"`
	} `json:"assets"`
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
			timeout = 300 * time.Second
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

// Extract sends PDF bytes to the extraction service and returns the canonical
// content together with the extracted assets.
func (c *Client) Extract(ctx context.Context, pdf []byte) (*Extraction, error) {
	if len(pdf) == 0 {
		return nil, errors.New("extract: empty input")
	}
	endpoint := c.baseURL + "/v1/extract"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("extract: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("extract: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail extractionResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return nil, fmt.Errorf("extract: %s (%s)", detail.Message, detail.Code)
		}
		return nil, fmt.Errorf("extract: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded extractionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("extract: decode response: %w", err)
	}
	if decoded.Code != "" {
		return nil, fmt.Errorf("extract: %s (%s)", decoded.Message, decoded.Code)
	}
	if decoded.Content == "" {
		return nil, errors.New("extract: empty canonical content")
	}
	result := &Extraction{
		CanonicalContent: []byte(decoded.Content),
		ContentType:      decoded.ContentType,
		PageCount:        decoded.PageCount,
	}
	for _, a := range decoded.Assets {
		if len(a.Data) == 0 {
			continue
		}
		result.Assets = append(result.Assets, ExtractedAsset{
			Placeholder: a.Placeholder,
			Filename:    a.Filename,
			MIMEType:    a.MIMEType,
			Data:        a.Data,
		})
	}
	c.logger.Debug().
		Int("pdf_bytes", len(pdf)).
		Int("content_bytes", len(result.CanonicalContent)).
		Int("assets", len(result.Assets)).
		Int("pages", result.PageCount).
		Dur("duration", time.Since(start)).
		Msg("extract: content extracted")
	return result, nil
}
