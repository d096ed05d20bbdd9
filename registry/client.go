// Package registry provides the client for the external entity-matching
// registry. Given a label and optional type hints it returns ranked
// candidates with 0-100 confidence scores, best match first.
//
// The client performs a single attempt per call and surfaces rate-limit
// and API errors as distinct types; retry and backoff policy belong to the
// caller, which is already governed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseSize limits the registry response body to prevent memory exhaustion.
const maxResponseSize = 4 * 1024 * 1024 // 4MB

// Candidate is one ranked registry match for an entity label.
type Candidate struct {
	// ID is the registry's stable identifier for the matched entity.
	ID string `json:"id"`

	// Score is the match confidence, 0-100.
	Score int `json:"score"`

	// Label is the registry's canonical label for the entity.
	Label string `json:"label"`

	// Description is an optional human-readable disambiguation hint.
	Description string `json:"description,omitempty"`
}

// SearchOptions tune a single search call.
type SearchOptions struct {
	// Language selects the label language (default "en").
	Language string

	// Limit caps the number of candidates returned (default 5).
	Limit int

	// Types restricts matches to entities of the given registry types.
	Types []string
}

// Searcher is the search contract consumed by the reconciliation engine.
// Results are ordered by descending score; the first element is the
// authoritative best match.
type Searcher interface {
	Search(ctx context.Context, label string, opts SearchOptions) ([]Candidate, error)
}

// Client is an HTTP Searcher for a reconciliation-style registry endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a registry client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// searchResponse is the registry's search result envelope.
type searchResponse struct {
	Results []Candidate `json:"results"`
}

// Search queries the registry for candidates matching label.
func (c *Client) Search(ctx context.Context, label string, opts SearchOptions) ([]Candidate, error) {
	if label == "" {
		return nil, fmt.Errorf("label is required")
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}

	query := url.Values{}
	query.Set("q", label)
	query.Set("lang", opts.Language)
	query.Set("limit", strconv.Itoa(opts.Limit))
	for _, typ := range opts.Types {
		query.Add("type", typ)
	}

	endpoint := c.baseURL + "/search?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	c.logger.Debug("registry search completed",
		"label", label,
		"candidates", len(parsed.Results))
	return parsed.Results, nil
}

// parseRetryAfter reads a Retry-After header value in seconds.
// HTTP-date forms are ignored; zero means no hint.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
