package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"token-velocity/internal/domain"
	"token-velocity/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout       = 15 * time.Second
	DefaultRatePerMinute = 30
	QuoteCurrency        = "USD"

	listingsPath   = "/cryptocurrency/listings/latest"
	apiKeyHeader   = "X-CMC_PRO_API_KEY"
	maxBodySnippet = 256
)

// HTTPClient implements Provider against the upstream REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout. Every call is bounded by it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithAPIKey sets the upstream API key header.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithRatePerMinute sets the client-side request budget. n <= 0 disables limiting.
func WithRatePerMinute(n int) ClientOption {
	return func(c *HTTPClient) {
		if n <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new upstream listings client.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/DefaultRatePerMinute), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Listings fetches one page of listings quoted in USD.
func (c *HTTPClient) Listings(ctx context.Context, start, limit int) ([]*domain.Listing, error) {
	if start < 1 || limit < 1 {
		return nil, fmt.Errorf("invalid listings page start=%d limit=%d", start, limit)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	began := time.Now()
	listings, err := c.fetch(ctx, start, limit)
	observability.RecordProviderCall(time.Since(began).Seconds(), err)
	return listings, err
}

func (c *HTTPClient) fetch(ctx context.Context, start, limit int) ([]*domain.Listing, error) {
	params := url.Values{}
	params.Set("start", strconv.Itoa(start))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("convert", QuoteCurrency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+listingsPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{HTTPStatus: resp.StatusCode, Message: snippet(body)}
	}

	var payload listingsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if payload.Status.ErrorCode != 0 {
		msg := ""
		if payload.Status.ErrorMessage != nil {
			msg = *payload.Status.ErrorMessage
		}
		return nil, &StatusError{HTTPStatus: resp.StatusCode, ErrorCode: payload.Status.ErrorCode, Message: msg}
	}

	listings := make([]*domain.Listing, 0, len(payload.Data))
	for i := range payload.Data {
		listings = append(listings, payload.Data[i].toListing())
	}
	return listings, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodySnippet {
		return s[:maxBodySnippet]
	}
	return s
}

var _ Provider = (*HTTPClient)(nil)
