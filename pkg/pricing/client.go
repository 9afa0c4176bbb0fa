package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/scanium/scan-engine/internal/resilience"
)

const defaultBaseURL = "https://pricing.scanium.io/v1"

// Client estimates resale price ranges from item metadata. Failures carry
// an explicit retryable signal; the engine never falls back to stale data
// silently.
type Client interface {
	Estimate(ctx context.Context, req Request) (*Response, error)
}

// Request is the body for POST /estimate.
type Request struct {
	Category         string            `json:"category"`
	Label            string            `json:"label,omitempty"`
	DomainCategoryID string            `json:"domain_category_id,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	Condition        string            `json:"condition,omitempty"`
}

// Response is a price band in minor currency units.
type Response struct {
	LowCents   int64   `json:"low_cents"`
	HighCents  int64   `json:"high_cents"`
	Currency   string  `json:"currency"`
	Confidence float64 `json:"confidence,omitempty"`
	SampleSize int     `json:"sample_size,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a pricing service client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(5), 2),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Estimate(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "pricing: rate limit wait")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/estimate", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "pricing: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("pricing: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.Retryable(err, resp.StatusCode)
		}
		return nil, err
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "pricing: unmarshal response")
	}
	return &result, nil
}
