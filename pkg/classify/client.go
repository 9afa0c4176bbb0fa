package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/scanium/scan-engine/internal/resilience"
)

const defaultBaseURL = "https://classify.scanium.io/v1"

// Mode selects the classification backend.
type Mode string

const (
	ModeOnDevice Mode = "on_device"
	ModeCloud    Mode = "cloud"
)

// Client performs item classification requests.
type Client interface {
	Classify(ctx context.Context, req Request) (*Response, error)
}

// Request is the body for POST /classify.
type Request struct {
	ImagePNG      []byte `json:"-"`
	ImageB64      string `json:"image,omitempty"`
	Mode          Mode   `json:"mode"`
	CategoryHint  string `json:"category_hint,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Response is the classification result.
type Response struct {
	Category         string             `json:"category,omitempty"`
	Label            string             `json:"label,omitempty"`
	DomainCategoryID string             `json:"domain_category_id,omitempty"`
	Confidence       float64            `json:"confidence,omitempty"`
	Attributes       map[string]Scored  `json:"attributes,omitempty"`
	PriceLowCents    int64              `json:"price_low_cents,omitempty"`
	PriceHighCents   int64              `json:"price_high_cents,omitempty"`
	PriceCurrency    string             `json:"price_currency,omitempty"`
	Vision           *VisionAttributes  `json:"vision,omitempty"`
}

// Scored is a string value with a confidence score.
type Scored struct {
	Value string  `json:"value"`
	Score float64 `json:"score"`
}

// VisionAttributes mirrors the vision service output when the classifier
// runs its own extraction pass.
type VisionAttributes struct {
	Logos   []Scored `json:"logos,omitempty"`
	Colors  []Scored `json:"colors,omitempty"`
	Labels  []Scored `json:"labels,omitempty"`
	OCRText string   `json:"ocr_text,omitempty"`
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

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a classification service client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
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

func (c *httpClient) Classify(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "classify: rate limit wait")
	}

	if req.ImageB64 == "" && len(req.ImagePNG) > 0 {
		req.ImageB64 = base64.StdEncoding.EncodeToString(req.ImagePNG)
	}
	if req.Mode == "" {
		req.Mode = ModeCloud
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "classify: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "classify: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "classify: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "classify: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("classify: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.Retryable(err, resp.StatusCode)
		}
		return nil, err
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "classify: unmarshal response")
	}
	return &result, nil
}
