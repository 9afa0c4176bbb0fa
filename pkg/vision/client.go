package vision

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

const defaultBaseURL = "https://vision.scanium.io/v1"

// Client extracts visual attributes (logos, colors, labels, OCR) from an
// item image.
type Client interface {
	Annotate(ctx context.Context, req Request) (*Response, error)
}

// Request is the body for POST /annotate.
type Request struct {
	ImagePNG []byte `json:"-"`
	ImageB64 string `json:"image,omitempty"`
}

// Response carries each extraction with its detection confidence.
type Response struct {
	Logos    []Annotation `json:"logos,omitempty"`
	Colors   []Annotation `json:"colors,omitempty"`
	Labels   []Annotation `json:"labels,omitempty"`
	OCRText  string       `json:"ocr_text,omitempty"`
	OCRScore float64      `json:"ocr_score,omitempty"`
}

// Annotation is one extracted value with its score.
type Annotation struct {
	Value string  `json:"value"`
	Score float64 `json:"score"`
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

// NewClient creates a vision service client.
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
		limiter: rate.NewLimiter(rate.Limit(10), 4),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Annotate(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "vision: rate limit wait")
	}

	if req.ImageB64 == "" && len(req.ImagePNG) > 0 {
		req.ImageB64 = base64.StdEncoding.EncodeToString(req.ImagePNG)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "vision: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/annotate", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "vision: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "vision: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "vision: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("vision: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.Retryable(err, resp.StatusCode)
		}
		return nil, err
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "vision: unmarshal response")
	}
	return &result, nil
}
