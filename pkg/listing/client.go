package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

const defaultModel = "claude-haiku-4-5-20251001"

// Client generates marketplace listing copy for a scanned item.
type Client interface {
	Generate(ctx context.Context, req Request) (*Copy, error)
}

// Request describes the item the copy is generated for.
type Request struct {
	Category       string
	Label          string
	Attributes     map[string]string
	Condition      string
	PriceLowCents  int64
	PriceHighCents int64
	Currency       string
	Notes          string
}

// Copy is generated listing content. Fields are plain prose; responses
// where structured output leaks into the text are rejected by the client.
type Copy struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Bullets     []string `json:"bullets"`
}

// ErrMalformedResponse marks a generation whose output failed validation.
// Callers treat it as a generation failure, never as usable content.
var ErrMalformedResponse = eris.New("listing: malformed model response")

// Option configures the client.
type Option func(*aiClient)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *aiClient) { c.model = model }
}

type aiClient struct {
	client sdk.Client
	model  string
}

// NewClient creates a listing generator backed by the Anthropic API.
func NewClient(apiKey string, opts ...Option) Client {
	c := &aiClient{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultModel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const systemPrompt = `You write concise second-hand marketplace listings.
Respond with a single JSON object: {"title": string, "description": string, "bullets": [string]}.
Title at most 80 characters. Description 2-4 sentences of plain prose.
Three to five bullets, each a short plain-text selling point.
Never include JSON, braces, or key-value syntax inside the title, description, or bullets.`

func (c *aiClient) Generate(ctx context.Context, req Request) (*Copy, error) {
	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 1024,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(buildPrompt(req))),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "listing: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return ParseCopy(text.String())
}

// buildPrompt flattens the item facts into the user message. Attribute keys
// are sorted so the same item always produces the same prompt.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Item category: %s\n", req.Category)
	if req.Label != "" {
		fmt.Fprintf(&b, "Detected label: %s\n", req.Label)
	}
	if req.Condition != "" {
		fmt.Fprintf(&b, "Condition: %s\n", req.Condition)
	}
	if req.PriceHighCents > 0 {
		fmt.Fprintf(&b, "Estimated price: %.2f-%.2f %s\n",
			float64(req.PriceLowCents)/100, float64(req.PriceHighCents)/100, req.Currency)
	}
	keys := make([]string, 0, len(req.Attributes))
	for k := range req.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, req.Attributes[k])
	}
	if req.Notes != "" {
		fmt.Fprintf(&b, "Seller notes: %s\n", req.Notes)
	}
	return b.String()
}

// ParseCopy extracts and validates listing copy from model output text.
// The model sometimes wraps the JSON in prose or code fences; anything that
// cannot be isolated into one clean object, or whose prose fields carry
// JSON artifacts, is rejected with ErrMalformedResponse.
func ParseCopy(text string) (*Copy, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, eris.Wrap(ErrMalformedResponse, "no JSON object in output")
	}

	var c Copy
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, eris.Wrap(ErrMalformedResponse, err.Error())
	}

	if strings.TrimSpace(c.Title) == "" || strings.TrimSpace(c.Description) == "" {
		return nil, eris.Wrap(ErrMalformedResponse, "empty title or description")
	}
	for _, field := range append([]string{c.Title, c.Description}, c.Bullets...) {
		if looksLikeJSON(field) {
			return nil, eris.Wrap(ErrMalformedResponse, "structured output leaked into prose")
		}
	}
	return &c, nil
}

// extractJSONObject returns the first balanced top-level JSON object in s.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// looksLikeJSON flags prose that still carries structured-output syntax.
func looksLikeJSON(s string) bool {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		return true
	}
	if strings.Contains(t, `":`) || strings.Contains(t, "```") {
		return true
	}
	return false
}
