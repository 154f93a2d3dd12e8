package openai

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

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/paramstore"
)

const (
	defaultBaseURL       = "https://api.groq.com/openai/v1"
	defaultTimeout       = 20 * time.Second
	defaultStreamTimeout = 30 * time.Second
	defaultTemperature   = 0.7
)

// ErrMissingCredential is returned when no API key is configured or resolvable.
var ErrMissingCredential = errors.New("openai: missing API credential")

// chatRequest is the request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// wireMessage carries either a string or a list of wirePart as content.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// invalidator is implemented by getters that cache values, such as
// *paramstore.Client.
type invalidator interface {
	Invalidate(name string)
}

// Client is a focused OpenAI-compatible client for chat completions.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
	temperature   float64

	apiKey      string
	getter      paramstore.Getter
	paramPrefix string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets a static bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithParamStore resolves the bearer token from <prefix>/llm-api-token when no
// static key is set. Caching is left to g; a 401 or 403 from upstream
// invalidates the cached token when g supports it.
func WithParamStore(g paramstore.Getter, paramPrefix string) Option {
	return func(c *Client) {
		c.getter = g
		c.paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	}
}

// WithTimeouts bounds blocking requests and whole streams respectively.
func WithTimeouts(request, stream time.Duration) Option {
	return func(c *Client) {
		if request > 0 {
			c.timeout = request
		}
		if stream > 0 {
			c.streamTimeout = stream
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// NewClient creates a Client. Credentials are resolved lazily on the first
// request, so a client without a key can be built and reports
// ErrMissingCredential from CheckCredential and every call.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:       defaultBaseURL,
		httpClient:    &http.Client{},
		timeout:       defaultTimeout,
		streamTimeout: defaultStreamTimeout,
		temperature:   defaultTemperature,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckCredential reports whether an API key can be resolved.
func (c *Client) CheckCredential(ctx context.Context) error {
	_, err := c.resolveAPIKey(ctx)
	return err
}

// resolveAPIKey returns the static key, or reads it from the parameter store
// on every call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	if c.getter == nil || c.paramPrefix == "" {
		return "", ErrMissingCredential
	}
	return fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
}

func (c *Client) tokenParameterName() string {
	return paramstore.Name(c.paramPrefix, "llm-api-token")
}

// rejectedKey drops a stored token the upstream refused, so the next request
// reads a rotated value.
func (c *Client) rejectedKey(err error) {
	if c.apiKey != "" || c.getter == nil {
		return
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindHTTP {
		return
	}
	if ue.StatusCode != http.StatusUnauthorized && ue.StatusCode != http.StatusForbidden {
		return
	}
	if inv, ok := c.getter.(invalidator); ok {
		inv.Invalidate(c.tokenParameterName())
	}
}

// resolvedHTTPClient returns the configured HTTP client, or a bare default if
// none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Complete sends messages and returns choices[0].message.content.
func (c *Client) Complete(ctx context.Context, model string, messages []domain.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, url, err := c.newChatRequest(ctx, model, messages, false)
	if err != nil {
		return "", err
	}

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", err
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", &UpstreamError{Kind: KindMalformed, URL: url, Detail: "decode response", Err: decErr}
	}
	if len(payload.Choices) == 0 {
		return "", &UpstreamError{Kind: KindMalformed, URL: url, Detail: "no choices in response"}
	}
	content := payload.Choices[0].Message.Content
	if content == nil {
		return "", &UpstreamError{Kind: KindMalformed, URL: url, Detail: "missing choices[0].message.content"}
	}
	return *content, nil
}

// Stream opens a streaming completion. The caller must Close the returned
// Stream; cancelling ctx also aborts it.
func (c *Client) Stream(ctx context.Context, model string, messages []domain.Turn) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)

	req, url, err := c.newChatRequest(ctx, model, messages, true)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		cancel()
		return nil, classifyTransportError(url, doErr)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer cancel()
		defer func() { _ = res.Body.Close() }()
		err := statusError(res, url)
		c.rejectedKey(err)
		return nil, err
	}
	return newStream(ctx, res.Body, cancel, url), nil
}

func (c *Client) newChatRequest(ctx context.Context, model string, messages []domain.Turn, stream bool) (*http.Request, string, error) {
	if strings.TrimSpace(model) == "" {
		return nil, "", errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, "", err
	}

	temperature := c.temperature
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    toWireMessages(messages),
		Temperature: &temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, "", fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, "", fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, url, nil
}

func toWireMessages(turns []domain.Turn) []wireMessage {
	out := make([]wireMessage, 0, len(turns))
	for _, t := range turns {
		msg := wireMessage{Role: string(t.Role)}
		if !t.Content.IsMultipart() {
			msg.Content = t.Content.Text
			out = append(out, msg)
			continue
		}
		parts := make([]wirePart, 0, len(t.Content.Parts))
		for _, p := range t.Content.Parts {
			switch p.Type {
			case domain.PartText:
				parts = append(parts, wirePart{Type: "text", Text: p.Text})
			case domain.PartImage:
				if p.Image == nil {
					continue
				}
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.Image.DataURL()}})
			}
		}
		msg.Content = parts
		out = append(out, msg)
	}
	return out
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, classifyTransportError(url, doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		err := statusError(res, url)
		c.rejectedKey(err)
		return nil, err
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, classifyTransportError(url, err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter paramstore.Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("%w: API token is empty", ErrMissingCredential)
	}
	return tp.Token, nil
}
