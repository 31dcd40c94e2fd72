package invoker

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

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// Upper bound on the transport; per-call deadlines come from the context.
	transportTimeout = 300 * time.Second
	maxResponseBytes = 4 << 20
	maxErrorBody     = 512
)

// HTTPProvider calls any OpenAI-compatible /chat/completions endpoint
// (OpenRouter, vLLM, Ollama's compatibility API, ...).
type HTTPProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	referer    string
	title      string
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(p *HTTPProvider) { p.apiKey = key }
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps float64) HTTPOption {
	return func(p *HTTPProvider) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithHTTPClient replaces the HTTP client (for testing).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.httpClient = c }
}

// NewHTTPProvider creates a provider registered under name.
func NewHTTPProvider(name, baseURL string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: transportTimeout},
		referer:    "https://github.com/kalambet/tutorai",
		title:      "tutorai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the registration name.
func (p *HTTPProvider) Name() string { return p.name }

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

func (p *HTTPProvider) encode(call Call, stream bool) ([]byte, error) {
	req := chatRequest{
		Model:     call.Model,
		Messages:  call.Messages,
		MaxTokens: call.Params.MaxTokens,
		Stream:    stream,
	}
	if call.Params.Temperature > 0 {
		t := call.Params.Temperature
		req.Temperature = &t
	}
	if call.Params.JSON {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return json.Marshal(req)
}

// Complete performs one non-streaming chat completion.
func (p *HTTPProvider) Complete(ctx context.Context, call Call) (Completion, error) {
	body, err := p.encode(call, false)
	if err != nil {
		return Completion{}, fatal("encoding request", err)
	}

	resp, err := p.do(ctx, body)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Completion{}, p.readFailure(ctx, err)
	}
	return parseCompletion(data, call.Model)
}

func parseCompletion(data []byte, requested string) (Completion, error) {
	if !gjson.ValidBytes(data) {
		return Completion{}, transient("malformed response", nil)
	}
	// Some gateways report upstream failures with a 200 and an error object.
	if e := gjson.GetBytes(data, "error"); e.Exists() {
		code := int(e.Get("code").Int())
		f := statusFailure(code, e.Get("message").String())
		if code == 0 {
			f.Kind, f.Reason = Transient, "provider error"
		}
		return Completion{}, f
	}
	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() || strings.TrimSpace(content.String()) == "" {
		return Completion{}, transient("empty completion", nil)
	}

	c := Completion{
		Text:             content.String(),
		Model:            gjson.GetBytes(data, "model").String(),
		PromptTokens:     int(gjson.GetBytes(data, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(data, "usage.completion_tokens").Int()),
	}
	if c.Model == "" {
		c.Model = requested
	}
	return c, nil
}

// Stream opens a streaming chat completion. The returned Stream owns the
// response body.
func (p *HTTPProvider) Stream(ctx context.Context, call Call) (*Stream, error) {
	body, err := p.encode(call, true)
	if err != nil {
		return nil, fatal("encoding request", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := p.do(streamCtx, body)
	if err != nil {
		cancel()
		return nil, err
	}
	return newSSEStream(streamCtx, resp.Body, cancel), nil
}

// do sends the request and converts transport and status errors to Failures.
// On success the caller owns resp.Body.
func (p *HTTPProvider) do(ctx context.Context, body []byte) (*http.Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, transient("rate limiter wait", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fatal("creating request", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.readFailure(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, statusFailure(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func (p *HTTPProvider) readFailure(ctx context.Context, err error) *Failure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return transient("timeout", err)
	}
	if ctx.Err() != nil {
		return transient("cancelled", ctx.Err())
	}
	return transient("network error", err)
}

func (p *HTTPProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("HTTP-Referer", p.referer)
	req.Header.Set("X-Title", p.title)
}

func (p *HTTPProvider) String() string {
	return fmt.Sprintf("%s(%s)", p.name, p.baseURL)
}
