// Package genai generates reply text for SkyReply.
//
// This file implements the OpenRouter chat-completions backend: one model
// behind one credential, speaking the OpenAI-compatible HTTP API directly so
// rate limits are visible per request.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Constants for the OpenRouter backend
const (
	// DefaultOpenRouterURL is the chat completions endpoint.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	// DefaultCompletionTimeout bounds one completion call.
	DefaultCompletionTimeout = 60 * time.Second
)

// Compile-time check that OpenRouterBackend implements Backend.
var _ Backend = (*OpenRouterBackend)(nil)

// OpenRouterBackend completes prompts against the OpenRouter HTTP API.
type OpenRouterBackend struct {
	apiURL   string
	model    string
	apiKey   string
	keyLabel string // "primary" or "secondary", for logs only
	http     *http.Client
}

// OpenRouterOpts holds configuration options for an OpenRouter backend.
type OpenRouterOpts struct {
	APIURL     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// OpenRouterOption defines a configuration option for an OpenRouter backend.
type OpenRouterOption func(*OpenRouterOpts)

// WithAPIURL overrides the chat completions endpoint.
func WithAPIURL(u string) OpenRouterOption {
	return func(o *OpenRouterOpts) {
		o.APIURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenRouterOption {
	return func(o *OpenRouterOpts) {
		o.HTTPClient = c
	}
}

// WithCompletionTimeout sets the per-call timeout.
func WithCompletionTimeout(d time.Duration) OpenRouterOption {
	return func(o *OpenRouterOpts) {
		o.Timeout = d
	}
}

// NewOpenRouterBackend creates a backend for one (model, credential) pair.
func NewOpenRouterBackend(model, apiKey, keyLabel string, opts ...OpenRouterOption) *OpenRouterBackend {
	var cfg OpenRouterOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultOpenRouterURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultCompletionTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &OpenRouterBackend{
		apiURL:   apiURL,
		model:    model,
		apiKey:   apiKey,
		keyLabel: keyLabel,
		http:     httpClient,
	}
}

// Name identifies the backend in logs and attempt records.
func (b *OpenRouterBackend) Name() string {
	return fmt.Sprintf("openrouter/%s (%s)", b.model, b.keyLabel)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat completion request. Failures come back as
// *BackendError so the generator can route them through the fallback state
// machine.
func (b *OpenRouterBackend) Complete(ctx context.Context, systemPrompt, userContent string) (string, error) {
	payload := chatRequest{
		Model: b.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &BackendError{Outcome: OutcomeOther, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", &BackendError{Outcome: OutcomeOther, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", &BackendError{Outcome: OutcomeTimedOut, Err: err}
		}
		return "", &BackendError{Outcome: OutcomeOther, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &BackendError{Outcome: OutcomeRateLimited, StatusCode: resp.StatusCode, Err: errors.New("rate limited")}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &BackendError{Outcome: OutcomeHTTPError, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", string(data))}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &BackendError{Outcome: OutcomeMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &BackendError{Outcome: OutcomeMalformed, Err: errors.New("response has no choices")}
	}
	return parsed.Choices[0].Message.Content, nil
}

// isTimeout reports whether err is a deadline or transport timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
