// Package genai generates reply text for SkyReply.
//
// This file implements the native-SDK backend using the OpenAI client
// library, for deployments with a direct OpenAI credential alongside or
// instead of OpenRouter.
package genai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Compile-time check that OpenAIBackend implements Backend.
var _ Backend = (*OpenAIBackend)(nil)

// OpenAIBackend completes prompts through the OpenAI SDK.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

// NewOpenAIBackend creates a native-SDK backend for one model.
func NewOpenAIBackend(apiKey, model string, timeout time.Duration) *OpenAIBackend {
	if timeout <= 0 {
		timeout = DefaultCompletionTimeout
	}
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
	)
	return &OpenAIBackend{client: client, model: model}
}

// Name identifies the backend in logs and attempt records.
func (b *OpenAIBackend) Name() string {
	return "openai/" + b.model
}

// Complete sends one chat completion request through the SDK. Failures come
// back as *BackendError for the generator's fallback state machine.
func (b *OpenAIBackend) Complete(ctx context.Context, systemPrompt, userContent string) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userContent),
		},
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &BackendError{Outcome: OutcomeMalformed, Err: errors.New("response has no choices")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classifyOpenAIError maps SDK errors onto attempt outcomes.
func classifyOpenAIError(err error) *BackendError {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &BackendError{Outcome: OutcomeRateLimited, StatusCode: apierr.StatusCode, Err: err}
		case apierr.StatusCode >= 400:
			return &BackendError{Outcome: OutcomeHTTPError, StatusCode: apierr.StatusCode, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Outcome: OutcomeTimedOut, Err: err}
	}
	return &BackendError{Outcome: OutcomeOther, Err: err}
}
