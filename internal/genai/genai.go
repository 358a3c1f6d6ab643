// Package genai generates reply text for SkyReply using configured model backends.
//
// Backends are organized into credential groups: all models reachable with
// one credential form a group, and groups are tried in configured order. A
// rate-limited attempt abandons the rest of the current group when another
// group remains; every other failure moves to the next model in the same
// group. The first backend returning non-empty well-formed text wins.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zai-bots/skyreply/internal/models"
)

// HandlePlaceholder is the substitution point in the system prompt template.
const HandlePlaceholder = "{{BLUESKY_HANDLE}}"

// truncationMarker is appended when a reply exceeds the platform limit.
const truncationMarker = "..."

// Outcome classifies the result of one backend attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeEmpty       Outcome = "empty-response"
	OutcomeMalformed   Outcome = "malformed-response"
	OutcomeRateLimited Outcome = "rate-limited"
	OutcomeTimedOut    Outcome = "timed-out"
	OutcomeHTTPError   Outcome = "http-error"
	OutcomeOther       Outcome = "other-error"
)

// Attempt records one backend try for one notification.
type Attempt struct {
	Backend string
	Outcome Outcome
}

// BackendError is a classified completion failure.
type BackendError struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion failed (%s, HTTP %d): %v", e.Outcome, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion failed (%s): %v", e.Outcome, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// classify maps an error to its attempt outcome.
func classify(err error) Outcome {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Outcome
	}
	return OutcomeOther
}

// Backend is a single completion provider: one model behind one credential.
type Backend interface {
	// Name identifies the backend in logs and attempt records.
	Name() string
	// Complete returns reply text for the given prompts. An empty string
	// with a nil error means the model answered with nothing usable.
	Complete(ctx context.Context, systemPrompt, userContent string) (string, error)
}

// Generator produces reply text by iterating credential groups of backends.
type Generator struct {
	systemPrompt string
	groups       [][]Backend
}

// NewGenerator creates a Generator. The system prompt template has its
// handle placeholder substituted once here; the result is immutable.
func NewGenerator(systemPromptTemplate, selfHandle string, groups [][]Backend) *Generator {
	prompt := strings.ReplaceAll(systemPromptTemplate, HandlePlaceholder, selfHandle)
	return &Generator{systemPrompt: prompt, groups: groups}
}

// SystemPrompt returns the substituted system prompt.
func (g *Generator) SystemPrompt() string {
	return g.systemPrompt
}

// Generate asks the configured backends for a reply to the thread context.
// Returns the trimmed, length-limited text of the first successful attempt,
// or an empty string when every backend is exhausted. The attempt log is
// returned either way.
func (g *Generator) Generate(ctx context.Context, tc models.ThreadContext) (string, []Attempt) {
	userContent := BuildUserContent(tc)
	var attempts []Attempt

	for gi, group := range g.groups {
		lastGroup := gi == len(g.groups)-1
		for _, backend := range group {
			slog.Debug("Generator.Generate: attempting backend", "backend", backend.Name())
			text, err := backend.Complete(ctx, g.systemPrompt, userContent)

			if err == nil {
				text = strings.TrimSpace(text)
				if text == "" {
					attempts = append(attempts, Attempt{Backend: backend.Name(), Outcome: OutcomeEmpty})
					slog.Warn("Generator.Generate: empty response", "backend", backend.Name())
					continue
				}
				attempts = append(attempts, Attempt{Backend: backend.Name(), Outcome: OutcomeSuccess})
				slog.Info("Generator.Generate: reply generated", "backend", backend.Name(), "length", len(text))
				return Truncate(text), attempts
			}

			outcome := classify(err)
			attempts = append(attempts, Attempt{Backend: backend.Name(), Outcome: outcome})
			slog.Warn("Generator.Generate: backend failed", "backend", backend.Name(), "outcome", outcome, "error", err)

			// A rate limit exhausts the credential, not the model: when
			// another credential group remains, abandon this one.
			if outcome == OutcomeRateLimited && !lastGroup {
				slog.Info("Generator.Generate: rate limited, switching credential", "backend", backend.Name())
				break
			}
		}
	}

	slog.Error("Generator.Generate: all backends exhausted", "attempts", len(attempts))
	return "", attempts
}

// BuildUserContent renders the conversation context in the prompt format the
// model is instructed on.
func BuildUserContent(tc models.ThreadContext) string {
	historyLines := make([]string, 0, len(tc.History))
	for _, p := range tc.History {
		historyLines = append(historyLines, p.String())
	}
	return "<thread_history>\n" + strings.Join(historyLines, "\n") + "\n</thread_history>\n" +
		"<most_recent_post>\n" + tc.MostRecent.String() + "\n</most_recent_post>\n" +
		"Reply now."
}

// Truncate trims surrounding whitespace and enforces the platform post
// length limit: text over the limit becomes the first 297 code points plus
// an ellipsis marker, exactly the limit in total. Text at or under the
// limit is left untouched.
func Truncate(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= models.MaxPostLength {
		return text
	}
	return string(runes[:models.MaxPostLength-len(truncationMarker)]) + truncationMarker
}
