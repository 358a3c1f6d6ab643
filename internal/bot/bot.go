// Package bot runs the SkyReply notification loop.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zai-bots/skyreply/internal/genai"
	"github.com/zai-bots/skyreply/internal/models"
	"github.com/zai-bots/skyreply/internal/store"
)

// Constants for the bot loop
const (
	// DefaultPollInterval is the pause between notification fetches.
	DefaultPollInterval = 30 * time.Second
	// DefaultFetchLimit is how many notifications one cycle requests.
	DefaultFetchLimit = 30
)

// Client is the Bluesky surface the bot needs. Implemented by
// *bluesky.Client; narrowed here so cycle behavior is testable with fakes.
type Client interface {
	ListNotifications(ctx context.Context, limit int) ([]models.Notification, error)
	ResolveThread(ctx context.Context, uri string) models.ThreadContext
	HasReplied(ctx context.Context, uri string) bool
	SendReply(ctx context.Context, text string, root, parent models.StrongRef) (models.StrongRef, error)
	UpdateSeen(ctx context.Context, seenAt time.Time) error
	DID() string
	Handle() string
}

// Generator produces reply text for a resolved conversation.
type Generator interface {
	Generate(ctx context.Context, tc models.ThreadContext) (string, []genai.Attempt)
}

// Bot polls the notification stream and dispatches replies.
type Bot struct {
	client     Client
	generator  Generator
	seenStore  store.SeenStore
	handled    *store.Cache
	classifier *Classifier

	interval           time.Duration
	limit              int
	trustServerRead    bool
	checkExistingReply bool

	idleCycles int
}

// BotOpts holds configuration options for the bot.
type BotOpts struct {
	Interval           time.Duration
	Limit              int
	Ignored            map[string]struct{}
	TrustServerRead    bool
	CheckExistingReply bool
}

// BotOption defines a configuration option for the bot.
type BotOption func(*BotOpts)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) BotOption {
	return func(o *BotOpts) {
		o.Interval = d
	}
}

// WithFetchLimit sets the per-cycle notification fetch limit.
func WithFetchLimit(n int) BotOption {
	return func(o *BotOpts) {
		o.Limit = n
	}
}

// WithIgnored sets the ignored DIDs and handles.
func WithIgnored(ignored map[string]struct{}) BotOption {
	return func(o *BotOpts) {
		o.Ignored = ignored
	}
}

// WithTrustServerRead makes the bot skip notifications the server already
// marks as read, without recording them.
func WithTrustServerRead(v bool) BotOption {
	return func(o *BotOpts) {
		o.TrustServerRead = v
	}
}

// WithCheckExistingReply enables the server-side probe for an existing reply
// before generating one.
func WithCheckExistingReply(v bool) BotOption {
	return func(o *BotOpts) {
		o.CheckExistingReply = v
	}
}

// NewBot creates a bot. The client must already be logged in so the self
// identity is available to the classifier.
func NewBot(client Client, generator Generator, seenStore store.SeenStore, opts ...BotOption) *Bot {
	var cfg BotOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultFetchLimit
	}

	return &Bot{
		client:             client,
		generator:          generator,
		seenStore:          seenStore,
		handled:            store.NewCache(),
		classifier:         NewClassifier(client.DID(), client.Handle(), cfg.Ignored),
		interval:           cfg.Interval,
		limit:              cfg.Limit,
		trustServerRead:    cfg.TrustServerRead,
		checkExistingReply: cfg.CheckExistingReply,
	}
}

// Run loads the handled set, then polls until the context is canceled. The
// first cycle runs immediately.
func (b *Bot) Run(ctx context.Context) error {
	seen, err := b.seenStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load handled notifications: %w", err)
	}
	for uri := range seen {
		b.handled.Mark(uri)
	}
	slog.Info("Bot.Run: starting", "handled", b.handled.Len(), "interval", b.interval, "limit", b.limit)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Bot.Run: stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			b.RunCycle(ctx)
		}
	}
}

// RunCycle performs one fetch-classify-dispatch pass.
func (b *Bot) RunCycle(ctx context.Context) {
	notifs, err := b.client.ListNotifications(ctx, b.limit)
	if err != nil {
		slog.Error("Bot.RunCycle: notification fetch failed", "error", err)
		return
	}
	if len(notifs) == 0 {
		b.idleCycles++
		slog.Debug("Bot.RunCycle: no notifications", "idle_cycles", b.idleCycles)
		return
	}
	b.idleCycles = 0

	replied := 0
	for _, n := range notifs {
		if ctx.Err() != nil {
			return
		}
		if b.processNotification(ctx, n) {
			replied++
		}
	}
	slog.Info("Bot.RunCycle: cycle complete", "fetched", len(notifs), "replied", replied)

	// Advance the server-side marker to the newest arrival, falling back to
	// now when the batch carried no parseable timestamps.
	seenAt := notifs[len(notifs)-1].IndexedAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	if err := b.client.UpdateSeen(ctx, seenAt); err != nil {
		slog.Warn("Bot.RunCycle: seen marker update failed", "error", err)
	}
}

// processNotification handles one notification end to end, reporting whether
// a reply was attempted. A panic while handling one notification is contained
// here so the rest of the batch still runs.
func (b *Bot) processNotification(ctx context.Context, n models.Notification) (replied bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bot.processNotification: recovered from panic", "panic", r, "uri", n.URI)
		}
	}()

	if b.trustServerRead && n.IsRead {
		slog.Debug("Bot.processNotification: server marks read, skipping", "uri", n.URI)
		return false
	}

	decision := b.classifier.Classify(n, b.handled.Seen(n.URI))
	switch decision {
	case models.DecisionSkipDuplicate:
		return false
	case models.DecisionEligible:
		// fall through to the reply pipeline
	default:
		slog.Debug("Bot.processNotification: skipping", "uri", n.URI, "decision", decision, "author", n.Author.Handle)
		b.record(n.URI)
		return false
	}

	// Mark before the pipeline so a second occurrence of the same URI in
	// this run classifies as a duplicate no matter how this attempt ends.
	b.handled.Mark(n.URI)
	defer b.record(n.URI)

	if b.checkExistingReply && b.client.HasReplied(ctx, n.URI) {
		slog.Info("Bot.processNotification: already replied on server", "uri", n.URI)
		return false
	}

	tc := b.client.ResolveThread(ctx, n.URI)
	if tc.Empty() {
		slog.Warn("Bot.processNotification: thread unresolvable, skipping", "uri", n.URI)
		return false
	}

	text, attempts := b.generator.Generate(ctx, tc)
	if text == "" {
		slog.Warn("Bot.processNotification: no reply generated, skipping", "uri", n.URI, "attempts", len(attempts))
		return false
	}

	root := n.Ref()
	if n.Record.Reply != nil && n.Record.Reply.Root.Valid() {
		root = n.Record.Reply.Root
	}
	created, err := b.client.SendReply(ctx, text, root, n.Ref())
	if err != nil {
		slog.Error("Bot.processNotification: reply post failed", "error", err, "uri", n.URI)
		return true
	}
	slog.Info("Bot.processNotification: replied", "uri", n.URI, "reply_uri", created.URI, "author", n.Author.Handle)
	return true
}

// record durably marks a notification URI as handled. A URI that cannot be
// recorded stays in the in-run cache, so it is only ever re-evaluated after a
// restart.
func (b *Bot) record(uri string) {
	if uri == "" {
		return
	}
	b.handled.Mark(uri)
	if err := b.seenStore.Record(uri); err != nil {
		slog.Error("Bot.record: failed to persist handled notification", "error", err, "uri", uri)
	}
}
