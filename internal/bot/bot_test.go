package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zai-bots/skyreply/internal/genai"
	"github.com/zai-bots/skyreply/internal/models"
	"github.com/zai-bots/skyreply/internal/store"
)

const (
	botDID    = "did:plc:bot"
	botHandle = "bot.bsky.social"
)

type sentReply struct {
	text   string
	root   models.StrongRef
	parent models.StrongRef
}

// fakeClient scripts the Bluesky surface for cycle tests.
type fakeClient struct {
	notifs      []models.Notification
	listErr     error
	threads     map[string]models.ThreadContext
	hasReplied  map[string]bool
	sendErr     error
	sent        []sentReply
	seenUpdated int
	seenAt      time.Time
}

func (f *fakeClient) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	return f.notifs, f.listErr
}

func (f *fakeClient) ResolveThread(ctx context.Context, uri string) models.ThreadContext {
	return f.threads[uri]
}

func (f *fakeClient) HasReplied(ctx context.Context, uri string) bool {
	return f.hasReplied[uri]
}

func (f *fakeClient) SendReply(ctx context.Context, text string, root, parent models.StrongRef) (models.StrongRef, error) {
	if f.sendErr != nil {
		return models.StrongRef{}, f.sendErr
	}
	f.sent = append(f.sent, sentReply{text: text, root: root, parent: parent})
	return models.StrongRef{URI: "at://did:plc:bot/app.bsky.feed.post/reply", CID: "cid-reply"}, nil
}

func (f *fakeClient) UpdateSeen(ctx context.Context, seenAt time.Time) error {
	f.seenUpdated++
	f.seenAt = seenAt
	return nil
}

func (f *fakeClient) DID() string    { return botDID }
func (f *fakeClient) Handle() string { return botHandle }

type fakeGenerator struct {
	text  string
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, tc models.ThreadContext) (string, []genai.Attempt) {
	f.calls++
	return f.text, nil
}

func mention(uri string) models.Notification {
	return models.Notification{
		URI:    uri,
		CID:    "cid-" + uri,
		Author: models.Author{DID: "did:plc:someone", Handle: "someone.bsky.social"},
		Reason: models.ReasonMention,
		Record: models.PostRecord{Text: "hi @" + botHandle},
	}
}

func simpleThread(uri string) map[string]models.ThreadContext {
	return map[string]models.ThreadContext{
		uri: {MostRecent: models.ThreadPost{Author: "someone.bsky.social", Text: "hi"}},
	}
}

func newTestBot(client *fakeClient, gen *fakeGenerator, seen store.SeenStore, opts ...BotOption) *Bot {
	b := NewBot(client, gen, seen, opts...)
	loaded, _ := seen.Load()
	for uri := range loaded {
		b.handled.Mark(uri)
	}
	return b
}

func TestClassifyPrecedence(t *testing.T) {
	c := NewClassifier(botDID, botHandle, map[string]struct{}{
		"did:plc:blocked":  {},
		"spam.bsky.social": {},
	})

	author := models.Author{DID: "did:plc:someone", Handle: "someone.bsky.social"}
	tests := []struct {
		name    string
		notif   models.Notification
		handled bool
		want    models.Decision
	}{
		{
			name:  "eligible mention",
			notif: models.Notification{URI: "u", CID: "c", Author: author, Reason: models.ReasonMention},
			want:  models.DecisionEligible,
		},
		{
			name:  "eligible reply",
			notif: models.Notification{URI: "u", CID: "c", Author: author, Reason: models.ReasonReply},
			want:  models.DecisionEligible,
		},
		{
			name:  "missing cid is malformed",
			notif: models.Notification{URI: "u", Author: author, Reason: models.ReasonMention},
			want:  models.DecisionSkipMalformed,
		},
		{
			name:    "malformed wins over duplicate",
			notif:   models.Notification{URI: "u", Author: author, Reason: models.ReasonMention},
			handled: true,
			want:    models.DecisionSkipMalformed,
		},
		{
			name:  "ignored by did",
			notif: models.Notification{URI: "u", CID: "c", Author: models.Author{DID: "did:plc:blocked", Handle: "x.bsky.social"}, Reason: models.ReasonMention},
			want:  models.DecisionSkipIgnored,
		},
		{
			name:  "ignored by handle",
			notif: models.Notification{URI: "u", CID: "c", Author: models.Author{DID: "did:plc:other", Handle: "spam.bsky.social"}, Reason: models.ReasonMention},
			want:  models.DecisionSkipIgnored,
		},
		{
			name:    "ignored wins over duplicate",
			notif:   models.Notification{URI: "u", CID: "c", Author: models.Author{DID: "did:plc:blocked", Handle: "x.bsky.social"}, Reason: models.ReasonMention},
			handled: true,
			want:    models.DecisionSkipIgnored,
		},
		{
			name:    "duplicate",
			notif:   models.Notification{URI: "u", CID: "c", Author: author, Reason: models.ReasonMention},
			handled: true,
			want:    models.DecisionSkipDuplicate,
		},
		{
			name:  "self-triggered",
			notif: models.Notification{URI: "u", CID: "c", Author: models.Author{DID: botDID, Handle: botHandle}, Reason: models.ReasonMention},
			want:  models.DecisionSkipSelf,
		},
		{
			name:    "duplicate wins over self",
			notif:   models.Notification{URI: "u", CID: "c", Author: models.Author{DID: botDID, Handle: botHandle}, Reason: models.ReasonMention},
			handled: true,
			want:    models.DecisionSkipDuplicate,
		},
		{
			name:  "unsupported reason",
			notif: models.Notification{URI: "u", CID: "c", Author: author, Reason: "like"},
			want:  models.DecisionSkipWrongReason,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.notif, tt.handled)
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			// Same inputs, same decision.
			if again := c.Classify(tt.notif, tt.handled); again != got {
				t.Errorf("classification not stable: %s then %s", got, again)
			}
		})
	}
}

func TestCycleRepliesToMention(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/1"
	client := &fakeClient{
		notifs:  []models.Notification{mention(uri)},
		threads: simpleThread(uri),
	}
	gen := &fakeGenerator{text: "hey lol"}
	seen := store.NewInMemoryStore()
	b := newTestBot(client, gen, seen)

	b.RunCycle(context.Background())

	if len(client.sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(client.sent))
	}
	reply := client.sent[0]
	if reply.text != "hey lol" {
		t.Errorf("wrong reply text: %q", reply.text)
	}
	// Top-level mention: its own reference anchors both root and parent.
	own := models.StrongRef{URI: uri, CID: "cid-" + uri}
	if reply.root != own || reply.parent != own {
		t.Errorf("wrong anchors: root=%+v parent=%+v", reply.root, reply.parent)
	}
	loaded, _ := seen.Load()
	if _, ok := loaded[uri]; !ok {
		t.Error("handled notification not recorded")
	}
	if client.seenUpdated != 1 {
		t.Errorf("expected one seen-marker update, got %d", client.seenUpdated)
	}
}

func TestCycleAnchorsRootFromThreadedPost(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/2"
	threadRoot := models.StrongRef{URI: "at://did:plc:op/app.bsky.feed.post/root", CID: "cid-root"}
	n := mention(uri)
	n.Reason = models.ReasonReply
	n.Record.Reply = &models.ReplyRef{Root: threadRoot, Parent: models.StrongRef{URI: "at://p", CID: "cid-p"}}

	client := &fakeClient{notifs: []models.Notification{n}, threads: simpleThread(uri)}
	b := newTestBot(client, &fakeGenerator{text: "ok"}, store.NewInMemoryStore())

	b.RunCycle(context.Background())

	if len(client.sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(client.sent))
	}
	if client.sent[0].root != threadRoot {
		t.Errorf("expected thread root anchor, got %+v", client.sent[0].root)
	}
	if client.sent[0].parent != n.Ref() {
		t.Errorf("parent must be the triggering post, got %+v", client.sent[0].parent)
	}
}

func TestCycleIgnoresPartialRootReference(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/3"
	n := mention(uri)
	// Root missing its CID must never anchor a reply.
	n.Record.Reply = &models.ReplyRef{Root: models.StrongRef{URI: "at://r"}}

	client := &fakeClient{notifs: []models.Notification{n}, threads: simpleThread(uri)}
	b := newTestBot(client, &fakeGenerator{text: "ok"}, store.NewInMemoryStore())

	b.RunCycle(context.Background())

	if len(client.sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(client.sent))
	}
	if client.sent[0].root != n.Ref() {
		t.Errorf("partial root should fall back to the notification's own ref, got %+v", client.sent[0].root)
	}
}

func TestCycleSkipsDuplicateAcrossRestart(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/4"
	seen := store.NewInMemoryStore()
	seen.Record(uri)

	client := &fakeClient{notifs: []models.Notification{mention(uri)}, threads: simpleThread(uri)}
	gen := &fakeGenerator{text: "ok"}
	b := newTestBot(client, gen, seen)

	b.RunCycle(context.Background())

	if len(client.sent) != 0 {
		t.Errorf("previously handled notification must not get a reply, sent %d", len(client.sent))
	}
	if gen.calls != 0 {
		t.Errorf("generator must not run for duplicates, ran %d times", gen.calls)
	}
}

func TestCycleAtMostOnceWithinRun(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/5"
	client := &fakeClient{
		notifs:  []models.Notification{mention(uri), mention(uri)},
		threads: simpleThread(uri),
	}
	b := newTestBot(client, &fakeGenerator{text: "ok"}, store.NewInMemoryStore())

	b.RunCycle(context.Background())
	b.RunCycle(context.Background())

	if len(client.sent) != 1 {
		t.Errorf("expected exactly one reply across repeated sightings, got %d", len(client.sent))
	}
}

func TestCycleRecordsDespitePostFailure(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/6"
	client := &fakeClient{
		notifs:  []models.Notification{mention(uri)},
		threads: simpleThread(uri),
		sendErr: errors.New("boom"),
	}
	seen := store.NewInMemoryStore()
	b := newTestBot(client, &fakeGenerator{text: "ok"}, seen)

	b.RunCycle(context.Background())

	loaded, _ := seen.Load()
	if _, ok := loaded[uri]; !ok {
		t.Error("failed post attempt must still be recorded")
	}
	client.sendErr = nil
	b.RunCycle(context.Background())
	if len(client.sent) != 0 {
		t.Error("recorded notification must not be retried after a failed post")
	}
}

func TestCycleRecordsUnresolvableThread(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/7"
	client := &fakeClient{notifs: []models.Notification{mention(uri)}}
	gen := &fakeGenerator{text: "ok"}
	seen := store.NewInMemoryStore()
	b := newTestBot(client, gen, seen)

	b.RunCycle(context.Background())

	if len(client.sent) != 0 {
		t.Error("unresolvable thread must not produce a reply")
	}
	if gen.calls != 0 {
		t.Error("generator must not run on an empty context")
	}
	loaded, _ := seen.Load()
	if _, ok := loaded[uri]; !ok {
		t.Error("unanswerable notification must be recorded, not retried")
	}
}

func TestCycleRecordsWhenGenerationExhausted(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/8"
	client := &fakeClient{notifs: []models.Notification{mention(uri)}, threads: simpleThread(uri)}
	seen := store.NewInMemoryStore()
	b := newTestBot(client, &fakeGenerator{text: ""}, seen)

	b.RunCycle(context.Background())

	if len(client.sent) != 0 {
		t.Error("exhausted generation must not produce a reply")
	}
	loaded, _ := seen.Load()
	if _, ok := loaded[uri]; !ok {
		t.Error("exhausted notification must be recorded, not retried")
	}
}

func TestCycleRecordsSkipsButNotDuplicates(t *testing.T) {
	selfURI := "at://did:plc:bot/app.bsky.feed.post/9"
	self := models.Notification{
		URI:    selfURI,
		CID:    "cid-self",
		Author: models.Author{DID: botDID, Handle: botHandle},
		Reason: models.ReasonMention,
	}
	client := &fakeClient{notifs: []models.Notification{self}}
	seen := store.NewInMemoryStore()
	b := newTestBot(client, &fakeGenerator{text: "ok"}, seen)

	b.RunCycle(context.Background())

	loaded, _ := seen.Load()
	if _, ok := loaded[selfURI]; !ok {
		t.Error("self-triggered skip must be recorded so it is never re-evaluated")
	}

	// A second cycle classifies it as a duplicate; Record must not be hit
	// again, which an append-only file backend would duplicate.
	before := len(loaded)
	b.RunCycle(context.Background())
	loaded, _ = seen.Load()
	if len(loaded) != before {
		t.Errorf("duplicate skip must not re-record, store grew from %d to %d", before, len(loaded))
	}
}

func TestCycleTrustServerRead(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/10"
	n := mention(uri)
	n.IsRead = true
	client := &fakeClient{notifs: []models.Notification{n}, threads: simpleThread(uri)}
	seen := store.NewInMemoryStore()
	b := newTestBot(client, &fakeGenerator{text: "ok"}, seen, WithTrustServerRead(true))

	b.RunCycle(context.Background())

	if len(client.sent) != 0 {
		t.Error("read notification must be skipped when trusting the server flag")
	}
	loaded, _ := seen.Load()
	if _, ok := loaded[uri]; ok {
		t.Error("advisory read skip must not be recorded")
	}
}

func TestCycleExistingReplyProbe(t *testing.T) {
	uri := "at://did:plc:someone/app.bsky.feed.post/11"
	client := &fakeClient{
		notifs:     []models.Notification{mention(uri)},
		threads:    simpleThread(uri),
		hasReplied: map[string]bool{uri: true},
	}
	seen := store.NewInMemoryStore()
	b := newTestBot(client, &fakeGenerator{text: "ok"}, seen, WithCheckExistingReply(true))

	b.RunCycle(context.Background())

	if len(client.sent) != 0 {
		t.Error("existing server-side reply must suppress a new one")
	}
	loaded, _ := seen.Load()
	if _, ok := loaded[uri]; !ok {
		t.Error("probe-suppressed notification must be recorded")
	}
}

func TestCycleContinuesAfterFailures(t *testing.T) {
	bad := mention("at://did:plc:someone/app.bsky.feed.post/bad")
	good := mention("at://did:plc:someone/app.bsky.feed.post/good")
	client := &fakeClient{
		notifs:  []models.Notification{bad, good},
		threads: simpleThread(good.URI), // bad's thread is unresolvable
	}
	b := newTestBot(client, &fakeGenerator{text: "ok"}, store.NewInMemoryStore())

	b.RunCycle(context.Background())

	if len(client.sent) != 1 {
		t.Fatalf("later notifications must still be handled, got %d replies", len(client.sent))
	}
	if client.sent[0].parent != good.Ref() {
		t.Errorf("expected reply to the good notification, got %+v", client.sent[0].parent)
	}
}

func TestCycleAdvancesSeenMarkerToNewestArrival(t *testing.T) {
	older := mention("at://did:plc:someone/app.bsky.feed.post/older")
	older.IndexedAt = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	newer := mention("at://did:plc:someone/app.bsky.feed.post/newer")
	newer.IndexedAt = time.Date(2026, 8, 30, 12, 0, 5, 0, time.UTC)

	client := &fakeClient{notifs: []models.Notification{older, newer}}
	b := newTestBot(client, &fakeGenerator{text: "ok"}, store.NewInMemoryStore())

	b.RunCycle(context.Background())

	if !client.seenAt.Equal(newer.IndexedAt) {
		t.Errorf("seen marker should advance to the newest arrival, got %v", client.seenAt)
	}
}

func TestCycleSkipsSeenMarkerWhenIdle(t *testing.T) {
	client := &fakeClient{}
	b := newTestBot(client, &fakeGenerator{}, store.NewInMemoryStore())

	b.RunCycle(context.Background())

	if client.seenUpdated != 0 {
		t.Errorf("idle cycle must not touch the seen marker, got %d updates", client.seenUpdated)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	client := &fakeClient{}
	b := newTestBot(client, &fakeGenerator{}, store.NewInMemoryStore(), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
