// Package models defines the core data structures for SkyReply.
//
// It includes the typed notification record produced at the Bluesky client
// boundary, thread context types, and classification decisions, which are
// shared across modules.
package models

import "time"

// Notification reasons the bot responds to. Every other reason is skipped.
const (
	// ReasonMention indicates the bot was mentioned in a post.
	ReasonMention = "mention"
	// ReasonReply indicates a post replied to one of the bot's posts.
	ReasonReply = "reply"
)

// MaxPostLength is the Bluesky post length limit in Unicode code points.
// Replies longer than this are truncated, never rejected.
const MaxPostLength = 300

// Author identifies the account that triggered a notification.
type Author struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// StrongRef is a (uri, cid) pair identifying a specific version of a post.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Valid reports whether both components of the reference are present.
// A partial reference must never be used to anchor a reply.
func (r StrongRef) Valid() bool {
	return r.URI != "" && r.CID != ""
}

// ReplyRef anchors a post into a thread: root is the thread's first post,
// parent is the post being directly replied to.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// PostRecord is the record payload of a post. Only the fields the bot reads
// are modeled; Reply is nil for top-level posts.
type PostRecord struct {
	Type      string    `json:"$type,omitempty"`
	Text      string    `json:"text"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	CreatedAt string    `json:"createdAt,omitempty"`
}

// Notification is the typed result of parsing one entry from the Bluesky
// notification list. Parsing never fails: missing fields stay empty and the
// classifier maps them to a malformed decision, so presence checks live in
// exactly one place instead of being scattered through the loop.
type Notification struct {
	URI       string
	CID       string
	Author    Author
	Reason    string
	Record    PostRecord
	IsRead    bool // server-reported, advisory only
	IndexedAt time.Time
}

// Malformed reports whether the notification is missing fields the reply
// pipeline requires. A notification with a URI but missing other fields is
// still recorded so it is never re-evaluated.
func (n Notification) Malformed() bool {
	return n.URI == "" || n.CID == "" || n.Author.DID == "" || n.Author.Handle == "" || n.Reason == ""
}

// Ref returns the notification's own strong reference.
func (n Notification) Ref() StrongRef {
	return StrongRef{URI: n.URI, CID: n.CID}
}

// ThreadPost is one (author, text) pair collected from a thread walk.
type ThreadPost struct {
	Author string
	Text   string
}

// String renders the post the way it is presented to the model.
func (p ThreadPost) String() string {
	return "@" + p.Author + ": " + p.Text
}

// ThreadContext is an ordered root-to-leaf slice of a conversation.
// History excludes MostRecent, the single post the reply targets.
type ThreadContext struct {
	History    []ThreadPost
	MostRecent ThreadPost
}

// Empty reports whether no posts were resolved. An empty context marks the
// notification as unanswerable; it is skipped, not retried.
func (tc ThreadContext) Empty() bool {
	return tc.MostRecent == (ThreadPost{}) && len(tc.History) == 0
}

// Decision is the outcome of classifying one fetched notification.
type Decision string

const (
	// DecisionEligible means the notification should receive a generated reply.
	DecisionEligible Decision = "eligible"
	// DecisionSkipMalformed means required fields are missing.
	DecisionSkipMalformed Decision = "skip-malformed"
	// DecisionSkipIgnored means the author is on the ignore list.
	DecisionSkipIgnored Decision = "skip-ignored"
	// DecisionSkipDuplicate means the notification was already handled.
	DecisionSkipDuplicate Decision = "skip-duplicate"
	// DecisionSkipSelf means the bot triggered the notification itself.
	DecisionSkipSelf Decision = "skip-self"
	// DecisionSkipWrongReason means the reason is not a mention or reply.
	DecisionSkipWrongReason Decision = "skip-wrong-reason"
)
