// Package bluesky wraps the Bluesky XRPC API for SkyReply.
//
// This file implements thread fetching and the root-to-leaf walk that turns
// a thread tree into the conversation context handed to the reply generator.
package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zai-bots/skyreply/internal/models"
)

// threadViewType is the $type of a resolvable thread node. Not-found and
// blocked nodes carry different types and no post.
const threadViewType = "app.bsky.feed.defs#threadViewPost"

// ThreadNode is one node of a fetched thread tree.
type ThreadNode struct {
	Type    string       `json:"$type"`
	Post    *ThreadPost  `json:"post,omitempty"`
	Parent  *ThreadNode  `json:"parent,omitempty"`
	Replies []ThreadNode `json:"replies,omitempty"`
}

// ThreadPost is the post view carried by a thread node.
type ThreadPost struct {
	URI    string            `json:"uri"`
	CID    string            `json:"cid"`
	Author models.Author     `json:"author"`
	Record models.PostRecord `json:"record"`
}

type getPostThreadResponse struct {
	Thread *ThreadNode `json:"thread"`
}

// GetPostThread fetches the thread anchored at the given post URI.
func (c *Client) GetPostThread(ctx context.Context, uri string, depth int) (*ThreadNode, error) {
	if depth <= 0 {
		depth = DefaultThreadDepth
	}
	query := url.Values{"uri": {uri}, "depth": {strconv.Itoa(depth)}}
	data, err := c.doAuthed(ctx, http.MethodGet, "app.bsky.feed.getPostThread", query, nil)
	if err != nil {
		return nil, err
	}

	var parsed getPostThreadResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode thread: %w", err)
	}
	if parsed.Thread == nil {
		return nil, fmt.Errorf("thread response missing thread node")
	}
	return parsed.Thread, nil
}

// ResolveThread fetches the thread for a post reference and reconstructs the
// conversation context. A single attempt, no retry: an unfetchable or empty
// thread yields an empty context and the caller treats the notification as
// unanswerable.
func (c *Client) ResolveThread(ctx context.Context, uri string) models.ThreadContext {
	node, err := c.GetPostThread(ctx, uri, DefaultThreadDepth)
	if err != nil {
		slog.Warn("ResolveThread: thread fetch failed", "error", err, "uri", uri)
		return models.ThreadContext{}
	}
	return ContextFromThread(node)
}

// ContextFromThread walks a thread tree from the requested post up through
// its parents and returns the root-to-leaf conversation. The last collected
// post is the one the reply targets; everything before it is history.
func ContextFromThread(node *ThreadNode) models.ThreadContext {
	posts := collectBranch(node)
	if len(posts) == 0 {
		return models.ThreadContext{}
	}
	return models.ThreadContext{
		History:    posts[:len(posts)-1],
		MostRecent: posts[len(posts)-1],
	}
}

// collectBranch returns the parent chain of node in root-first order.
// Pure: no shared accumulator, nil-safe on broken branches.
func collectBranch(node *ThreadNode) []models.ThreadPost {
	if node == nil {
		return nil
	}
	posts := collectBranch(node.Parent)
	if node.Post != nil {
		posts = append(posts, models.ThreadPost{
			Author: node.Post.Author.Handle,
			Text:   node.Post.Record.Text,
		})
	}
	return posts
}

// HasReplied reports whether the bot has already posted a direct reply under
// the given post. Used as a server-side duplicate probe when configured;
// errors report false so a probe failure never suppresses a reply decision
// the seen store would allow.
func (c *Client) HasReplied(ctx context.Context, uri string) bool {
	node, err := c.GetPostThread(ctx, uri, 1)
	if err != nil {
		slog.Warn("HasReplied: probe fetch failed", "error", err, "uri", uri)
		return false
	}
	selfHandle := c.Handle()
	for _, reply := range node.Replies {
		if reply.Post != nil && reply.Post.Author.Handle == selfHandle {
			slog.Info("HasReplied: existing reply found", "uri", uri, "reply_uri", reply.Post.URI)
			return true
		}
	}
	return false
}
