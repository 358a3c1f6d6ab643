// Package bluesky wraps the Bluesky XRPC API for SkyReply.
//
// It provides session login, notification listing, thread fetching, reply
// posting, and the seen-timestamp update. Responses are parsed into typed
// models at this boundary: a notification with missing fields is still
// returned (with the fields empty) so the classifier can make the malformed
// call in exactly one place.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zai-bots/skyreply/internal/models"
)

// Constants for Bluesky client configuration
const (
	// DefaultBaseURL is the PDS entry point used when no override is given.
	DefaultBaseURL = "https://bsky.social"
	// DefaultTimeout bounds every XRPC call.
	DefaultTimeout = 30 * time.Second
	// DefaultThreadDepth is how far down a thread fetch descends. The reply
	// pipeline only walks parents, so depth matters only for HasReplied.
	DefaultThreadDepth = 10
	// postCollection is the record collection replies are written to.
	postCollection = "app.bsky.feed.post"
)

// Client is an authenticated Bluesky XRPC client.
type Client struct {
	baseURL string
	http    *http.Client

	mu         sync.RWMutex
	accessJwt  string
	did        string
	handle     string
	identifier string
	password   string
}

// Opts holds configuration options for the Bluesky client.
type Opts struct {
	BaseURL    string        // XRPC base URL (no trailing slash)
	HTTPClient *http.Client  // override transport, mainly for tests
	Timeout    time.Duration // per-call timeout when no HTTPClient is given
}

// Option defines a configuration option for the Bluesky client.
type Option func(*Opts)

// WithBaseURL sets the XRPC base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) {
		o.BaseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// NewClient creates a new Bluesky client, applying any provided options.
// The client is unauthenticated until Login succeeds.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	slog.Debug("Bluesky NewClient", "base_url", baseURL)
	return &Client{baseURL: baseURL, http: httpClient}
}

// Handle returns the authenticated account handle, empty before Login.
func (c *Client) Handle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// DID returns the authenticated account DID, empty before Login.
func (c *Client) DID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.did
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	Did       string `json:"did"`
	Handle    string `json:"handle"`
}

// Login creates an XRPC session with the given identifier and app password.
// The credentials are retained so an expired session can be re-established
// mid-run without operator intervention.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	if identifier == "" || password == "" {
		return fmt.Errorf("bluesky credentials missing")
	}

	body, err := json.Marshal(map[string]string{"identifier": identifier, "password": password})
	if err != nil {
		return fmt.Errorf("failed to encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/xrpc/com.atproto.server.createSession", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %s", readErrorBody(resp))
	}

	var session createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to decode session response: %w", err)
	}
	if session.AccessJwt == "" || session.Did == "" {
		return fmt.Errorf("login response missing session fields")
	}

	c.mu.Lock()
	c.accessJwt = session.AccessJwt
	c.did = session.Did
	c.handle = session.Handle
	c.identifier = identifier
	c.password = password
	c.mu.Unlock()

	slog.Info("Logged in to Bluesky", "handle", session.Handle, "did", session.Did)
	return nil
}

// relogin re-establishes the session with the retained credentials.
func (c *Client) relogin(ctx context.Context) error {
	c.mu.RLock()
	identifier, password := c.identifier, c.password
	c.mu.RUnlock()
	if identifier == "" {
		return fmt.Errorf("no session to refresh: Login has not been called")
	}
	slog.Info("Bluesky session expired, logging in again", "identifier", identifier)
	return c.Login(ctx, identifier, password)
}

// doAuthed performs an authenticated XRPC call, re-logging-in once if the
// access token has expired. Returns the response body on 2xx.
func (c *Client) doAuthed(ctx context.Context, method, endpoint string, query url.Values, payload any) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.RLock()
		token := c.accessJwt
		c.mu.RUnlock()
		if token == "" {
			return nil, fmt.Errorf("not logged in")
		}

		var bodyReader io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request payload: %w", err)
			}
			bodyReader = bytes.NewReader(encoded)
		}

		u := c.baseURL + "/xrpc/" + endpoint
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			if err := c.relogin(ctx); err != nil {
				return nil, fmt.Errorf("session refresh failed: %w", err)
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s returned HTTP %d: %s", endpoint, resp.StatusCode, errorSnippet(data))
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read %s response: %w", endpoint, readErr)
		}
		return data, nil
	}
	return nil, errors.New("unreachable")
}

// Wire representation of one notification list entry. Fields the bot does
// not read are left unmodeled.
type notificationView struct {
	URI       string            `json:"uri"`
	CID       string            `json:"cid"`
	Author    models.Author     `json:"author"`
	Reason    string            `json:"reason"`
	Record    models.PostRecord `json:"record"`
	IsRead    bool              `json:"isRead"`
	IndexedAt string            `json:"indexedAt"`
}

type listNotificationsResponse struct {
	Notifications []notificationView `json:"notifications"`
}

// ListNotifications fetches up to limit notifications and returns them
// sorted ascending by arrival timestamp.
func (c *Client) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	data, err := c.doAuthed(ctx, http.MethodGet, "app.bsky.notification.listNotifications", query, nil)
	if err != nil {
		return nil, err
	}

	var parsed listNotificationsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode notification list: %w", err)
	}

	notifs := make([]models.Notification, 0, len(parsed.Notifications))
	for _, nv := range parsed.Notifications {
		notifs = append(notifs, models.Notification{
			URI:       nv.URI,
			CID:       nv.CID,
			Author:    nv.Author,
			Reason:    nv.Reason,
			Record:    nv.Record,
			IsRead:    nv.IsRead,
			IndexedAt: parseTimestamp(nv.IndexedAt),
		})
	}
	sort.SliceStable(notifs, func(i, j int) bool {
		return notifs[i].IndexedAt.Before(notifs[j].IndexedAt)
	})

	slog.Debug("ListNotifications fetched", "count", len(notifs), "limit", limit)
	return notifs, nil
}

// SendReply posts text as a reply anchored at the given root and parent
// references, returning the reference of the created post.
func (c *Client) SendReply(ctx context.Context, text string, root, parent models.StrongRef) (models.StrongRef, error) {
	record := models.PostRecord{
		Type:      postCollection,
		Text:      text,
		Reply:     &models.ReplyRef{Root: root, Parent: parent},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	payload := map[string]any{
		"repo":       c.DID(),
		"collection": postCollection,
		"record":     record,
	}

	data, err := c.doAuthed(ctx, http.MethodPost, "com.atproto.repo.createRecord", nil, payload)
	if err != nil {
		return models.StrongRef{}, err
	}

	var created models.StrongRef
	if err := json.Unmarshal(data, &created); err != nil {
		return models.StrongRef{}, fmt.Errorf("failed to decode created record: %w", err)
	}
	slog.Info("Reply posted", "uri", created.URI, "parent", parent.URI)
	return created, nil
}

// UpdateSeen advances the server-side seen marker. Best-effort: callers
// treat a failure as non-fatal.
func (c *Client) UpdateSeen(ctx context.Context, seenAt time.Time) error {
	payload := map[string]string{"seenAt": seenAt.UTC().Format(time.RFC3339Nano)}
	_, err := c.doAuthed(ctx, http.MethodPost, "app.bsky.notification.updateSeen", nil, payload)
	if err != nil {
		return fmt.Errorf("update seen failed: %w", err)
	}
	return nil
}

// parseTimestamp parses an RFC3339 timestamp, returning the zero time for
// anything unparseable. Ordering falls back to server order in that case.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// errorSnippet trims an error response body for log-friendly messages.
func errorSnippet(data []byte) string {
	const max = 200
	s := string(data)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// readErrorBody drains a response body into an error snippet.
func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errorSnippet(data))
}
