// Package chatsync implements the client-side synchronization core for
// Rentloop chat: it reconciles paginated REST history, optimistic local
// sends, and a live STOMP-over-WebSocket event stream into one
// deduplicated, time-ordered conversation view, surviving reconnects,
// duplicate delivery, and out-of-order frames.
//
// Example:
//
//	session := chatsync.NewSession()
//	session.Set(token, userID)
//
//	client := chatsync.NewClient(session, chatsync.WithBaseURL("https://api.rentloop.app"))
//	room := chatsync.NewRoomClient(session, &chatsync.RealtimeConfig{Origin: "https://api.rentloop.app"})
//
//	history := chatsync.NewHistoryLoader(client, roomID, 30)
//	_ = room.Open(ctx, roomID)
//	room.Send("is the bike still available?")
//	view := room.Messages(history.Messages())
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL  = "https://api.rentloop.app"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 30
)

// ============================================================================
// Session
// ============================================================================

// Session is the explicitly owned auth context: the current bearer token
// and user id, with defined set/clear operations. It is injected into
// the clients rather than read from ambient state; connection owners
// subscribe to changes and re-derive their authorization on each one.
type Session struct {
	mu       sync.RWMutex
	token    string
	userID   int64
	onChange []func()
}

// NewSession creates an empty (logged-out) session.
func NewSession() *Session {
	return &Session{}
}

// Set replaces the session credentials and notifies subscribers.
func (s *Session) Set(token string, userID int64) {
	s.mu.Lock()
	s.token = token
	s.userID = userID
	handlers := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// Clear logs the session out and notifies subscribers.
func (s *Session) Clear() {
	s.Set("", 0)
}

// Token returns the current bearer token, empty when logged out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// UserID returns the current user id, zero when logged out.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// OnChange registers a handler invoked after every Set or Clear.
func (s *Session) OnChange(h func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, h)
	s.mu.Unlock()
}

// ============================================================================
// REST Client
// ============================================================================

// Client is the REST client for the Rentloop chat API: the cursor-based
// history and room-list pagination the sync core consumes.
type Client struct {
	baseURL    string
	session    *Session
	httpClient *http.Client
	log        *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new chat API client bound to a session.
func NewClient(session *Session, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		session: session,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured REST origin, also used to derive the
// broker endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(ctx context.Context, method, path string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token := c.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if apiErr := decodeAPIError(body); apiErr != nil {
			return nil, apiErr
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// Rooms fetches one cursor-based page of the viewer's chat-room list.
// An empty cursor fetches the first page; limit 0 uses the default.
func (c *Client) Rooms(ctx context.Context, cursor string, limit int) (*RoomPage, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/rooms", pageQuery(cursor, limit))
	if err != nil {
		return nil, err
	}
	data, err = unwrapLegacy(data)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RoomPage](data)
}

// Messages fetches one cursor-based page of a room's history, newest
// first within the page. The next page (older messages) is addressed by
// the returned cursor.
func (c *Client) Messages(ctx context.Context, roomID int64, cursor string, limit int) (*MessagePage, error) {
	path := fmt.Sprintf("/api/chat/rooms/%d/messages", roomID)
	data, err := c.doRequest(ctx, "GET", path, pageQuery(cursor, limit))
	if err != nil {
		return nil, err
	}
	data, err = unwrapLegacy(data)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// UnreadCount fetches the viewer's total unread message count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/unread-count", nil)
	if err != nil {
		return 0, err
	}
	data, err = unwrapLegacy(data)
	if err != nil {
		return 0, err
	}
	result, err := decodeJSON[struct {
		Count int `json:"count"`
	}](data)
	if err != nil {
		return 0, err
	}
	return result.Count, nil
}

func pageQuery(cursor string, limit int) map[string]string {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := map[string]string{"limit": strconv.Itoa(limit)}
	if cursor != "" {
		q["cursor"] = cursor
	}
	return q
}

// ============================================================================
// Response Decoding
// ============================================================================

// unwrapLegacy normalizes the two historical response shapes: the plain
// payload, and the older {"success":..,"data":..,"error":..} envelope
// still emitted by parts of the backend. Nothing downstream branches on
// the version.
func unwrapLegacy(data []byte) ([]byte, error) {
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *APIError       `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if envelope.Error != nil && envelope.Error.Code != "" {
		return nil, envelope.Error
	}
	if len(envelope.Data) > 0 && !bytes.Equal(envelope.Data, []byte("null")) {
		return envelope.Data, nil
	}
	return data, nil
}

func decodeAPIError(body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Code != "" {
		return envelope.Error
	}
	var direct APIError
	if json.Unmarshal(body, &direct) == nil && direct.Code != "" {
		return &direct
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// ============================================================================
// History Loader
// ============================================================================

// HistoryLoader loads one room's message history incrementally: the
// next-older page is fetched on demand when the viewer scrolls near the
// top. It accumulates pages into one newest-first list for the merge.
type HistoryLoader struct {
	client   *Client
	roomID   int64
	pageSize int

	mu       sync.Mutex
	messages []ChatMessage
	cursor   string
	hasNext  bool
	started  bool
}

// NewHistoryLoader creates a loader for roomID. pageSize 0 uses the
// default.
func NewHistoryLoader(client *Client, roomID int64, pageSize int) *HistoryLoader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryLoader{client: client, roomID: roomID, pageSize: pageSize}
}

// LoadMore fetches the next-older page and reports whether more pages
// remain. The first call fetches the newest page.
func (h *HistoryLoader) LoadMore(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if h.started && !h.hasNext {
		h.mu.Unlock()
		return false, nil
	}
	cursor := h.cursor
	h.mu.Unlock()

	page, err := h.client.Messages(ctx, h.roomID, cursor, h.pageSize)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	h.messages = append(h.messages, page.Messages...)
	h.hasNext = page.HasNextPage && page.NextCursor != nil
	if page.NextCursor != nil {
		h.cursor = *page.NextCursor
	}
	return h.hasNext, nil
}

// HasMore reports whether an older page is still loadable.
func (h *HistoryLoader) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.started || h.hasNext
}

// Messages returns a copy of all loaded history, newest first.
func (h *HistoryLoader) Messages() []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ChatMessage(nil), h.messages...)
}
