package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Inbox Synchronization
// ============================================================================

// InboxClient keeps room-list views fresh without per-room
// subscriptions: one broker subscription on the user's personal inbox
// queue, independent of any open room. Every well-formed send
// acknowledgement is a pure invalidation signal — no content from the
// frame is used beyond classifying it.
//
// The subscription is user-scoped: it outlives individual room views and
// is torn down only when the chat feature itself goes away.
type InboxClient struct {
	session *Session
	conn    *stompConn
	log     *slog.Logger

	mu         sync.Mutex
	subID      string
	opened     bool
	onActivity []func()
}

// NewInboxClient creates an inbox client bound to a session. Like the
// room client, it reconnects on session changes so a refreshed token
// takes effect on the next handshake.
func NewInboxClient(session *Session, config *RealtimeConfig) *InboxClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	ic := &InboxClient{
		session: session,
		log:     cfg.Logger,
	}
	ic.conn = newStompConn(&cfg, session.Token, ic.log)
	ic.conn.onFrame = ic.handleFrame
	ic.conn.onConnected = ic.handleConnected
	session.OnChange(ic.restart)
	return ic
}

// OnActivity registers an invalidation handler, typically
// RoomDirectory.Invalidate.
func (ic *InboxClient) OnActivity(h func()) {
	ic.mu.Lock()
	ic.onActivity = append(ic.onActivity, h)
	ic.mu.Unlock()
}

// Open connects and subscribes to the viewer's inbox queue.
func (ic *InboxClient) Open(ctx context.Context) error {
	if ic.session.Token() == "" {
		return fmt.Errorf("chatsync: auth token required")
	}
	if ic.session.UserID() == 0 {
		return fmt.Errorf("chatsync: user id required")
	}
	ic.mu.Lock()
	ic.opened = true
	ic.mu.Unlock()

	if err := ic.conn.connect(ctx); err != nil {
		ic.log.Warn("initial inbox connect failed", "error", err)
		go ic.conn.reconnectLoop()
		return err
	}
	return nil
}

// Close tears down the inbox subscription and its connection.
func (ic *InboxClient) Close() {
	ic.mu.Lock()
	subID := ic.subID
	ic.subID = ""
	ic.opened = false
	ic.mu.Unlock()

	if subID != "" {
		ic.conn.unsubscribe(subID)
	}
	ic.conn.close()
}

// restart reconnects with the current session credentials. A logged-out
// session leaves the connection down.
func (ic *InboxClient) restart() {
	ic.mu.Lock()
	opened := ic.opened
	ic.mu.Unlock()
	if !opened {
		return
	}

	ic.conn.close()
	if ic.session.Token() == "" || ic.session.UserID() == 0 {
		return
	}
	if err := ic.conn.connect(context.Background()); err != nil {
		ic.log.Warn("inbox reconnect after session change failed", "error", err)
		go ic.conn.reconnectLoop()
	}
}

func (ic *InboxClient) handleConnected() {
	subID, err := ic.conn.subscribe(inboxQueue(ic.session.UserID()))
	if err != nil {
		ic.log.Warn("inbox subscribe failed", "error", err)
		return
	}
	ic.mu.Lock()
	ic.subID = subID
	ic.mu.Unlock()
}

func (ic *InboxClient) handleFrame(f *stompFrame) {
	env, ok := parseEnvelope(f.Body)
	if !ok {
		return
	}
	if _, isAck := env.wireMessage(); !isAck {
		return // malformed send ack, drop silently
	}

	ic.mu.Lock()
	handlers := append([]func(){}, ic.onActivity...)
	ic.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// ============================================================================
// Room Directory Cache
// ============================================================================

// RoomDirectory caches the room list and unread count, refetching after
// an invalidation. It is the usual target of InboxClient.OnActivity.
type RoomDirectory struct {
	client *Client

	mu     sync.Mutex
	loaded bool
	stale  bool
	rooms  []RoomSummary
	unread int
}

// NewRoomDirectory creates an empty directory backed by client.
func NewRoomDirectory(client *Client) *RoomDirectory {
	return &RoomDirectory{client: client}
}

// Invalidate marks the cached data stale; the next read refetches.
func (d *RoomDirectory) Invalidate() {
	d.mu.Lock()
	d.stale = true
	d.mu.Unlock()
}

// Rooms returns the cached room list, fetching all pages when the cache
// is empty or stale.
func (d *RoomDirectory) Rooms(ctx context.Context) ([]RoomSummary, error) {
	d.mu.Lock()
	if d.loaded && !d.stale {
		rooms := append([]RoomSummary(nil), d.rooms...)
		d.mu.Unlock()
		return rooms, nil
	}
	d.mu.Unlock()

	if err := d.refresh(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RoomSummary(nil), d.rooms...), nil
}

// UnreadCount returns the cached total unread count, refetching when
// stale.
func (d *RoomDirectory) UnreadCount(ctx context.Context) (int, error) {
	d.mu.Lock()
	if d.loaded && !d.stale {
		n := d.unread
		d.mu.Unlock()
		return n, nil
	}
	d.mu.Unlock()

	if err := d.refresh(ctx); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread, nil
}

func (d *RoomDirectory) refresh(ctx context.Context) error {
	var rooms []RoomSummary
	cursor := ""
	for {
		page, err := d.client.Rooms(ctx, cursor, 0)
		if err != nil {
			return err
		}
		rooms = append(rooms, page.Rooms...)
		if !page.HasNextPage || page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}

	unread, err := d.client.UnreadCount(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.rooms = rooms
	d.unread = unread
	d.loaded = true
	d.stale = false
	d.mu.Unlock()
	return nil
}
