package chatsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures broker connections. The auth token is not
// part of the config: it is read from the Session at connect time, so a
// token refresh always takes effect on the next handshake.
type RealtimeConfig struct {
	// Origin is the REST API origin, e.g. "https://api.rentloop.app".
	// The broker endpoint is derived from it.
	Origin string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration // fixed delay, no backoff
	DialTimeout       time.Duration
	Logger            *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// brokerEndpoint derives the WebSocket endpoint from the REST origin by
// swapping the scheme to its WebSocket equivalent and appending the
// fixed STOMP path.
func brokerEndpoint(origin string) string {
	ep := strings.Replace(origin, "https://", "wss://", 1)
	ep = strings.Replace(ep, "http://", "ws://", 1)
	return strings.TrimRight(ep, "/") + wsPath
}

// Fixed broker destinations.
const (
	wsPath   = "/ws-stomp"
	destJoin = "/app/chat.join"
	destSend = "/app/chat.send"
	destRead = "/app/chat.read"
)

func roomTopic(roomID int64) string {
	return fmt.Sprintf("/topic/chatroom.%d", roomID)
}

func inboxQueue(userID int64) string {
	return fmt.Sprintf("/queue/inbox.%d", userID)
}

// ============================================================================
// Broker Connection
// ============================================================================

// stompConn is one STOMP-over-WebSocket broker connection. It owns the
// CONNECT handshake, bidirectional heartbeats on a fixed interval, and
// automatic reconnection with a fixed delay. Transport and broker-level
// errors never surface to the caller; they drop the connection and the
// reconnect policy re-establishes it.
type stompConn struct {
	endpoint       string
	host           string
	token          func() string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	log            *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	connecting       bool
	intentionalClose bool
	cancelFn         context.CancelFunc
	nextSubID        int
	lastActivity     time.Time
	sendHeartbeats   bool
	expectHeartbeats bool

	onFrame     func(f *stompFrame) // MESSAGE frames only
	onConnected func()              // after CONNECTED, on every (re)connect
	onDown      func()              // connection lost or closed
}

func newStompConn(cfg *RealtimeConfig, token func() string, log *slog.Logger) *stompConn {
	ep := brokerEndpoint(cfg.Origin)
	host := ""
	if u, err := url.Parse(ep); err == nil {
		host = u.Host
	}
	return &stompConn{
		endpoint:       ep,
		host:           host,
		token:          token,
		heartbeat:      cfg.HeartbeatInterval,
		reconnectDelay: cfg.ReconnectDelay,
		dialTimeout:    cfg.DialTimeout,
		log:            log,
		sendHeartbeats: true,
	}
}

// connect dials the broker and performs the CONNECT/CONNECTED handshake,
// attaching the bearer token at connect time. It does not retry; failed
// reconnect attempts are driven by reconnectLoop.
func (c *stompConn) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.intentionalClose = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}

	connectFrame := &stompFrame{
		Command: frameConnect,
		Headers: map[string]string{
			"accept-version": "1.2",
			"host":           c.host,
			"heart-beat":     heartbeatHeader(c.heartbeat),
			"Authorization":  "Bearer " + c.token(),
		},
	}
	if err := conn.Write(dialCtx, websocket.MessageText, marshalFrame(connectFrame)); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("broker connect: %w", err)
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read connect reply: %w", err)
	}
	reply, err := parseFrame(data)
	if err != nil || reply == nil || reply.Command != frameConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected CONNECTED, got %q", string(data))
	}

	// CONNECTED heart-beat is "sx,sy": sx is what the broker will send,
	// sy what it wants to receive. Either side can be disabled with 0.
	sendHB, expectHB := true, true
	if hb, ok := reply.Headers["heart-beat"]; ok {
		if serverSends, serverWants, valid := parseHeartbeat(hb); valid {
			sendHB = serverWants != 0
			expectHB = serverSends != 0
		}
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.cancelFn = cancelConn
	c.lastActivity = time.Now()
	c.sendHeartbeats = sendHB
	c.expectHeartbeats = expectHB
	c.mu.Unlock()

	c.log.Info("broker connected", "endpoint", c.endpoint)

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)

	if c.onConnected != nil {
		c.onConnected()
	}
	return nil
}

func (c *stompConn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			current := c.conn == conn
			if current {
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()

			// A connection that close() or a reconnect already replaced
			// must not fire teardown callbacks over the successor's state.
			if !current {
				return
			}
			if c.onDown != nil {
				c.onDown()
			}
			if intentional {
				return
			}
			c.log.Warn("broker connection lost", "error", err)
			go c.reconnectLoop()
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		f, perr := parseFrame(data)
		if perr != nil || f == nil {
			continue // heartbeat or junk
		}
		switch f.Command {
		case frameMessage:
			if c.onFrame != nil {
				c.onFrame(f)
			}
		case frameError:
			// Broker-level error: drop the connection and let the
			// reconnect policy take over.
			c.log.Warn("broker error frame", "message", f.Headers["message"])
			conn.Close(websocket.StatusNormalClosure, "broker error")
		}
	}
}

func (c *stompConn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			send := c.sendHeartbeats && current
			// A broker that advertised no heartbeats of its own gives the
			// staleness watchdog nothing to measure; an idle connection is
			// healthy then.
			stale := c.expectHeartbeats && time.Since(c.lastActivity) > 2*c.heartbeat+c.heartbeat/2
			c.mu.Unlock()

			if !current {
				return
			}
			if stale {
				c.log.Warn("broker heartbeat timeout")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if send {
				if err := conn.Write(ctx, websocket.MessageText, heartbeatPayload); err != nil {
					return
				}
			}
		}
	}
}

// reconnectLoop retries the connection on a fixed delay until it
// succeeds or the connection is intentionally closed. Reconnect volume
// is bounded by human-scale chat usage, so no backoff is applied.
func (c *stompConn) reconnectLoop() {
	for {
		time.Sleep(c.reconnectDelay)

		c.mu.Lock()
		stop := c.intentionalClose
		c.mu.Unlock()
		if stop {
			return
		}
		err := c.connect(context.Background())
		if err == nil {
			return
		}
		c.log.Warn("broker reconnect failed", "error", err)
	}
}

func (c *stompConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *stompConn) writeFrame(f *stompFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, marshalFrame(f))
}

// subscribe opens a broker subscription and returns its id.
func (c *stompConn) subscribe(destination string) (string, error) {
	c.mu.Lock()
	c.nextSubID++
	id := fmt.Sprintf("sub-%d", c.nextSubID)
	c.mu.Unlock()

	err := c.writeFrame(&stompFrame{
		Command: frameSubscribe,
		Headers: map[string]string{
			"id":            id,
			"destination":   destination,
			"ack":           "auto",
			"Authorization": "Bearer " + c.token(),
		},
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *stompConn) unsubscribe(id string) {
	_ = c.writeFrame(&stompFrame{
		Command: frameUnsubscribe,
		Headers: map[string]string{"id": id},
	})
}

// sendJSON publishes a JSON payload to an application destination.
// Fire and forget at the transport level: correctness is recovered by
// the merge/ack pattern, not by delivery guarantees here.
func (c *stompConn) sendJSON(destination string, payload any) error {
	body, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(&stompFrame{
		Command: frameSend,
		Headers: map[string]string{
			"destination":   destination,
			"content-type":  "application/json",
			"Authorization": "Bearer " + c.token(),
		},
		Body: body,
	})
}

// close tears the connection down intentionally. Safe to call more than
// once; a later connect() reactivates the same stompConn.
func (c *stompConn) close() {
	c.mu.Lock()
	c.intentionalClose = true
	cancel := c.cancelFn
	c.cancelFn = nil
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		ctx, cancelWrite := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(ctx, websocket.MessageText, marshalFrame(&stompFrame{
			Command: frameDisconnect,
			Headers: map[string]string{},
		}))
		cancelWrite()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
}

// ============================================================================
// Room Client
// ============================================================================

// RoomClient owns the broker connection and membership context for one
// open chat room: exactly one connection, one subscription, and one join
// handshake per activation. Membership ids are never reused across
// connections; every (re)connect starts a fresh handshake.
//
// Other components observe it through OnJoinResolved and OnMessage
// rather than reaching into its state.
type RoomClient struct {
	config  *RealtimeConfig
	session *Session
	conn    *stompConn
	queue   *SendQueue
	buffer  *liveBuffer
	log     *slog.Logger

	mu           sync.Mutex
	roomID       int64
	subID        string
	membershipID int64
	awaitingJoin bool

	onJoinResolved []func(membershipID int64)
	onMessage      []func(ChatMessage)
}

// NewRoomClient creates a room client bound to a session. The client
// restarts its connection whenever the session changes, so a new token
// always yields a fresh handshake.
func NewRoomClient(session *Session, config *RealtimeConfig) *RoomClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	rc := &RoomClient{
		config:  &cfg,
		session: session,
		queue:   NewSendQueue(),
		buffer:  &liveBuffer{},
		log:     cfg.Logger,
	}
	rc.conn = newStompConn(&cfg, session.Token, rc.log)
	rc.conn.onFrame = rc.handleFrame
	rc.conn.onConnected = rc.handleConnected
	rc.conn.onDown = rc.handleDown
	session.OnChange(rc.restart)
	return rc
}

// OnJoinResolved registers a handler for resolved join handshakes.
func (rc *RoomClient) OnJoinResolved(h func(membershipID int64)) {
	rc.mu.Lock()
	rc.onJoinResolved = append(rc.onJoinResolved, h)
	rc.mu.Unlock()
}

// OnMessage registers a handler for partner messages that survive ingest.
func (rc *RoomClient) OnMessage(h func(ChatMessage)) {
	rc.mu.Lock()
	rc.onMessage = append(rc.onMessage, h)
	rc.mu.Unlock()
}

// Open activates the client for one room. Opening while another room is
// active tears the old room down first: its queue, live buffer, and
// handshake state never cross over.
func (rc *RoomClient) Open(ctx context.Context, roomID int64) error {
	if roomID == 0 {
		return fmt.Errorf("chatsync: room id required")
	}
	if rc.config.Origin == "" {
		return fmt.Errorf("chatsync: broker origin required")
	}
	if rc.session.Token() == "" {
		return fmt.Errorf("chatsync: auth token required")
	}

	rc.mu.Lock()
	prev := rc.roomID
	rc.roomID = roomID
	rc.membershipID = 0
	rc.awaitingJoin = false
	rc.subID = ""
	rc.mu.Unlock()

	if prev != 0 {
		rc.conn.close()
	}
	rc.queue.Clear()
	rc.buffer.Reset(roomID)

	// A failed first dial self-heals like a dropped connection: the
	// reconnect policy keeps trying while queued sends buffer.
	if err := rc.conn.connect(ctx); err != nil {
		rc.log.Warn("initial connect failed", "room", roomID, "error", err)
		go rc.conn.reconnectLoop()
		return err
	}
	return nil
}

// Close deactivates the client and resets all ephemeral state.
func (rc *RoomClient) Close() {
	rc.mu.Lock()
	subID := rc.subID
	rc.roomID = 0
	rc.membershipID = 0
	rc.awaitingJoin = false
	rc.subID = ""
	rc.mu.Unlock()

	if subID != "" {
		rc.conn.unsubscribe(subID)
	}
	rc.conn.close()
	rc.queue.Clear()
	rc.buffer.Reset(0)
}

// Send shows text immediately as an optimistic message and publishes it
// as soon as a publish path exists.
func (rc *RoomClient) Send(text string) ChatMessage {
	return rc.queue.Submit(text, rc.publish)
}

// MarkAsRead publishes a read receipt, best effort. Receipts are never
// queued or retried: losing one is cosmetic, unlike losing a message.
func (rc *RoomClient) MarkAsRead(messageID string) error {
	rc.mu.Lock()
	roomID := rc.roomID
	membershipID := rc.membershipID
	rc.mu.Unlock()

	if roomID == 0 || membershipID == 0 || !rc.conn.isConnected() {
		return ErrNotReady
	}
	return rc.conn.sendJSON(destRead, map[string]any{
		"chatroomId":   roomID,
		"membershipId": membershipID,
		"messageId":    messageID,
		"receiptId":    uuid.NewString(),
	})
}

// Messages merges the live buffer, the optimistic local list, and the
// given history pages into the room's current view, newest first.
func (rc *RoomClient) Messages(history []ChatMessage) []ChatMessage {
	rc.mu.Lock()
	roomID := rc.roomID
	rc.mu.Unlock()
	return MergeMessages(rc.buffer.Snapshot(roomID), rc.queue.Local(), history)
}

// MembershipID returns the resolved membership id, or zero while the
// join handshake is unresolved.
func (rc *RoomClient) MembershipID() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.membershipID
}

// PendingCount returns the number of queued, not-yet-published sends.
func (rc *RoomClient) PendingCount() int {
	return len(rc.queue.Pending())
}

// handleConnected runs after every CONNECT handshake: subscribe to the
// room topic, then announce presence and wait for the membership id.
func (rc *RoomClient) handleConnected() {
	rc.mu.Lock()
	roomID := rc.roomID
	rc.membershipID = 0
	rc.awaitingJoin = false
	rc.mu.Unlock()
	if roomID == 0 {
		return
	}

	subID, err := rc.conn.subscribe(roomTopic(roomID))
	if err != nil {
		rc.log.Warn("room subscribe failed", "room", roomID, "error", err)
		return
	}

	rc.mu.Lock()
	rc.subID = subID
	rc.awaitingJoin = true
	rc.mu.Unlock()

	if err := rc.conn.sendJSON(destJoin, map[string]any{"chatroomId": roomID}); err != nil {
		rc.log.Warn("join publish failed", "room", roomID, "error", err)
	}
}

// handleDown invalidates the handshake state when the connection drops;
// the next connect runs a fresh handshake.
func (rc *RoomClient) handleDown() {
	rc.mu.Lock()
	rc.membershipID = 0
	rc.awaitingJoin = false
	rc.subID = ""
	rc.mu.Unlock()
}

func (rc *RoomClient) handleFrame(f *stompFrame) {
	env, ok := parseEnvelope(f.Body)
	if !ok {
		return
	}
	if ack, isAck := env.joinAck(); isAck {
		rc.handleJoinAck(ack)
		return
	}
	if wm, isMsg := env.wireMessage(); isMsg {
		rc.handleWireMessage(wm)
	}
}

func (rc *RoomClient) handleJoinAck(ack *JoinAck) {
	userID := rc.session.UserID()

	rc.mu.Lock()
	if ack.ChatroomID != rc.roomID {
		rc.mu.Unlock()
		return
	}
	match := false
	if ack.UserID != nil {
		match = *ack.UserID == userID
	} else {
		match = rc.awaitingJoin
	}
	if !match {
		rc.mu.Unlock()
		return
	}
	rc.membershipID = ack.MembershipID
	rc.awaitingJoin = false
	handlers := append([]func(int64){}, rc.onJoinResolved...)
	rc.mu.Unlock()

	rc.log.Info("membership resolved", "room", ack.ChatroomID, "membershipId", ack.MembershipID)

	// A publish path now exists; drain anything buffered during the gap.
	if err := rc.queue.Flush(rc.publish); err != nil {
		rc.log.Warn("flush interrupted", "error", err)
	}
	for _, h := range handlers {
		h(ack.MembershipID)
	}
}

func (rc *RoomClient) handleWireMessage(wm *WireMessage) {
	rc.mu.Lock()
	roomID := rc.roomID
	own := rc.membershipID
	handlers := append([]func(ChatMessage){}, rc.onMessage...)
	rc.mu.Unlock()

	if wm.ChatroomID != roomID {
		return // stale room, e.g. a reconnect race after switching
	}
	if own != 0 && wm.MembershipID == own {
		return // self-echo; the optimistic copy is already visible
	}

	msg := wm.chatMessage()
	if !rc.buffer.Add(roomID, msg) {
		return // duplicate delivery
	}
	for _, h := range handlers {
		h(msg)
	}
}

// publish attempts one wire publish. Every precondition failure maps to
// ErrNotReady so the caller queues instead of erroring.
func (rc *RoomClient) publish(text string) error {
	rc.mu.Lock()
	roomID := rc.roomID
	membershipID := rc.membershipID
	rc.mu.Unlock()

	if roomID == 0 || membershipID == 0 || rc.session.Token() == "" || !rc.conn.isConnected() {
		return ErrNotReady
	}
	return rc.conn.sendJSON(destSend, map[string]any{
		"chatroomId":     roomID,
		"membershipId":   membershipID,
		"messageContent": text,
	})
}

// restart tears the connection down and re-establishes it with the
// current session. Pending sends survive; only a room change clears
// them.
func (rc *RoomClient) restart() {
	rc.mu.Lock()
	roomID := rc.roomID
	rc.mu.Unlock()
	if roomID == 0 {
		return
	}

	rc.conn.close()
	if rc.session.Token() == "" {
		return
	}
	if err := rc.conn.connect(context.Background()); err != nil {
		rc.log.Warn("reconnect after session change failed", "error", err)
		go rc.conn.reconnectLoop()
	}
}
