package chatsync

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error returned by the Rentloop backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Chat Data Model
// ============================================================================

// Who identifies message authorship relative to the viewing user.
type Who string

const (
	WhoMe      Who = "me"
	WhoPartner Who = "partner"
)

// localIDPrefix marks optimistic placeholder ids assigned before the
// server has confirmed a message.
const localIDPrefix = "local-"

// ChatMessage is one line of conversation, normalized across the three
// sources: historical pages, optimistic local sends, and live frames.
type ChatMessage struct {
	MessageID string `json:"messageId"`
	Who       Who    `json:"who"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt"`
}

// IsLocal reports whether the message carries an optimistic placeholder id.
func (m ChatMessage) IsLocal() bool {
	return strings.HasPrefix(m.MessageID, localIDPrefix)
}

// DedupKey returns the de-duplication key for merging: the message id
// when it is server-confirmed, otherwise a composite of authorship,
// timestamp, and content, so an optimistic copy and its later server
// copy collapse into one entry.
func (m ChatMessage) DedupKey() string {
	if m.MessageID != "" && !m.IsLocal() {
		return "id:" + m.MessageID
	}
	return fmt.Sprintf("c:%s|%s|%s", m.Who, m.CreatedAt, m.Message)
}

// newLocalMessage builds the optimistic message shown immediately on
// submit, before any server confirmation exists.
func newLocalMessage(text string, at time.Time) ChatMessage {
	return ChatMessage{
		MessageID: fmt.Sprintf("%s%d", localIDPrefix, at.UnixNano()),
		Who:       WhoMe,
		Message:   text,
		CreatedAt: at.UTC().Format(time.RFC3339Nano),
	}
}

// ============================================================================
// Broker Payloads
// ============================================================================

// JoinAck resolves the join handshake for one room. UserID is nil when
// the broker does not echo the joining user back.
type JoinAck struct {
	ChatroomID   int64  `json:"chatroomId"`
	UserID       *int64 `json:"userId"`
	MembershipID int64  `json:"membershipId"`
}

// WireMessage is a chat message as delivered by the broker. The same
// shape arrives on the personal inbox queue as a send acknowledgement.
type WireMessage struct {
	ChatroomID     int64  `json:"chatroomId"`
	MembershipID   int64  `json:"membershipId"`
	MessageID      string `json:"messageId"`
	MessageContent string `json:"messageContent"`
	CreatedAt      string `json:"createdAt"`
}

// chatMessage normalizes a broker frame to the common message shape.
// Everything that survives ingest was authored by the partner; the
// viewer's own messages are suppressed as self-echoes before this point.
func (w *WireMessage) chatMessage() ChatMessage {
	return ChatMessage{
		MessageID: w.MessageID,
		Who:       WhoPartner,
		Message:   w.MessageContent,
		CreatedAt: w.CreatedAt,
	}
}

// ============================================================================
// REST Pagination Shapes
// ============================================================================

// RoomSummary is one entry of the chat-room list.
type RoomSummary struct {
	ChatroomID  int64  `json:"chatroomId"`
	PostTitle   string `json:"postTitle"`
	PartnerName string `json:"partnerName"`
	LastMessage string `json:"lastMessage"`
	LastSentAt  string `json:"lastSentAt"`
	UnreadCount int    `json:"unreadCount"`
}

// RoomPage is one cursor-based page of the room list.
type RoomPage struct {
	Rooms       []RoomSummary `json:"rooms"`
	NextCursor  *string       `json:"nextCursor"`
	HasNextPage bool          `json:"hasNextPage"`
}

// MessagePage is one cursor-based page of a room's history, newest
// first within the page.
type MessagePage struct {
	Messages    []ChatMessage `json:"messages"`
	NextCursor  *string       `json:"nextCursor"`
	HasNextPage bool          `json:"hasNextPage"`
}
