package chatsync

import (
	"encoding/json"
	"sync"
)

// ============================================================================
// Frame Classification
// ============================================================================

// frameEnvelope is a loose view of any inbound broker payload, used to
// classify frames by field presence before committing to a shape.
type frameEnvelope struct {
	ChatroomID     *int64  `json:"chatroomId"`
	UserID         *int64  `json:"userId"`
	MembershipID   *int64  `json:"membershipId"`
	MessageID      *string `json:"messageId"`
	MessageContent *string `json:"messageContent"`
	CreatedAt      *string `json:"createdAt"`
}

// parseEnvelope parses a frame body. Unparsable bodies classify as
// nothing: malformed frames are dropped at this boundary, never raised.
func parseEnvelope(body []byte) (*frameEnvelope, bool) {
	var env frameEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	return &env, true
}

// joinAck interprets the envelope as a join acknowledgement: a payload
// carrying a room id and membership id but none of the message fields.
func (e *frameEnvelope) joinAck() (*JoinAck, bool) {
	if e.ChatroomID == nil || e.MembershipID == nil {
		return nil, false
	}
	if e.MessageID != nil || e.MessageContent != nil || e.CreatedAt != nil {
		return nil, false
	}
	return &JoinAck{
		ChatroomID:   *e.ChatroomID,
		UserID:       e.UserID,
		MembershipID: *e.MembershipID,
	}, true
}

// wireMessage interprets the envelope as a chat message. All five fields
// are required; anything less is discarded as malformed.
func (e *frameEnvelope) wireMessage() (*WireMessage, bool) {
	if e.ChatroomID == nil || e.MembershipID == nil ||
		e.MessageID == nil || e.MessageContent == nil || e.CreatedAt == nil {
		return nil, false
	}
	return &WireMessage{
		ChatroomID:     *e.ChatroomID,
		MembershipID:   *e.MembershipID,
		MessageID:      *e.MessageID,
		MessageContent: *e.MessageContent,
		CreatedAt:      *e.CreatedAt,
	}, true
}

// ============================================================================
// Live Buffer
// ============================================================================

// liveBuffer accumulates messages received live since the room view
// opened. It is scoped to exactly one room id at a time: when the room
// changes the buffer is replaced, not merged, so nothing leaks across
// rooms.
type liveBuffer struct {
	mu     sync.Mutex
	roomID int64
	msgs   []ChatMessage // newest first
}

// Add prepends a message for roomID, dropping duplicates by message id.
// A room change resets the buffer before adding. Returns whether the
// message was actually added.
func (b *liveBuffer) Add(roomID int64, m ChatMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if roomID != b.roomID {
		b.roomID = roomID
		b.msgs = nil
	}
	for _, existing := range b.msgs {
		if existing.MessageID == m.MessageID {
			return false
		}
	}
	b.msgs = append([]ChatMessage{m}, b.msgs...)
	return true
}

// Snapshot returns a copy of the buffer for roomID, newest first. A
// mismatched room id yields nothing.
func (b *liveBuffer) Snapshot(roomID int64) []ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if roomID != b.roomID {
		return nil
	}
	return append([]ChatMessage(nil), b.msgs...)
}

// Reset rescopes the buffer to roomID and discards its contents.
func (b *liveBuffer) Reset(roomID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomID = roomID
	b.msgs = nil
}
