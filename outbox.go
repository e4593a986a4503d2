package chatsync

import (
	"errors"
	"sync"
	"time"
)

// ============================================================================
// Pending Send Queue
// ============================================================================

// ErrNotReady reports that no publish path is currently available: the
// connection is down, the join handshake has not resolved a membership
// id yet, or no room is open. It is an expected condition, not a
// failure — submissions that hit it are queued for the next flush.
var ErrNotReady = errors.New("chatsync: no publish path available")

// PublishFunc attempts to put one message body on the wire. It returns
// ErrNotReady (or a transport error) when the attempt cannot be made.
type PublishFunc func(text string) error

// SendQueue guarantees that a user-authored message is never lost to a
// connection or handshake gap. Every submission appears immediately in
// the optimistic local list; submissions that cannot be published right
// away are additionally buffered in FIFO order until a join
// acknowledgement makes a publish path available.
type SendQueue struct {
	mu      sync.Mutex
	pending []string
	local   []ChatMessage
	now     func() time.Time
}

// NewSendQueue creates an empty queue.
func NewSendQueue() *SendQueue {
	return &SendQueue{now: time.Now}
}

// Submit records text as an optimistic local message and attempts an
// immediate publish. On failure the text joins the pending queue; the
// optimistic message is visible to the sender either way.
func (q *SendQueue) Submit(text string, publish PublishFunc) ChatMessage {
	q.mu.Lock()
	msg := newLocalMessage(text, q.now())
	q.local = append(q.local, msg)
	q.mu.Unlock()

	if err := publish(text); err != nil {
		q.mu.Lock()
		q.pending = append(q.pending, text)
		q.mu.Unlock()
	}
	return msg
}

// Flush publishes queued messages in FIFO order and returns the first
// publish error, if any. On failure it stops and retains the failed
// message and everything after it, in order, ahead of anything submitted
// during the flush. Messages are not re-added to the optimistic list,
// they are already present under their placeholder ids.
func (q *SendQueue) Flush(publish PublishFunc) error {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for i, text := range batch {
		if err := publish(text); err != nil {
			retained := append([]string(nil), batch[i:]...)
			q.mu.Lock()
			q.pending = append(retained, q.pending...)
			q.mu.Unlock()
			return err
		}
	}
	return nil
}

// Clear drops the pending queue and the optimistic list. Called when the
// active room changes: messages queued for a room that is no longer open
// must not be delivered cross-room.
func (q *SendQueue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.local = nil
	q.mu.Unlock()
}

// Pending returns a copy of the queued, not-yet-published texts.
func (q *SendQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}

// Local returns a copy of the optimistic local messages, in submission
// order.
func (q *SendQueue) Local() []ChatMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ChatMessage(nil), q.local...)
}
