package chatkit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const markReadRetries = 3

// UnreadTracker keeps per-conversation unread counts. Counts live locally
// and converge with the server through snapshots and read receipts: marking
// a conversation read clears the local count immediately and persists the
// read state remotely on a best-effort basis.
type UnreadTracker struct {
	mu      sync.Mutex
	counts  map[string]int
	persist func(ctx context.Context, conversationID string) error
	log     *zap.Logger

	retryDelay time.Duration
}

// NewUnreadTracker creates a tracker. persist is called asynchronously when
// a conversation is marked read; it may be nil for a purely local tracker.
func NewUnreadTracker(persist func(ctx context.Context, conversationID string) error, log *zap.Logger) *UnreadTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &UnreadTracker{
		counts:     make(map[string]int),
		persist:    persist,
		log:        log,
		retryDelay: 200 * time.Millisecond,
	}
}

// SyncFromSnapshot replaces all counts with a server snapshot. Zero and
// negative counts are dropped so absent keys stay the canonical "read"
// representation.
func (t *UnreadTracker) SyncFromSnapshot(counts map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[string]int, len(counts))
	for id, n := range counts {
		if n > 0 {
			t.counts[id] = n
		}
	}
}

// NoteIncoming accounts for an incoming message. Own messages and messages
// for the conversation currently on screen never count as unread.
func (t *UnreadTracker) NoteIncoming(conversationID string, isOwn, isActive bool) {
	if isOwn || isActive {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[conversationID]++
}

// MarkRead clears the conversation's count locally and persists the read
// state in the background. Marking an already-read conversation is a no-op
// locally but still refreshes the remote read receipt.
func (t *UnreadTracker) MarkRead(ctx context.Context, conversationID string) {
	t.mu.Lock()
	delete(t.counts, conversationID)
	t.mu.Unlock()

	if t.persist != nil {
		go t.persistWithRetry(ctx, conversationID)
	}
}

// MarkAllRead clears every count and persists each conversation's read state.
func (t *UnreadTracker) MarkAllRead(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.counts))
	for id := range t.counts {
		ids = append(ids, id)
	}
	t.counts = make(map[string]int)
	t.mu.Unlock()

	if t.persist == nil {
		return
	}
	for _, id := range ids {
		go t.persistWithRetry(ctx, id)
	}
}

// Count returns the unread count for one conversation.
func (t *UnreadTracker) Count(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[conversationID]
}

// Counts returns a copy of all non-zero counts.
func (t *UnreadTracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for id, n := range t.counts {
		out[id] = n
	}
	return out
}

// TotalUnread returns the sum across all conversations.
func (t *UnreadTracker) TotalUnread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}

// persistWithRetry pushes the read state remotely with a short backoff. The
// local count is already cleared; a persistence failure only means another
// session may briefly disagree until the next snapshot, so the final error
// is logged and swallowed.
func (t *UnreadTracker) persistWithRetry(ctx context.Context, conversationID string) {
	delay := t.retryDelay
	var err error
	for attempt := 0; attempt < markReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = t.persist(ctx, conversationID); err == nil {
			return
		}
	}
	t.log.Warn("mark-read persistence failed",
		zap.String("conversation", conversationID),
		zap.Error(err))
}
