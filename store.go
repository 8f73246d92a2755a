package chatkit

import (
	"sort"
	"sync"
)

// ============================================================================
// Message Store
// ============================================================================

// MessageStore holds the message timeline for the single active
// conversation. Messages arrive from several paths (history load, realtime
// broadcast, send acknowledgement) and the store merges them by ID, so
// applying the same message twice is a no-op.
type MessageStore struct {
	mu             sync.Mutex
	conversationID string
	byID           map[string]Message
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byID: make(map[string]Message)}
}

// Reset clears the store and binds it to a new conversation.
func (s *MessageStore) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = conversationID
	s.byID = make(map[string]Message)
}

// ConversationID returns the conversation the store is bound to.
func (s *MessageStore) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Merge folds messages into the timeline and returns the resulting ordered
// projection. Messages for other conversations are ignored. When the same ID
// appears again the newest version wins.
func (s *MessageStore) Merge(conversationID string, msgs []Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID != s.conversationID {
		return s.projectLocked()
	}
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		s.byID[m.ID] = m
	}
	return s.projectLocked()
}

// Messages returns the current ordered timeline, oldest first.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectLocked()
}

// Len returns the number of distinct messages held.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *MessageStore) projectLocked() []Message {
	out := make([]Message, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ============================================================================
// Conversation Index
// ============================================================================

// ConversationIndex holds all conversations the user participates in,
// keyed by ID and projected in recency order.
type ConversationIndex struct {
	mu   sync.Mutex
	byID map[string]Conversation
}

// NewConversationIndex creates an empty conversation index.
func NewConversationIndex() *ConversationIndex {
	return &ConversationIndex{byID: make(map[string]Conversation)}
}

// Reset drops all conversations.
func (x *ConversationIndex) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byID = make(map[string]Conversation)
}

// Upsert inserts or replaces a conversation and returns the recency-ordered
// projection, most recent activity first.
func (x *ConversationIndex) Upsert(conv Conversation) []Conversation {
	x.mu.Lock()
	defer x.mu.Unlock()
	if conv.ID != "" {
		x.byID[conv.ID] = conv
	}
	return x.projectLocked()
}

// UpsertAll inserts or replaces a batch of conversations.
func (x *ConversationIndex) UpsertAll(convs []Conversation) []Conversation {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		x.byID[c.ID] = c
	}
	return x.projectLocked()
}

// Get looks a conversation up by ID.
func (x *ConversationIndex) Get(id string) (Conversation, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.byID[id]
	return c, ok
}

// FindByPeer finds the one-to-one conversation with the given counterpart.
func (x *ConversationIndex) FindByPeer(selfID, peerID string) (Conversation, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range x.byID {
		if p, ok := c.Peer(selfID); ok && p.ID == peerID {
			return c, true
		}
	}
	return Conversation{}, false
}

// Conversations returns the recency-ordered projection.
func (x *ConversationIndex) Conversations() []Conversation {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.projectLocked()
}

func (x *ConversationIndex) projectLocked() []Conversation {
	out := make([]Conversation, 0, len(x.byID))
	for _, c := range x.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ActivityTime(), out[j].ActivityTime()
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	return out
}

// ============================================================================
// Seen Cache
// ============================================================================

// seenCacheLimit bounds the dedup cache. When the cap is hit the cache is
// cleared wholesale, which briefly re-opens the dedup window for recent IDs.
const seenCacheLimit = 512

// seenCache remembers message IDs already applied to unread counts and
// notifications, so the broadcast copy of a message the session already
// handled does not double-count.
type seenCache struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newSeenCache() *seenCache {
	return &seenCache{ids: make(map[string]struct{})}
}

// MarkSeen records an ID and reports whether it had been seen before.
func (c *seenCache) MarkSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return true
	}
	if len(c.ids) >= seenCacheLimit {
		c.ids = make(map[string]struct{})
	}
	c.ids[id] = struct{}{}
	return false
}

func (c *seenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
