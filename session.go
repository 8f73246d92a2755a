package chatkit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

// SessionConfig configures a messaging session.
type SessionConfig struct {
	// Self identifies the current user. When zero it is derived from
	// the token's claims.
	Self UserRef
	// Notifier is the optional platform notification surface.
	Notifier Notifier
	Logger   *zap.Logger
	// HistoryLimit caps history loads when a conversation opens.
	HistoryLimit int
	// OnMessage fires for every message applied to session state.
	OnMessage func(msg Message, conv Conversation)
	// OnConnectivity fires when the realtime connection flips up or down.
	OnConnectivity func(connected bool)
}

type eventKind int

const (
	evMessageNew eventKind = iota
	evRoomRead
	evConnected
	evDisconnected
)

// sessionEvent multiplexes all inbound realtime events onto the single
// session loop, preserving arrival order.
type sessionEvent struct {
	kind       eventKind
	messageNew MessageNewPayload
	roomRead   RoomReadPayload
}

// Session is the top-level coordinator: it owns the conversation index, the
// active-conversation message store, unread counts and notifications, and
// consumes all realtime events on one goroutine so that merge and unread
// accounting observe them in order.
type Session struct {
	client *Client
	rt     *Realtime
	self   UserRef
	log    *zap.Logger

	store *MessageStore
	index *ConversationIndex
	unread *UnreadTracker
	synth *Synthesizer
	seen  *seenCache

	coordinator *SendCoordinator

	mu         sync.Mutex
	activeID   string
	historyGen uint64
	foreground bool
	connected  bool
	started    bool
	closed     bool

	historyLimit   int
	onMessage      func(Message, Conversation)
	onConnectivity func(bool)

	ctx    context.Context
	cancel context.CancelFunc
	events chan sessionEvent
	wg     sync.WaitGroup
}

// NewSession creates a session over the given API client and realtime
// transport. Call Start to connect and load initial state.
func NewSession(client *Client, rt *Realtime, cfg SessionConfig) (*Session, error) {
	if client == nil {
		return nil, errors.New("session: client is required")
	}
	self := cfg.Self
	if self.ID == "" {
		derived, err := IdentityFromToken(client.Token())
		if err != nil {
			return nil, err
		}
		self = derived
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:         client,
		rt:             rt,
		self:           self,
		log:            log,
		store:          NewMessageStore(),
		index:          NewConversationIndex(),
		synth:          NewSynthesizer(cfg.Notifier, log),
		seen:           newSeenCache(),
		foreground:     true,
		historyLimit:   limit,
		onMessage:      cfg.OnMessage,
		onConnectivity: cfg.OnConnectivity,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan sessionEvent, 64),
	}
	s.unread = NewUnreadTracker(client.PersistMarkRead, log)
	if rt != nil {
		s.coordinator = NewSendCoordinator(rt, client)
	} else {
		s.coordinator = NewSendCoordinator(nil, client)
	}
	return s, nil
}

// Self returns the current user.
func (s *Session) Self() UserRef { return s.self }

// Start connects the realtime transport and loads the conversation
// snapshot. A failed connect or snapshot is not fatal: the session starts
// with the transport reconnecting and state retryable via
// RefreshConversations.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	if s.rt != nil {
		s.rt.OnMessageNew(func(p MessageNewPayload) {
			s.push(sessionEvent{kind: evMessageNew, messageNew: p})
		})
		s.rt.OnRoomRead(func(p RoomReadPayload) {
			s.push(sessionEvent{kind: evRoomRead, roomRead: p})
		})
		s.rt.OnConnected(func() {
			s.push(sessionEvent{kind: evConnected})
		})
		s.rt.OnDisconnected(func(string) {
			s.push(sessionEvent{kind: evDisconnected})
		})

		if err := s.rt.Connect(ctx); err != nil {
			s.log.Warn("realtime connect failed, continuing offline", zap.Error(err))
		}
	}

	if err := s.RefreshConversations(ctx); err != nil {
		s.log.Warn("conversation snapshot failed", zap.Error(err))
	}
	return nil
}

func (s *Session) push(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			switch ev.kind {
			case evMessageNew:
				s.handleMessageNew(ev.messageNew)
			case evRoomRead:
				s.handleRoomRead(ev.roomRead)
			case evConnected:
				s.setConnected(true)
			case evDisconnected:
				s.setConnected(false)
			}
		}
	}
}

func (s *Session) setConnected(up bool) {
	s.mu.Lock()
	changed := s.connected != up
	s.connected = up
	cb := s.onConnectivity
	s.mu.Unlock()
	if changed && cb != nil {
		cb(up)
	}
}

// handleMessageNew applies one realtime message broadcast to session state.
func (s *Session) handleMessageNew(p MessageNewPayload) {
	msg := p.Message
	conv := p.Conversation
	if msg.ID == "" {
		return
	}
	if conv.ID == "" {
		conv.ID = msg.ConversationID
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = msg.CreatedAt
	}

	alreadySeen := s.seen.MarkSeen(msg.ID)
	isOwn := msg.Sender.ID == s.self.ID

	s.mu.Lock()
	isActive := s.activeID != "" && s.activeID == conv.ID
	foreground := s.foreground
	s.mu.Unlock()

	// Merge is idempotent, so the broadcast copy of an already-applied
	// message only refreshes stored state. Unread and notification effects
	// fire once per message ID.
	s.index.Upsert(conv)
	if isActive {
		s.store.Merge(conv.ID, []Message{msg})
	}

	if !alreadySeen {
		s.unread.NoteIncoming(conv.ID, isOwn, isActive)
		s.synth.OnIncoming(msg, isOwn, foreground)
		if s.onMessage != nil {
			s.onMessage(msg, conv)
		}
	}
}

// handleRoomRead converges unread state when another session of this user
// marks a conversation read. Read events for other users describe their
// receipts, not ours.
func (s *Session) handleRoomRead(p RoomReadPayload) {
	if p.UserID != s.self.ID {
		return
	}
	s.unread.MarkRead(s.ctx, p.RoomID)
}

// Send delivers a message and applies the authoritative result to local
// state. On failure the caller keeps the draft.
func (s *Session) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	result, err := s.coordinator.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	// Pre-mark the sent message so its broadcast copy is a pure merge.
	s.seen.MarkSeen(result.Message.ID)
	s.index.Upsert(result.Conversation)

	s.mu.Lock()
	isActive := s.activeID == result.Conversation.ID
	s.mu.Unlock()
	if isActive {
		s.store.Merge(result.Conversation.ID, []Message{result.Message})
	}
	return result, nil
}

// SetActiveConversation switches the on-screen conversation. The message
// store rebinds immediately and history loads in the background; switching
// again invalidates any in-flight load.
func (s *Session) SetActiveConversation(ctx context.Context, conversationID string) {
	s.mu.Lock()
	s.activeID = conversationID
	s.historyGen++
	gen := s.historyGen
	s.mu.Unlock()

	s.store.Reset(conversationID)
	if conversationID == "" {
		return
	}

	s.unread.MarkRead(s.ctx, conversationID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		msgs, err := s.client.FetchMessages(ctx, conversationID, s.historyLimit)
		if err != nil {
			s.log.Warn("history load failed",
				zap.String("conversation", conversationID), zap.Error(err))
			return
		}
		s.applyHistory(conversationID, gen, msgs)
	}()
}

// applyHistory merges a completed history load, discarding it when the
// active conversation changed while the load was in flight.
func (s *Session) applyHistory(conversationID string, gen uint64, msgs []Message) {
	s.mu.Lock()
	stale := gen != s.historyGen || s.activeID != conversationID
	s.mu.Unlock()
	if stale {
		return
	}
	s.store.Merge(conversationID, msgs)
}

// RefreshConversations reloads the conversation snapshot, replacing the
// index and unread counts.
func (s *Session) RefreshConversations(ctx context.Context) error {
	convs, err := s.client.FetchConversations(ctx, true)
	if err != nil {
		return err
	}
	s.index.UpsertAll(convs)

	counts := make(map[string]int, len(convs))
	for _, c := range convs {
		counts[c.ID] = c.UnreadCount
	}
	s.unread.SyncFromSnapshot(counts)
	return nil
}

// RefreshMessages reloads the active conversation's history.
func (s *Session) RefreshMessages(ctx context.Context) error {
	s.mu.Lock()
	id := s.activeID
	gen := s.historyGen
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	msgs, err := s.client.FetchMessages(ctx, id, s.historyLimit)
	if err != nil {
		return err
	}
	s.applyHistory(id, gen, msgs)
	return nil
}

// MarkConversationRead clears a conversation's unread count.
func (s *Session) MarkConversationRead(conversationID string) {
	s.unread.MarkRead(s.ctx, conversationID)
}

// MarkAllRead clears every unread count.
func (s *Session) MarkAllRead() {
	s.unread.MarkAllRead(s.ctx)
}

// SetForeground records whether the app is in the foreground, which gates
// platform notifications.
func (s *Session) SetForeground(foreground bool) {
	s.mu.Lock()
	s.foreground = foreground
	s.mu.Unlock()
}

// RequestPlatformPermission prompts for notification permission.
func (s *Session) RequestPlatformPermission(ctx context.Context) (bool, error) {
	return s.synth.RequestPermission(ctx)
}

// ActiveConversation returns the on-screen conversation ID, if any.
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Conversations returns the recency-ordered conversation list.
func (s *Session) Conversations() []Conversation {
	return s.index.Conversations()
}

// Messages returns the active conversation's timeline, oldest first.
func (s *Session) Messages() []Message {
	return s.store.Messages()
}

// TotalUnread returns the unread sum across all conversations.
func (s *Session) TotalUnread() int {
	return s.unread.TotalUnread()
}

// UnreadByConversation returns all non-zero unread counts.
func (s *Session) UnreadByConversation() map[string]int {
	return s.unread.Counts()
}

// RecentNotifications returns the notification history, newest first.
func (s *Session) RecentNotifications() []NotificationRecord {
	return s.synth.Recent()
}

// Connected reports realtime connectivity.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close tears the session down. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.rt != nil {
		err = s.rt.Disconnect()
	}
	s.wg.Wait()
	s.setConnected(false)
	return err
}
