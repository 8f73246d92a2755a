package chatkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Harness
// ============================================================================

// chatServer is a minimal fake of the chat backend's REST surface.
type chatServer struct {
	mu            sync.Mutex
	conversations []Conversation
	messages      map[string][]Message
	readCalls     map[string]int
	sendResult    *SendResult
	failSends     bool
}

func newChatServer() *chatServer {
	return &chatServer{
		messages:  make(map[string][]Message),
		readCalls: make(map[string]int),
	}
}

func (cs *chatServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		writeOK(w, cs.conversations)
	})
	mux.HandleFunc("/api/chat/conversations/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/chat/conversations/"), "/read")
		cs.mu.Lock()
		cs.readCalls[id]++
		cs.mu.Unlock()
		writeOK(w, nil)
	})
	mux.HandleFunc("/api/chat/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/chat/messages/")
		cs.mu.Lock()
		defer cs.mu.Unlock()
		writeOK(w, cs.messages[id])
	})
	mux.HandleFunc("/api/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if cs.failSends || cs.sendResult == nil {
			writeErr(w, "UNAVAILABLE", "message service down")
			return
		}
		var req SendRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		writeOK(w, cs.sendResult)
	})
	return mux
}

func (cs *chatServer) readCount(id string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.readCalls[id]
}

var testSelf = UserRef{ID: "user-self", DisplayName: "Self"}

func newTestSession(t *testing.T, cs *chatServer, cfg SessionConfig) (*Session, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(cs.handler())
	t.Cleanup(srv.Close)

	if cfg.Self.ID == "" {
		cfg.Self = testSelf
	}
	client := NewClient("test-token", WithBaseURL(srv.URL))
	session, err := NewSession(client, nil, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session, srv
}

func peerMessage(id, convID, text string) MessageNewPayload {
	msg := makeTestMessage(id, convID, 0)
	msg.Text = text
	return MessageNewPayload{
		Conversation: makeTestConversation(convID, time.Minute),
		Message:      msg,
	}
}

// ============================================================================
// Session
// ============================================================================

func TestSessionStartSnapshot(t *testing.T) {
	cs := newChatServer()
	cs.conversations = []Conversation{
		{ID: "conv-1", LastActivityAt: testBase.Add(time.Hour), UnreadCount: 3},
		{ID: "conv-2", LastActivityAt: testBase, UnreadCount: 0},
	}

	session, _ := newTestSession(t, cs, SessionConfig{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	convs := session.Conversations()
	if len(convs) != 2 || convs[0].ID != "conv-1" {
		t.Fatalf("unexpected conversations %+v", convs)
	}
	if got := session.TotalUnread(); got != 3 {
		t.Fatalf("expected 3 unread from snapshot, got %d", got)
	}
	counts := session.UnreadByConversation()
	if _, ok := counts["conv-2"]; ok {
		t.Fatal("expected zero-count conversation omitted")
	}
}

func TestSessionSendFallback(t *testing.T) {
	t.Run("offline send succeeds over request channel", func(t *testing.T) {
		// Scenario: composing while the realtime stream is down must still
		// deliver and reflect the new message locally.
		cs := newChatServer()
		cs.sendResult = &SendResult{
			Conversation: Conversation{
				ID:             "conv-1",
				LastActivityAt: testBase.Add(time.Hour),
				Participants:   []UserRef{testSelf, {ID: "user-peer"}},
			},
			Message: Message{
				ID: "msg-sent", ConversationID: "conv-1",
				Sender: testSelf, Text: "hello", Kind: KindText,
				CreatedAt: testBase.Add(time.Hour),
			},
		}

		session, _ := newTestSession(t, cs, SessionConfig{})
		result, err := session.Send(context.Background(), SendRequest{RecipientID: "user-peer", Text: "hello"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Message.ID != "msg-sent" {
			t.Fatalf("unexpected result %+v", result)
		}
		if _, ok := session.index.Get("conv-1"); !ok {
			t.Fatal("expected conversation recorded after send")
		}
	})

	t.Run("failed send leaves no trace", func(t *testing.T) {
		cs := newChatServer()
		cs.failSends = true

		session, _ := newTestSession(t, cs, SessionConfig{})
		_, err := session.Send(context.Background(), SendRequest{RecipientID: "user-peer", Text: "hello"})
		if err == nil {
			t.Fatal("expected send failure")
		}
		if len(session.Conversations()) != 0 {
			t.Fatal("failed send must not mutate state")
		}
	})
}

func TestSessionDuplicateDelivery(t *testing.T) {
	// Scenario: the sender receives its own message twice, once as the send
	// result and once as the broadcast. State must reflect it exactly once.
	cs := newChatServer()
	ownMsg := Message{
		ID: "msg-dup", ConversationID: "conv-1",
		Sender: testSelf, Text: "mine", Kind: KindText,
		CreatedAt: testBase,
	}
	conv := Conversation{ID: "conv-1", LastActivityAt: testBase, Participants: []UserRef{testSelf, {ID: "user-peer"}}}
	cs.sendResult = &SendResult{Conversation: conv, Message: ownMsg}
	cs.messages["conv-1"] = nil

	session, _ := newTestSession(t, cs, SessionConfig{})
	session.SetActiveConversation(context.Background(), "conv-1")

	if _, err := session.Send(context.Background(), SendRequest{ConversationID: "conv-1", Text: "mine"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// The broadcast copy arrives after the send result.
	session.handleMessageNew(MessageNewPayload{Conversation: conv, Message: ownMsg})

	msgs := session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one copy, got %d", len(msgs))
	}
	if got := session.TotalUnread(); got != 0 {
		t.Fatalf("own message must not count as unread, got %d", got)
	}
	if len(session.RecentNotifications()) != 0 {
		t.Fatal("own message must not notify")
	}
}

func TestSessionActiveConversation(t *testing.T) {
	// Scenario: messages for the conversation on screen appear in order and
	// never accumulate unread counts.
	cs := newChatServer()
	session, _ := newTestSession(t, cs, SessionConfig{})
	session.SetActiveConversation(context.Background(), "conv-1")

	for i, id := range []string{"msg-1", "msg-2", "msg-3"} {
		p := peerMessage(id, "conv-1", id)
		p.Message.CreatedAt = testBase.Add(time.Duration(i) * time.Minute)
		session.handleMessageNew(p)
	}

	msgs := session.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"msg-1", "msg-2", "msg-3"} {
		if msgs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].ID)
		}
	}
	if got := session.TotalUnread(); got != 0 {
		t.Fatalf("active conversation accumulated %d unread", got)
	}
}

func TestSessionBackgroundConversation(t *testing.T) {
	cs := newChatServer()
	var delivered []string
	session, _ := newTestSession(t, cs, SessionConfig{
		OnMessage: func(msg Message, conv Conversation) {
			delivered = append(delivered, msg.ID)
		},
	})
	session.SetActiveConversation(context.Background(), "conv-active")

	session.handleMessageNew(peerMessage("msg-1", "conv-other", "one"))
	session.handleMessageNew(peerMessage("msg-2", "conv-other", "two"))

	if got := session.UnreadByConversation()["conv-other"]; got != 2 {
		t.Fatalf("expected 2 unread for background conversation, got %d", got)
	}
	if len(session.Messages()) != 0 {
		t.Fatal("background messages must not enter the active store")
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 OnMessage callbacks, got %d", len(delivered))
	}
	if recs := session.RecentNotifications(); len(recs) != 2 || recs[0].PreviewText != "two" {
		t.Fatalf("unexpected notifications %+v", recs)
	}
}

func TestSessionRoomRead(t *testing.T) {
	t.Run("own read event clears counts", func(t *testing.T) {
		// Scenario: another session of the same user marks a conversation
		// read; this session converges.
		cs := newChatServer()
		session, _ := newTestSession(t, cs, SessionConfig{})
		session.handleMessageNew(peerMessage("msg-1", "conv-1", "hi"))
		if session.TotalUnread() != 1 {
			t.Fatal("expected 1 unread before read event")
		}

		session.handleRoomRead(RoomReadPayload{RoomID: "conv-1", UserID: testSelf.ID})
		if got := session.TotalUnread(); got != 0 {
			t.Fatalf("expected unread cleared, got %d", got)
		}

		// Repeated read events for an already-read conversation stay benign.
		session.handleRoomRead(RoomReadPayload{RoomID: "conv-1", UserID: testSelf.ID})
		if got := session.TotalUnread(); got != 0 {
			t.Fatalf("expected 0 unread, got %d", got)
		}
	})

	t.Run("peer read receipts are ignored", func(t *testing.T) {
		cs := newChatServer()
		session, _ := newTestSession(t, cs, SessionConfig{})
		session.handleMessageNew(peerMessage("msg-1", "conv-1", "hi"))

		session.handleRoomRead(RoomReadPayload{RoomID: "conv-1", UserID: "user-peer"})
		if got := session.TotalUnread(); got != 1 {
			t.Fatalf("peer receipt must not clear counts, got %d", got)
		}
	})
}

func TestSessionMarkConversationRead(t *testing.T) {
	cs := newChatServer()
	session, _ := newTestSession(t, cs, SessionConfig{})
	session.handleMessageNew(peerMessage("msg-1", "conv-1", "hi"))

	session.MarkConversationRead("conv-1")
	if got := session.TotalUnread(); got != 0 {
		t.Fatalf("expected immediate clear, got %d", got)
	}
	waitFor(t, func() bool { return cs.readCount("conv-1") >= 1 })
}

func TestSessionHistoryStaleness(t *testing.T) {
	t.Run("stale load is discarded", func(t *testing.T) {
		cs := newChatServer()
		session, _ := newTestSession(t, cs, SessionConfig{})

		session.SetActiveConversation(context.Background(), "conv-1")
		session.mu.Lock()
		staleGen := session.historyGen
		session.mu.Unlock()

		// The user switches away before the load completes.
		session.SetActiveConversation(context.Background(), "conv-2")
		session.applyHistory("conv-1", staleGen, []Message{makeTestMessage("msg-old", "conv-1", 0)})

		if len(session.Messages()) != 0 {
			t.Fatal("stale history must not reach the store")
		}
	})

	t.Run("current load applies", func(t *testing.T) {
		cs := newChatServer()
		cs.messages["conv-1"] = []Message{
			makeTestMessage("msg-1", "conv-1", 0),
			makeTestMessage("msg-2", "conv-1", time.Minute),
		}
		session, _ := newTestSession(t, cs, SessionConfig{})
		session.SetActiveConversation(context.Background(), "conv-1")

		waitFor(t, func() bool { return len(session.Messages()) == 2 })
		waitFor(t, func() bool { return cs.readCount("conv-1") >= 1 })
	})

	t.Run("switching marks the opened conversation read", func(t *testing.T) {
		cs := newChatServer()
		session, _ := newTestSession(t, cs, SessionConfig{})
		session.handleMessageNew(peerMessage("msg-1", "conv-1", "hi"))

		session.SetActiveConversation(context.Background(), "conv-1")
		if got := session.TotalUnread(); got != 0 {
			t.Fatalf("opening a conversation must clear its count, got %d", got)
		}
	})
}

func TestSessionForegroundGating(t *testing.T) {
	cs := newChatServer()
	n := &fakeNotifier{supported: true, granted: true}
	session, _ := newTestSession(t, cs, SessionConfig{Notifier: n})

	session.handleMessageNew(peerMessage("msg-fg", "conv-1", "one"))
	if n.count() != 0 {
		t.Fatal("foreground session must not raise platform notifications")
	}

	session.SetForeground(false)
	session.handleMessageNew(peerMessage("msg-bg", "conv-1", "two"))
	if n.count() != 1 {
		t.Fatalf("expected 1 platform notification, got %d", n.count())
	}
}

func TestSessionClose(t *testing.T) {
	cs := newChatServer()
	session, _ := newTestSession(t, cs, SessionConfig{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close again is a no-op.
	if err := session.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
