package chatkit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

func writeOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func writeErr(w http.ResponseWriter, code, message string) {
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: message}})
}

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient("test-token", WithBaseURL(srv.URL)), srv
}

// ============================================================================
// Client
// ============================================================================

func TestClientRequests(t *testing.T) {
	t.Run("sends bearer token", func(t *testing.T) {
		var gotAuth string
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			writeOK(w, []UserRef{})
		}))
		defer srv.Close()

		if _, err := client.FetchContacts(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotAuth != "Bearer test-token" {
			t.Fatalf("unexpected auth header %q", gotAuth)
		}
	})

	t.Run("decodes contacts", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/contacts" {
				t.Errorf("unexpected path %q", r.URL.Path)
			}
			writeOK(w, []UserRef{{ID: "user-1", DisplayName: "Dana", Role: "agent"}})
		}))
		defer srv.Close()

		contacts, err := client.FetchContacts(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(contacts) != 1 || contacts[0].DisplayName != "Dana" {
			t.Fatalf("unexpected contacts %+v", contacts)
		}
	})

	t.Run("surfaces api errors", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeErr(w, "UNAUTHORIZED", "session expired")
		}))
		defer srv.Close()

		_, err := client.FetchContacts(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T: %v", err, err)
		}
		if apiErr.Code != "UNAUTHORIZED" {
			t.Fatalf("unexpected code %q", apiErr.Code)
		}
	})
}

func TestFetchConversations(t *testing.T) {
	t.Run("passes withUnread query", func(t *testing.T) {
		var gotQuery string
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			writeOK(w, []Conversation{{ID: "conv-1", UnreadCount: 2}})
		}))
		defer srv.Close()

		convs, err := client.FetchConversations(context.Background(), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotQuery != "withUnread=true" {
			t.Fatalf("unexpected query %q", gotQuery)
		}
		if convs[0].UnreadCount != 2 {
			t.Fatalf("unexpected unread count %d", convs[0].UnreadCount)
		}
	})

	t.Run("omits query without unread", func(t *testing.T) {
		var gotQuery string
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			writeOK(w, []Conversation{})
		}))
		defer srv.Close()

		if _, err := client.FetchConversations(context.Background(), false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotQuery != "" {
			t.Fatalf("unexpected query %q", gotQuery)
		}
	})
}

func TestFetchMessages(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/messages/conv-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "25" {
			t.Errorf("unexpected limit %q", r.URL.Query().Get("limit"))
		}
		writeOK(w, []Message{makeTestMessage("msg-1", "conv-1", 0)})
	}))
	defer srv.Close()

	msgs, err := client.FetchMessages(context.Background(), "conv-1", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "msg-1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestPersistMarkRead(t *testing.T) {
	var gotMethod, gotPath string
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		writeOK(w, nil)
	}))
	defer srv.Close()

	if err := client.PersistMarkRead(context.Background(), "conv-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != "POST" || gotPath != "/api/chat/conversations/conv-1/read" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestPostMessage(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.RecipientID != "user-2" || req.Text != "hello" {
			t.Errorf("unexpected request %+v", req)
		}
		writeOK(w, SendResult{
			Conversation: Conversation{ID: "conv-9"},
			Message:      Message{ID: "msg-9", ConversationID: "conv-9", Text: req.Text},
		})
	}))
	defer srv.Close()

	result, err := client.PostMessage(context.Background(), SendRequest{RecipientID: "user-2", Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Conversation.ID != "conv-9" || result.Message.ID != "msg-9" {
		t.Fatalf("unexpected result %+v", result)
	}
}

// ============================================================================
// Identity
// ============================================================================

func TestIdentityFromToken(t *testing.T) {
	// Unsigned test token; only the claims matter.
	makeToken := func(claims map[string]any) string {
		header := map[string]any{"alg": "HS256", "typ": "JWT"}
		enc := func(v any) string {
			b, _ := json.Marshal(v)
			return base64.RawURLEncoding.EncodeToString(b)
		}
		return fmt.Sprintf("%s.%s.", enc(header), enc(claims))
	}

	t.Run("derives identity from claims", func(t *testing.T) {
		token := makeToken(map[string]any{
			"sub":         "user-1",
			"displayName": "Dana",
			"role":        "agent",
		})
		self, err := IdentityFromToken(token)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if self.ID != "user-1" || self.DisplayName != "Dana" || self.Role != "agent" {
			t.Fatalf("unexpected identity %+v", self)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := IdentityFromToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("rejects missing subject", func(t *testing.T) {
		token := makeToken(map[string]any{"displayName": "Dana"})
		if _, err := IdentityFromToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
}
