package chatkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error returned by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrNotConnected is returned when an operation requires the realtime
// connection and it is down.
var ErrNotConnected = errors.New("realtime connection is not established")

// SendError reports that both delivery paths of a send failed. The caller's
// draft is never consumed on a SendError; it is safe to retry with the same
// request.
type SendError struct {
	Socket   error // ack path failure, or ErrNotConnected
	Fallback error // REST path failure
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed on both paths: socket: %v; fallback: %v", e.Socket, e.Fallback)
}

func (e *SendError) Unwrap() []error {
	return []error{e.Socket, e.Fallback}
}

// ============================================================================
// Domain Model
// ============================================================================

// UserRef is an immutable snapshot of a user identity as embedded in
// messages and conversations.
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

// Conversation is a two-party messaging thread summary. UnreadCount is only
// populated on server snapshots; the UnreadTracker is the live source of
// truth after sync.
type Conversation struct {
	ID                 string    `json:"id"`
	Participants       []UserRef `json:"participants"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastActivityAt     time.Time `json:"lastActivityAt,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt,omitempty"`
	UnreadCount        int       `json:"unreadCount,omitempty"`
}

// ActivityTime returns the recency key used for conversation ordering:
// LastActivityAt when present, UpdatedAt otherwise.
func (c Conversation) ActivityTime() time.Time {
	if !c.LastActivityAt.IsZero() {
		return c.LastActivityAt
	}
	return c.UpdatedAt
}

// Peer returns the participant that is not selfID.
func (c Conversation) Peer(selfID string) (UserRef, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return UserRef{}, false
}

// MessageKind classifies a message payload.
type MessageKind string

const (
	KindText          MessageKind = "text"
	KindPropertyShare MessageKind = "property-share"
	KindMediaShare    MessageKind = "media-share"
)

// AttachmentSummary carries just enough of a shared attachment to render a
// preview. Full attachment payloads are owned by the backend.
type AttachmentSummary struct {
	Title      string `json:"title,omitempty"`
	MediaCount int    `json:"mediaCount,omitempty"`
}

// Message is immutable once created. The id is the sole deduplication key.
type Message struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversationId"`
	Sender         UserRef            `json:"sender"`
	Text           string             `json:"text"`
	Kind           MessageKind        `json:"kind"`
	Attachment     *AttachmentSummary `json:"attachmentSummary,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// NotificationRecord is an ephemeral, never-persisted notification entry.
type NotificationRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderName     string    `json:"senderName"`
	PreviewText    string    `json:"previewText"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SendResult is the single result shape both delivery paths normalize to.
type SendResult struct {
	Conversation Conversation `json:"conversation"`
	Message      Message      `json:"message"`
}

// ============================================================================
// API Envelope
// ============================================================================

// Result is the generic chat API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope error when the request was not OK, nil otherwise.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return errors.New("request failed (no error details)")
}
