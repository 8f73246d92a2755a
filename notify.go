package chatkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// notificationHistoryLimit caps the in-memory notification ring.
const notificationHistoryLimit = 20

// Notifier abstracts the platform notification surface. Implementations are
// expected to collapse notifications that share a tag into one.
type Notifier interface {
	// Supported reports whether the platform can show notifications at all.
	Supported() bool
	// PermissionGranted reports whether the user has allowed notifications.
	PermissionGranted() bool
	// RequestPermission prompts the user and reports the resulting grant.
	RequestPermission(ctx context.Context) (bool, error)
	// Notify shows a notification. Re-notifying with the same tag replaces
	// the previous one.
	Notify(tag, title, body string) error
}

// Synthesizer turns incoming messages into notification records and,
// when circumstances allow, platform notifications. Notification failures
// never block message processing.
type Synthesizer struct {
	mu       sync.Mutex
	recent   []NotificationRecord
	notifier Notifier
	log      *zap.Logger
}

// NewSynthesizer creates a synthesizer. notifier may be nil when no platform
// surface exists; records are still kept.
func NewSynthesizer(notifier Notifier, log *zap.Logger) *Synthesizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synthesizer{notifier: notifier, log: log}
}

// OnIncoming processes an incoming message. Own messages produce nothing.
// Every other message yields a record; a platform notification additionally
// fires when the surface is supported, permitted, and the app is not in the
// foreground.
func (s *Synthesizer) OnIncoming(msg Message, isOwn, foreground bool) *NotificationRecord {
	if isOwn {
		return nil
	}

	rec := NotificationRecord{
		ID:             fmt.Sprintf("%s-%d", msg.ID, time.Now().UnixNano()),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderName:     msg.Sender.DisplayName,
		PreviewText:    previewText(msg),
		CreatedAt:      time.Now(),
	}
	if rec.SenderName == "" {
		rec.SenderName = "New message"
	}

	s.mu.Lock()
	s.recent = append([]NotificationRecord{rec}, s.recent...)
	if len(s.recent) > notificationHistoryLimit {
		s.recent = s.recent[:notificationHistoryLimit]
	}
	s.mu.Unlock()

	if s.notifier != nil && s.notifier.Supported() && s.notifier.PermissionGranted() && !foreground {
		// The message ID as tag collapses duplicate deliveries into one
		// visible notification.
		if err := s.notifier.Notify(msg.ID, rec.SenderName, rec.PreviewText); err != nil {
			s.log.Warn("platform notification failed", zap.String("message", msg.ID), zap.Error(err))
		}
	}

	return &rec
}

// Recent returns the notification history, newest first.
func (s *Synthesizer) Recent() []NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NotificationRecord, len(s.recent))
	copy(out, s.recent)
	return out
}

// RequestPermission asks the platform for notification permission.
func (s *Synthesizer) RequestPermission(ctx context.Context) (bool, error) {
	if s.notifier == nil || !s.notifier.Supported() {
		return false, nil
	}
	if s.notifier.PermissionGranted() {
		return true, nil
	}
	return s.notifier.RequestPermission(ctx)
}

// previewText renders a one-line body for a message, preferring text over
// attachment summaries.
func previewText(msg Message) string {
	if text := strings.TrimSpace(msg.Text); text != "" {
		return text
	}
	switch msg.Kind {
	case KindPropertyShare:
		if msg.Attachment != nil && msg.Attachment.Title != "" {
			return "Shared property: " + msg.Attachment.Title
		}
		return "Shared a property"
	case KindMediaShare:
		if msg.Attachment != nil && msg.Attachment.MediaCount > 1 {
			return fmt.Sprintf("Shared %d media files", msg.Attachment.MediaCount)
		}
		return "Shared a media file"
	}
	return "New message"
}
