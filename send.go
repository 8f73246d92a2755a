package chatkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SendRequest describes an outgoing message. Exactly one of ConversationID
// and RecipientID must be set: the former targets an existing conversation,
// the latter starts or reuses the one-to-one conversation with that user.
type SendRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	RecipientID    string `json:"recipientId,omitempty"`
	Text           string `json:"text"`
}

func (r SendRequest) validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("send: text must not be empty")
	}
	if r.ConversationID == "" && r.RecipientID == "" {
		return errors.New("send: conversation or recipient required")
	}
	if r.ConversationID != "" && r.RecipientID != "" {
		return errors.New("send: conversation and recipient are mutually exclusive")
	}
	return nil
}

type ackSender interface {
	Connected() bool
	SendMessageWithAck(ctx context.Context, req SendRequest) (*SendAck, error)
}

type fallbackSender interface {
	PostMessage(ctx context.Context, req SendRequest) (*SendResult, error)
}

// SendCoordinator routes outgoing messages: the persistent connection with
// acknowledgement when it is up, the request/response channel otherwise or
// when the acknowledged path fails. Only when both channels fail does the
// send fail, and the caller keeps the draft.
type SendCoordinator struct {
	socket   ackSender
	fallback fallbackSender
}

// NewSendCoordinator creates a coordinator. socket may be nil for a
// request/response-only client.
func NewSendCoordinator(socket ackSender, fallback fallbackSender) *SendCoordinator {
	return &SendCoordinator{socket: socket, fallback: fallback}
}

// Send delivers a message and returns the server's authoritative
// conversation and message records. A *SendError is returned only when
// every channel failed.
func (c *SendCoordinator) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var sockErr error
	if c.socket != nil && c.socket.Connected() {
		ack, err := c.socket.SendMessageWithAck(ctx, req)
		switch {
		case err != nil:
			sockErr = err
		case !ack.OK:
			sockErr = fmt.Errorf("send rejected: %s", ack.Error)
		case ack.Conversation == nil || ack.Message == nil:
			sockErr = errors.New("send ack missing conversation or message")
		default:
			return &SendResult{Conversation: *ack.Conversation, Message: *ack.Message}, nil
		}
	} else {
		sockErr = ErrNotConnected
	}

	result, err := c.fallback.PostMessage(ctx, req)
	if err != nil {
		return nil, &SendError{Socket: sockErr, Fallback: err}
	}
	return result, nil
}
