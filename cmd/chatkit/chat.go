package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	chatkit "github.com/reliahq/chatkit"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool

	// messages
	messagesLimit int

	// send
	sendToUser bool
)

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token in ~/.chatkit/config.toml",
	Long:  "Authenticate the CLI by storing a session token and the identity derived from it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		self, err := chatkit.IdentityFromToken(token)
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = self.ID
		cfg.Auth.DisplayName = self.DisplayName

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", self.DisplayName, self.ID)
		return nil
	},
}

// ============================================================================
// contacts
// ============================================================================

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List your contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		contacts, err := client.FetchContacts(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(contacts) == 0 {
			fmt.Println("No contacts.")
			return nil
		}
		for _, c := range contacts {
			fmt.Printf("%-28s %-20s %s\n", c.ID, c.DisplayName, c.Role)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.FetchConversations(ctx, true)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		index := chatkit.NewConversationIndex()
		convs = index.UpsertAll(convs)

		shown := 0
		for _, c := range convs {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			name := c.ID
			if peer, ok := c.Peer(cfg.Auth.UserID); ok {
				name = peer.DisplayName
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			fmt.Printf("%-28s %-20s %s%s\n", c.ID, name, formatWhen(c.ActivityTime()), unread)
			if c.LastMessagePreview != "" {
				fmt.Printf("  %s\n", c.LastMessagePreview)
			}
			shown++
		}
		if shown == 0 {
			fmt.Println("No conversations.")
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.FetchMessages(ctx, conversationID, messagesLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		store := chatkit.NewMessageStore()
		store.Reset(conversationID)
		for _, m := range store.Merge(conversationID, msgs) {
			fmt.Printf("[%s] %s: %s\n", formatWhen(m.CreatedAt), m.Sender.DisplayName, renderMessage(m))
		}
		return nil
	},
}

func renderMessage(m chatkit.Message) string {
	if m.Text != "" {
		return m.Text
	}
	switch m.Kind {
	case chatkit.KindPropertyShare:
		if m.Attachment != nil && m.Attachment.Title != "" {
			return "(shared property: " + m.Attachment.Title + ")"
		}
		return "(shared a property)"
	case chatkit.KindMediaShare:
		if m.Attachment != nil && m.Attachment.MediaCount > 1 {
			return fmt.Sprintf("(shared %d media files)", m.Attachment.MediaCount)
		}
		return "(shared a media file)"
	}
	return "(empty message)"
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-or-user-id> <text>",
	Short: "Send a message",
	Long:  "Send a message to an existing conversation, or with --user start the one-to-one conversation with that user.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, text := args[0], args[1]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req := chatkit.SendRequest{Text: text}
		if sendToUser {
			req.RecipientID = target
		} else {
			req.ConversationID = target
		}

		coordinator := chatkit.NewSendCoordinator(nil, client)
		result, err := coordinator.Send(ctx, req)
		if err != nil {
			var sendErr *chatkit.SendError
			if errors.As(err, &sendErr) {
				return fmt.Errorf("message not delivered, your draft was not consumed: %w", err)
			}
			return err
		}

		fmt.Printf("Sent %s to conversation %s\n", result.Message.ID, result.Conversation.ID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.PersistMarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %s as read\n", conversationID)
		return nil
	},
}

// ============================================================================
// Command registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Maximum number of messages to fetch")
	sendCmd.Flags().BoolVar(&sendToUser, "user", false, "Treat the target as a user ID instead of a conversation ID")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
}
