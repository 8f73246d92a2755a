package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatkit "github.com/reliahq/chatkit"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(watchCmd)
}

// terminalNotifier prints notifications to the terminal. It stands in for a
// platform notification surface, so permission is always granted.
type terminalNotifier struct{}

func (terminalNotifier) Supported() bool         { return true }
func (terminalNotifier) PermissionGranted() bool { return true }
func (terminalNotifier) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}
func (terminalNotifier) Notify(tag, title, body string) error {
	fmt.Printf("\a*** %s: %s\n", title, body)
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages until interrupted",
	Long:  "Connect to the realtime stream and print messages, read receipts, and connectivity changes as they happen.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		logger := zap.NewNop()
		if watchVerbose {
			var err error
			if logger, err = zap.NewDevelopment(); err != nil {
				return err
			}
		}

		rt := client.Realtime(&chatkit.RealtimeConfig{
			AutoReconnect: true,
			Logger:        logger,
		})

		session, err := chatkit.NewSession(client, rt, chatkit.SessionConfig{
			Notifier: terminalNotifier{},
			Logger:   logger,
			OnMessage: func(msg chatkit.Message, conv chatkit.Conversation) {
				fmt.Printf("[%s] %s: %s\n",
					formatWhen(msg.CreatedAt), msg.Sender.DisplayName, renderMessage(msg))
			},
			OnConnectivity: func(connected bool) {
				if connected {
					fmt.Println("-- connected --")
				} else {
					fmt.Println("-- disconnected, retrying --")
				}
			},
		})
		if err != nil {
			return err
		}
		defer session.Close()

		// Watching from a terminal means nothing is "on screen", so every
		// incoming message counts as unread and notifies.
		session.SetForeground(false)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = session.Start(ctx)
		cancel()
		if err != nil {
			return err
		}

		fmt.Printf("Watching as %s. Press Ctrl-C to stop.\n", session.Self().DisplayName)
		if total := session.TotalUnread(); total > 0 {
			fmt.Printf("%d unread messages across %d conversations\n",
				total, len(session.UnreadByConversation()))
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopping.")
		return nil
	},
}
