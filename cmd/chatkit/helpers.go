package main

import (
	"fmt"
	"os"
	"time"

	chatkit "github.com/reliahq/chatkit"
)

// getClient creates a chatkit client authenticated with the stored token.
func getClient() *chatkit.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'chatkit login <token>' first.")
		os.Exit(1)
	}

	var opts []chatkit.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatkit.WithBaseURL(cfg.Default.BaseURL))
	}

	return chatkit.NewClient(cfg.Auth.Token, opts...)
}

// formatWhen renders a timestamp for list output.
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
