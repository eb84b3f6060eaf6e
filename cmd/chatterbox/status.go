package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	chatterbox "github.com/chatterbox-im/chatterbox-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, chatterbox.DefaultBaseURL))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:   %s\n", cfg.Auth.UserID)
			fmt.Printf("  Email:     %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))
		} else {
			fmt.Println("  User ID:   (not logged in)")
		}
		fmt.Printf("  Token:     %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg, true)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Account.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  User ID:   %s\n", me.ID)
		fmt.Printf("  Name:      %s\n", valueOrDefault(me.Name, "(none)"))

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		return nil
	},
}

// tokenStatus describes a token by its exp claim.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	exp, err := chatterbox.TokenExpiry(token)
	switch {
	case err != nil:
		return fmt.Sprintf("%s (unparseable: %v)", maskKey(token), err)
	case exp.IsZero():
		return fmt.Sprintf("%s (no expiry)", maskKey(token))
	case now.Before(exp):
		return fmt.Sprintf("%s valid (expires %s)", maskKey(token), humanize.RelTime(exp, now, "ago", "from now"))
	default:
		return fmt.Sprintf("%s EXPIRED (%s)", maskKey(token), humanize.RelTime(exp, now, "ago", "from now"))
	}
}
