package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	chatterbox "github.com/chatterbox-im/chatterbox-go"
)

// newClient creates a client for the configured base URL. When requireAuth
// is set and no token is stored the process exits.
func newClient(cfg *Config, requireAuth bool) *chatterbox.Client {
	if requireAuth && cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'chatterbox login <email>' first.")
		os.Exit(1)
	}

	opts := []chatterbox.ClientOption{
		chatterbox.WithLogger(newLogger(cfg)),
		chatterbox.WithAutoRefresh(true),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatterbox.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatterbox.NewClient(cfg.Auth.Token, opts...)
}

func newLogger(cfg *Config) *logrus.Logger {
	return chatterbox.NewLogger(valueOrDefault(cfg.Default.LogLevel, "warn"))
}

// mustLoadConfig loads the config or exits.
func mustLoadConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// selfUser returns the logged-in user, asking the server when the config
// does not know the id.
func selfUser(ctx context.Context, cfg *Config, client *chatterbox.Client) (chatterbox.User, error) {
	if cfg.Auth.UserID != "" {
		return chatterbox.User{ID: cfg.Auth.UserID, Name: cfg.Auth.Name, Email: cfg.Auth.Email}, nil
	}
	return client.Account.Me(ctx)
}

// session is a connected channel plus the chat core on top of it.
type session struct {
	client  *chatterbox.Client
	channel *chatterbox.Channel
	chat    *chatterbox.Chat
}

func openSession(ctx context.Context, cfg *Config, metrics *chatterbox.Metrics) (*session, error) {
	client := newClient(cfg, true)
	self, err := selfUser(ctx, cfg, client)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	logger := newLogger(cfg)
	channel := client.Realtime.Channel(&chatterbox.ChannelConfig{
		AutoReconnect: true,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err := channel.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	chat := chatterbox.NewChat(&chatterbox.ChatConfig{
		Self:          self,
		Transport:     channel,
		History:       client.Messages,
		Conversations: client.Conversations,
		Logger:        logger,
		Metrics:       metrics,
	})
	return &session{client: client, channel: channel, chat: chat}, nil
}

func (s *session) Close(ctx context.Context) {
	s.chat.Close(ctx)
	_ = s.channel.Disconnect()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 16 {
		if len(key) <= 8 {
			return "****"
		}
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
