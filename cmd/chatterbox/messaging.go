package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	chatterbox "github.com/chatterbox-im/chatterbox-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON bool

	// history
	historyLimit  int
	historyBefore string
	historyJSON   bool

	// send
	sendTimeout time.Duration
	sendJSON    bool

	// listen
	listenMetricsAddr string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of messages")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Pagination cursor")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Overall timeout")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the confirmed message as JSON")

	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9100)")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, listenCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		client := newClient(cfg, true)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			fmt.Println(formatConversation(c, cfg.Auth.UserID, time.Now()))
		}
		return nil
	},
}

// formatConversation renders one line of the conversation list.
func formatConversation(c chatterbox.Conversation, selfID string, now time.Time) string {
	title := c.Title
	if title == "" {
		var names []string
		for _, p := range c.Participants {
			if p.ID == selfID {
				continue
			}
			names = append(names, valueOrDefault(p.Name, valueOrDefault(p.Email, p.ID)))
		}
		title = strings.Join(names, ", ")
	}
	line := fmt.Sprintf("%-28s %s", c.ID, title)
	if c.LastMessage != nil {
		line += fmt.Sprintf("  (%s) %s", humanize.RelTime(c.LastMessage.SentAt, now, "ago", "from now"), truncate(c.LastMessage.Body, 40))
	}
	return line
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		client := newClient(cfg, true)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.Messages.History(ctx, args[0], historyBefore, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyJSON {
			return printJSON(page)
		}
		now := time.Now()
		for _, m := range page.Messages {
			fmt.Println(formatMessage(m, now))
		}
		if page.HasMore {
			fmt.Printf("-- more: chatterbox history %s --before %s\n", args[0], page.Cursor)
		}
		return nil
	},
}

func formatMessage(m chatterbox.Message, now time.Time) string {
	sender := valueOrDefault(m.Sender.Name, m.Sender.ID)
	line := fmt.Sprintf("[%s] %s: %s", humanize.RelTime(m.SentAt, now, "ago", "from now"), sender, m.Body)
	for _, a := range m.Attachments {
		line += fmt.Sprintf("\n    + %s (%s)", valueOrDefault(a.Name, a.URL), humanize.Bytes(uint64(a.Size)))
	}
	if m.State == chatterbox.StateFailed {
		line += "  [failed]"
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message over the realtime channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		s, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		if err := s.chat.Session.EnterConversation(ctx, args[0]); err != nil {
			return err
		}
		out, err := s.chat.Messenger.SendMessage(ctx, strings.Join(args[1:], " "), nil)
		if err != nil {
			return err
		}
		msg, err := out.Wait(ctx)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s (%s)\n", valueOrDefault(msg.ID, msg.CorrelationID), msg.State)
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen [conversation-id]",
	Short: "Print live messages, typing and presence events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *chatterbox.Metrics
		if listenMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = chatterbox.NewMetrics(reg)
			srv := &http.Server{Addr: listenMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		s, err := openSession(ctx, cfg, metrics)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		now := time.Now
		s.chat.On(chatterbox.NotifyMessageIncoming, func(_ string, payload any) {
			m := payload.(chatterbox.Message)
			fmt.Printf("%s %s\n", m.ConversationID, formatMessage(m, now()))
		})
		s.chat.On(chatterbox.NotifyTypingChanged, func(_ string, payload any) {
			t := payload.(chatterbox.TypingChange)
			verb := "stopped typing"
			if t.Typing {
				verb = "is typing..."
			}
			fmt.Printf("%s %s %s\n", t.ConversationID, t.UserID, verb)
		})
		s.chat.On(chatterbox.NotifyPresenceChanged, func(_ string, payload any) {
			p := payload.(chatterbox.PresenceEntry)
			switch {
			case p.Online:
				fmt.Printf("%s is online\n", p.UserID)
			case p.LastSeen != nil:
				fmt.Printf("%s is offline (last seen %s)\n", p.UserID, humanize.RelTime(*p.LastSeen, now(), "ago", "from now"))
			default:
				fmt.Printf("%s is offline\n", p.UserID)
			}
		})
		s.chat.On(chatterbox.NotifyCallStateChanged, func(_ string, payload any) {
			c := payload.(chatterbox.CallSnapshot)
			if c.State == chatterbox.CallRinging {
				fmt.Printf("incoming %s call from %s\n", c.Type, c.PeerID)
			}
		})

		if len(args) == 1 {
			if err := s.chat.Session.EnterConversation(ctx, args[0]); err != nil {
				return err
			}
			for _, m := range s.chat.Ledger.Messages() {
				fmt.Printf("%s %s\n", m.ConversationID, formatMessage(m, now()))
			}
		}

		fmt.Fprintln(os.Stderr, "Listening. Press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	},
}
