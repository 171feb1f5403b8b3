package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	nimbus "github.com/nimbuschat/nimbus/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(chatCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of messages to fetch")
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels you are a member of",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		channels, err := client.ListChannels(ctx)
		if err != nil {
			return fmt.Errorf("failed to list channels: %w", err)
		}
		if len(channels) == 0 {
			fmt.Println("No channels.")
			return nil
		}
		for _, ch := range channels {
			line := fmt.Sprintf("%s  %s", ch.ID, ch.Name)
			if ch.Topic != "" {
				line += "  - " + ch.Topic
			}
			fmt.Println(line)
		}
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <channel-id>",
	Short: "Print recent messages from a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.GetHistory(ctx, args[0], &nimbus.HistoryOptions{Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}
		for _, m := range msgs {
			printMessage(&m)
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <channel-id>",
	Short: "Open a live chat in a channel",
	Long: "Connect to the channel and chat interactively.\n" +
		"Plain lines are sent as messages. Commands:\n" +
		"  /read <message-id>   mark a message as read\n" +
		"  /status <id>         show delivery status for a message\n" +
		"  /pending             show queued offline sends\n" +
		"  /quit                leave",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID := args[0]

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		session, err := getSession(ctx)
		if err != nil {
			return err
		}
		defer session.Close()

		rt := session.Realtime()
		rt.OnMessageNew(func(p nimbus.MessageNewPayload) {
			if p.Message.ChannelID == channelID {
				printMessage(&p.Message)
			}
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("* reconnecting (attempt %d, in %s)\n", attempt, delay)
		})
		rt.OnDisconnected(func(code int, reason string) {
			fmt.Printf("* disconnected: %s\n", reason)
		})
		rt.OnConnectionFailed(func(attempts int, err error) {
			fmt.Printf("* connection failed after %d attempts: %v\n", attempts, err)
		})

		if err := session.Connect(ctx); err != nil {
			if errors.Is(err, nimbus.ErrAuthRejected) {
				return fmt.Errorf("credential rejected. Run 'nimbus login' with a fresh token")
			}
			return fmt.Errorf("connect: %w", err)
		}
		fmt.Printf("Connected as %s. Type /quit to leave.\n", session.Self().Username)

		if msgs, err := session.LoadHistory(ctx, channelID, &nimbus.HistoryOptions{Limit: 20}); err == nil {
			for _, m := range msgs {
				printMessage(&m)
			}
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if done := runChatCommand(ctx, session, channelID, line); done {
					return nil
				}
				continue
			}

			msg, err := session.SendMessage(ctx, channelID, line)
			switch {
			case errors.Is(err, nimbus.ErrNotConnected):
				fmt.Println("* offline, message queued")
			case err != nil:
				fmt.Printf("* send failed: %v\n", err)
			default:
				status, _ := session.DeliveryStatus(msg.ID)
				fmt.Printf("* sent %s (%s)\n", msg.ID, status)
			}
		}
		return scanner.Err()
	},
}

// runChatCommand handles a /-prefixed line. Returns true when the chat should
// exit.
func runChatCommand(ctx context.Context, session *nimbus.Session, channelID, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/read":
		if len(fields) != 2 {
			fmt.Println("usage: /read <message-id>")
			return false
		}
		if err := session.MarkAsRead(ctx, channelID, fields[1]); err != nil {
			fmt.Printf("* mark read failed: %v\n", err)
		}
	case "/status":
		if len(fields) != 2 {
			fmt.Println("usage: /status <id>")
			return false
		}
		if status, ok := session.DeliveryStatus(fields[1]); ok {
			fmt.Printf("* %s: %s\n", fields[1], status)
			for _, r := range session.ReadReceipts(fields[1]) {
				fmt.Printf("    read by %s at %s\n", r.UserID, r.ReadAt.Format(time.Kitchen))
			}
		} else {
			fmt.Println("* unknown message")
		}
	case "/pending":
		entries, err := session.PendingSends(channelID)
		if err != nil {
			fmt.Printf("* %v\n", err)
			return false
		}
		if len(entries) == 0 {
			fmt.Println("* nothing queued")
		}
		for _, e := range entries {
			fmt.Printf("* queued %s: %s\n", e.EnqueuedAt.Format(time.Kitchen), e.Content)
		}
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

func printMessage(m *nimbus.Message) {
	name := m.Sender.Username
	if name == "" {
		name = m.SenderID
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.Kitchen), name, m.Content)
}
