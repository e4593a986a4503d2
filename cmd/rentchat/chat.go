package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/rentloop/chatsync"
)

var chatVerbose bool

func init() {
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "log connection events to stderr")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Open a live chat session in a room",
	Long: "Open a room: load its recent history, connect to the broker, and relay\n" +
		"typed lines as messages. Messages typed before the join handshake\n" +
		"resolves are queued and sent automatically. Exit with Ctrl-D.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		client, session, _ := getClient()

		realtimeCfg := &chatsync.RealtimeConfig{Origin: client.BaseURL()}
		if chatVerbose {
			realtimeCfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
		}

		// Newest history page first; older pages are out of scope for a
		// terminal session.
		loader := chatsync.NewHistoryLoader(client, roomID, 0)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := loader.LoadMore(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to load history: %w", err)
		}
		cancel()

		room := chatsync.NewRoomClient(session, realtimeCfg)
		defer room.Close()

		room.OnJoinResolved(func(membershipID int64) {
			fmt.Fprintf(os.Stderr, "-- joined room %d --\n", roomID)
		})
		room.OnMessage(func(m chatsync.ChatMessage) {
			printMessage(m)
			// Best effort; a lost receipt only delays the unread badge.
			_ = room.MarkAsRead(m.MessageID)
		})

		openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
		err = room.Open(openCtx, roomID)
		cancelOpen()
		if err != nil {
			return fmt.Errorf("failed to open room: %w", err)
		}

		history := loader.Messages()
		view := room.Messages(history)
		for i := len(view) - 1; i >= 0; i-- {
			printMessage(view[i])
		}
		fmt.Fprintln(os.Stderr, "-- connected, type to send, Ctrl-D to quit --")

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			room.Send(text)
			if n := room.PendingCount(); n > 0 {
				fmt.Fprintf(os.Stderr, "-- %d message(s) queued, waiting for join --\n", n)
			}
		}
		return scanner.Err()
	},
}

func printMessage(m chatsync.ChatMessage) {
	who := "them"
	if m.Who == chatsync.WhoMe {
		who = "you"
	}
	at := m.CreatedAt
	if t, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
		at = t.Local().Format("15:04")
	}
	fmt.Printf("[%s] %-4s  %s\n", at, who, m.Message)
}
