package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/rentloop/chatsync"
)

var (
	roomsLimit int
	roomsJSON  bool

	historyLimit int
	historyAll   bool
	historyJSON  bool
)

func init() {
	roomsCmd.Flags().IntVar(&roomsLimit, "limit", 0, "page size (default 30)")
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(roomsCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "page size (default 30)")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "load every page, not just the newest")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(historyCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Rooms(ctx, "", roomsLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if roomsJSON {
			data, _ := json.MarshalIndent(page, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(page.Rooms) == 0 {
			fmt.Println("No chat rooms yet.")
			return nil
		}
		for _, room := range page.Rooms {
			unread := ""
			if room.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", room.UnreadCount)
			}
			fmt.Printf("%6d  %-30s %-16s %s%s\n",
				room.ChatroomID, truncate(room.PostTitle, 30), room.PartnerName,
				truncate(room.LastMessage, 40), unread)
		}
		if page.HasNextPage {
			fmt.Println("... more rooms available")
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show a room's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		client, _, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		loader := chatsync.NewHistoryLoader(client, roomID, historyLimit)
		for {
			more, err := loader.LoadMore(ctx)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if !more || !historyAll {
				break
			}
		}

		messages := loader.Messages()
		if historyJSON {
			data, _ := json.MarshalIndent(messages, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		// History is newest first; print chronologically.
		for i := len(messages) - 1; i >= 0; i-- {
			printMessage(messages[i])
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
