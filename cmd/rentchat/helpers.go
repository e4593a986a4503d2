package main

import (
	"fmt"
	"os"
	"strconv"

	chatsync "github.com/rentloop/chatsync"
)

// getSession builds a Session from the stored credentials, exiting with
// a hint when the user has not logged in yet.
func getSession() (*chatsync.Session, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == 0 {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'rentchat login <token> --user-id <id>' first.")
		os.Exit(1)
	}

	session := chatsync.NewSession()
	session.Set(cfg.Auth.Token, cfg.Auth.UserID)
	return session, cfg
}

// getClient creates an authenticated chat API client.
func getClient() (*chatsync.Client, *chatsync.Session, *Config) {
	session, cfg := getSession()

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(session, opts...), session, cfg
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("user id must be a positive integer, got %q", s)
	}
	return id, nil
}

func parseRoomID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("room id must be a positive integer, got %q", s)
	}
	return id, nil
}
