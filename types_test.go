package chatsync

import (
	"strings"
	"testing"
	"time"
)

func TestNewLocalMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 123456789, time.FixedZone("KST", 9*3600))
	m := newLocalMessage("hello", at)

	if !strings.HasPrefix(m.MessageID, localIDPrefix) {
		t.Fatalf("expected a placeholder id, got %q", m.MessageID)
	}
	if !m.IsLocal() {
		t.Fatal("expected IsLocal")
	}
	if m.Who != WhoMe {
		t.Fatalf("expected own authorship, got %q", m.Who)
	}

	parsed, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		t.Fatalf("createdAt not parseable: %v", err)
	}
	if !parsed.Equal(at) {
		t.Fatalf("timestamp changed: %v vs %v", parsed, at)
	}
	if parsed.Location() != time.UTC {
		t.Fatal("expected a UTC timestamp")
	}
}

func TestAPIError(t *testing.T) {
	err := &APIError{Code: "EXPIRED", Message: "token expired"}
	s := err.Error()
	if !strings.Contains(s, "EXPIRED") || !strings.Contains(s, "token expired") {
		t.Fatalf("unexpected error string %q", s)
	}
}
