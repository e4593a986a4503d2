package chatsync

import (
	"reflect"
	"testing"
)

func msg(id string, who Who, text, createdAt string) ChatMessage {
	return ChatMessage{MessageID: id, Who: who, Message: text, CreatedAt: createdAt}
}

func ids(messages []ChatMessage) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.MessageID
	}
	return out
}

func TestMergeMessages(t *testing.T) {
	t.Run("optimistic before history by time", func(t *testing.T) {
		history := []ChatMessage{msg("h1", WhoPartner, "hi", "2024-01-01T00:00:00Z")}
		optimistic := []ChatMessage{msg("local-5", WhoMe, "yo", "2024-01-01T00:00:05Z")}

		merged := MergeMessages(nil, optimistic, history)
		want := []string{"local-5", "h1"}
		if got := ids(merged); !reflect.DeepEqual(got, want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		live := []ChatMessage{msg("r1", WhoPartner, "hey", "2024-01-01T00:01:00Z")}
		optimistic := []ChatMessage{msg("local-5", WhoMe, "yo", "2024-01-01T00:00:05Z")}
		history := []ChatMessage{
			msg("h1", WhoPartner, "hi", "2024-01-01T00:00:00Z"),
			msg("h2", WhoMe, "hello", "2024-01-01T00:00:02Z"),
		}

		first := MergeMessages(live, optimistic, history)
		second := MergeMessages(live, optimistic, history)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("merge is not deterministic: %v vs %v", ids(first), ids(second))
		}
	})

	t.Run("inputs not mutated", func(t *testing.T) {
		history := []ChatMessage{
			msg("h1", WhoPartner, "a", "2024-01-01T00:00:00Z"),
			msg("h2", WhoPartner, "b", "2024-01-01T00:00:01Z"),
		}
		before := append([]ChatMessage(nil), history...)
		MergeMessages(nil, nil, history)
		if !reflect.DeepEqual(history, before) {
			t.Fatal("history slice was mutated by merge")
		}
	})

	t.Run("dedup by message id prefers earlier source", func(t *testing.T) {
		shared := msg("m1", WhoPartner, "same", "2024-01-01T00:00:00Z")
		live := []ChatMessage{shared}
		history := []ChatMessage{msg("m1", WhoPartner, "same but historical", "2024-01-01T00:00:00Z")}

		merged := MergeMessages(live, nil, history)
		if len(merged) != 1 {
			t.Fatalf("expected 1 message, got %d", len(merged))
		}
		if merged[0].Message != "same" {
			t.Fatalf("expected the live copy to win, got %q", merged[0].Message)
		}
	})

	t.Run("placeholder copies collapse by composite key", func(t *testing.T) {
		optimistic := []ChatMessage{msg("local-99", WhoMe, "yo", "2024-01-01T00:00:05Z")}
		history := []ChatMessage{msg("", WhoMe, "yo", "2024-01-01T00:00:05Z")}

		merged := MergeMessages(nil, optimistic, history)
		if len(merged) != 1 {
			t.Fatalf("expected composite-key dedup to collapse copies, got %d entries", len(merged))
		}
		if merged[0].MessageID != "local-99" {
			t.Fatalf("expected the optimistic copy to win, got %s", merged[0].MessageID)
		}
	})

	t.Run("no duplicate dedup keys in output", func(t *testing.T) {
		live := []ChatMessage{
			msg("r1", WhoPartner, "a", "2024-01-01T00:02:00Z"),
			msg("r2", WhoPartner, "b", "2024-01-01T00:03:00Z"),
		}
		optimistic := []ChatMessage{
			msg("local-1", WhoMe, "c", "2024-01-01T00:01:00Z"),
			msg("local-2", WhoMe, "c", "2024-01-01T00:01:00Z"),
		}
		history := []ChatMessage{
			msg("r1", WhoPartner, "a", "2024-01-01T00:02:00Z"),
			msg("h1", WhoPartner, "d", "2024-01-01T00:00:00Z"),
		}

		merged := MergeMessages(live, optimistic, history)
		seen := map[string]bool{}
		for _, m := range merged {
			key := m.DedupKey()
			if seen[key] {
				t.Fatalf("duplicate dedup key in output: %s", key)
			}
			seen[key] = true
		}
	})

	t.Run("order invariant", func(t *testing.T) {
		live := []ChatMessage{msg("r1", WhoPartner, "a", "2024-01-01T00:02:00Z")}
		optimistic := []ChatMessage{
			msg("local-2", WhoMe, "b", "2024-01-01T00:02:00Z"),
			msg("local-1", WhoMe, "c", "2024-01-01T00:01:30Z"),
		}
		history := []ChatMessage{
			msg("h2", WhoPartner, "d", "2024-01-01T00:01:00Z"),
			msg("h1", WhoPartner, "e", "2024-01-01T00:00:00Z"),
		}

		merged := MergeMessages(live, optimistic, history)
		for i := 0; i+1 < len(merged); i++ {
			a, b := merged[i], merged[i+1]
			at, aok := parseCreatedAt(a.CreatedAt)
			bt, bok := parseCreatedAt(b.CreatedAt)
			if aok && bok {
				if at.Before(bt) {
					t.Fatalf("out of order at %d: %s before %s", i, a.MessageID, b.MessageID)
				}
				if at.Equal(bt) && a.MessageID < b.MessageID {
					t.Fatalf("tie-break violated at %d: %s < %s", i, a.MessageID, b.MessageID)
				}
			}
		}
	})

	t.Run("equal timestamps break by id descending", func(t *testing.T) {
		history := []ChatMessage{
			msg("a1", WhoPartner, "x", "2024-01-01T00:00:00Z"),
			msg("b1", WhoPartner, "y", "2024-01-01T00:00:00Z"),
		}
		merged := MergeMessages(nil, nil, history)
		want := []string{"b1", "a1"}
		if got := ids(merged); !reflect.DeepEqual(got, want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("unparsable timestamps sort last", func(t *testing.T) {
		history := []ChatMessage{
			msg("bad2", WhoPartner, "x", "not-a-time"),
			msg("h1", WhoPartner, "y", "2024-01-01T00:00:00Z"),
			msg("bad9", WhoPartner, "z", ""),
		}
		merged := MergeMessages(nil, nil, history)
		want := []string{"h1", "bad9", "bad2"}
		if got := ids(merged); !reflect.DeepEqual(got, want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("empty sources", func(t *testing.T) {
		if got := MergeMessages(nil, nil, nil); len(got) != 0 {
			t.Fatalf("expected empty merge, got %v", ids(got))
		}
		history := []ChatMessage{msg("h1", WhoPartner, "hi", "2024-01-01T00:00:00Z")}
		if got := MergeMessages(nil, nil, history); len(got) != 1 {
			t.Fatalf("expected history to pass through, got %v", ids(got))
		}
	})
}

func TestDedupKey(t *testing.T) {
	t.Run("server id", func(t *testing.T) {
		m := msg("srv-1", WhoMe, "hi", "2024-01-01T00:00:00Z")
		if m.DedupKey() != "id:srv-1" {
			t.Fatalf("unexpected key %q", m.DedupKey())
		}
	})

	t.Run("local placeholder uses composite", func(t *testing.T) {
		a := msg("local-1", WhoMe, "hi", "2024-01-01T00:00:00Z")
		b := msg("local-2", WhoMe, "hi", "2024-01-01T00:00:00Z")
		if a.DedupKey() != b.DedupKey() {
			t.Fatal("placeholder ids should not distinguish identical messages")
		}
		c := msg("local-1", WhoPartner, "hi", "2024-01-01T00:00:00Z")
		if a.DedupKey() == c.DedupKey() {
			t.Fatal("authorship must be part of the composite key")
		}
	})

	t.Run("empty id uses composite", func(t *testing.T) {
		m := msg("", WhoMe, "hi", "2024-01-01T00:00:00Z")
		if m.DedupKey() == "id:" {
			t.Fatal("empty id must not produce an id key")
		}
	})
}
