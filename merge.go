package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Message Merge Engine
// ============================================================================

// MergeMessages combines live-buffer messages, optimistic local sends,
// and REST-paginated history into one de-duplicated list ordered newest
// first. The concatenation order (live, then optimistic, then history)
// is the dedup tie-break: when the same message appears in more than one
// source, the copy from the earlier source wins, so a locally known copy
// is preferred over a later-arriving historical one.
//
// Sorting is by createdAt descending; ties and unparsable timestamps
// fall back to lexical messageId descending, a deterministic but not
// semantically meaningful order. Merging is a pure function: the inputs
// are never mutated and identical inputs yield identical output.
func MergeMessages(live, optimistic, history []ChatMessage) []ChatMessage {
	combined := make([]ChatMessage, 0, len(live)+len(optimistic)+len(history))
	combined = append(combined, live...)
	combined = append(combined, optimistic...)
	combined = append(combined, history...)

	seen := make(map[string]struct{}, len(combined))
	merged := make([]ChatMessage, 0, len(combined))
	for _, m := range combined {
		key := m.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return newerFirst(merged[i], merged[j])
	})
	return merged
}

// newerFirst reports whether a sorts before b in the merged view.
// Parsable timestamps sort before unparsable ones, so malformed
// createdAt values degrade to the id tie-break instead of failing.
func newerFirst(a, b ChatMessage) bool {
	at, aok := parseCreatedAt(a.CreatedAt)
	bt, bok := parseCreatedAt(b.CreatedAt)
	switch {
	case aok && bok:
		if !at.Equal(bt) {
			return at.After(bt)
		}
	case aok != bok:
		return aok
	}
	return a.MessageID > b.MessageID
}

func parseCreatedAt(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}
