package chatsync

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// STOMP 1.2 Framing
// ============================================================================
//
// Client-side STOMP framing over a message-oriented WebSocket: one STOMP
// frame per WebSocket message. Heartbeats are bare newline messages.

const (
	frameConnect     = "CONNECT"
	frameConnected   = "CONNECTED"
	frameSubscribe   = "SUBSCRIBE"
	frameUnsubscribe = "UNSUBSCRIBE"
	frameSend        = "SEND"
	frameMessage     = "MESSAGE"
	frameError       = "ERROR"
	frameDisconnect  = "DISCONNECT"
)

// stompFrame is one broker frame. A nil frame stands for a heartbeat.
type stompFrame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

var heartbeatPayload = []byte("\n")

// isHeartbeat reports whether raw WebSocket data is a STOMP heartbeat.
func isHeartbeat(data []byte) bool {
	trimmed := bytes.Trim(data, "\r\n")
	return len(trimmed) == 0
}

// marshalFrame serializes a frame. Headers are written in sorted order;
// a content-length header is added automatically when a body is present.
func marshalFrame(f *stompFrame) []byte {
	if f == nil {
		return heartbeatPayload
	}

	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(escapeHeader(k))
		b.WriteByte(':')
		b.WriteString(escapeHeader(f.Headers[k]))
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		b.WriteString("content-length:")
		b.WriteString(strconv.Itoa(len(f.Body)))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// parseFrame parses a frame from raw WebSocket data. It returns
// (nil, nil) for heartbeats.
func parseFrame(data []byte) (*stompFrame, error) {
	if isHeartbeat(data) {
		return nil, nil
	}

	// Frames end with NUL; tolerate its absence.
	data = bytes.TrimSuffix(data, []byte{0})

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		head = data
		body = nil
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	command := strings.TrimSpace(lines[0])
	if command == "" {
		return nil, fmt.Errorf("stomp: empty command")
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp: malformed header %q", line)
		}
		k = unescapeHeader(k)
		// Repeated headers: the first occurrence wins.
		if _, dup := headers[k]; !dup {
			headers[k] = unescapeHeader(v)
		}
	}

	if cl, ok := headers["content-length"]; ok {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 && n <= len(body) {
			body = body[:n]
		}
	}

	return &stompFrame{Command: command, Headers: headers, Body: body}, nil
}

// escapeHeader applies STOMP 1.2 header escaping.
func escapeHeader(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)
	return r.Replace(s)
}

// unescapeHeader reverses escapeHeader. Undefined escape sequences are
// passed through verbatim rather than rejected.
func unescapeHeader(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// ============================================================================
// Heartbeat Negotiation
// ============================================================================

// heartbeatHeader formats the CONNECT heart-beat header: the interval we
// send at, and the interval we want the broker to send at.
func heartbeatHeader(interval time.Duration) string {
	ms := interval.Milliseconds()
	return fmt.Sprintf("%d,%d", ms, ms)
}

// parseHeartbeat parses a CONNECTED heart-beat header ("sx,sy" in
// milliseconds). A zero value means that direction is disabled.
func parseHeartbeat(v string) (send, receive time.Duration, ok bool) {
	sx, sy, found := strings.Cut(v, ",")
	if !found {
		return 0, 0, false
	}
	sendMS, err1 := strconv.ParseInt(strings.TrimSpace(sx), 10, 64)
	recvMS, err2 := strconv.ParseInt(strings.TrimSpace(sy), 10, 64)
	if err1 != nil || err2 != nil || sendMS < 0 || recvMS < 0 {
		return 0, 0, false
	}
	return time.Duration(sendMS) * time.Millisecond, time.Duration(recvMS) * time.Millisecond, true
}
