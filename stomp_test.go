package chatsync

import (
	"bytes"
	"testing"
	"time"
)

func TestMarshalFrame(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := &stompFrame{
			Command: frameSend,
			Headers: map[string]string{
				"destination":  "/app/chat.send",
				"content-type": "application/json",
			},
			Body: []byte(`{"chatroomId":42}`),
		}

		out, err := parseFrame(marshalFrame(in))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if out.Command != in.Command {
			t.Fatalf("command mismatch: %q", out.Command)
		}
		for k, v := range in.Headers {
			if out.Headers[k] != v {
				t.Fatalf("header %s: expected %q, got %q", k, v, out.Headers[k])
			}
		}
		if !bytes.Equal(out.Body, in.Body) {
			t.Fatalf("body mismatch: %q", out.Body)
		}
	})

	t.Run("content length added for bodies", func(t *testing.T) {
		raw := marshalFrame(&stompFrame{Command: frameSend, Body: []byte("hello")})
		if !bytes.Contains(raw, []byte("content-length:5\n")) {
			t.Fatalf("missing content-length header in %q", raw)
		}
	})

	t.Run("nul terminated", func(t *testing.T) {
		raw := marshalFrame(&stompFrame{Command: frameDisconnect})
		if raw[len(raw)-1] != 0 {
			t.Fatalf("frame not NUL terminated: %q", raw)
		}
	})

	t.Run("nil frame is a heartbeat", func(t *testing.T) {
		if !bytes.Equal(marshalFrame(nil), heartbeatPayload) {
			t.Fatal("nil frame should marshal to a heartbeat")
		}
	})
}

func TestParseFrame(t *testing.T) {
	t.Run("heartbeat yields nil frame", func(t *testing.T) {
		for _, raw := range []string{"\n", "\r\n", ""} {
			f, err := parseFrame([]byte(raw))
			if err != nil {
				t.Fatalf("heartbeat %q: %v", raw, err)
			}
			if f != nil {
				t.Fatalf("heartbeat %q parsed as frame %+v", raw, f)
			}
		}
	})

	t.Run("connected frame", func(t *testing.T) {
		raw := []byte("CONNECTED\nversion:1.2\nheart-beat:10000,10000\n\n\x00")
		f, err := parseFrame(raw)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if f.Command != frameConnected {
			t.Fatalf("expected CONNECTED, got %q", f.Command)
		}
		if f.Headers["heart-beat"] != "10000,10000" {
			t.Fatalf("unexpected heart-beat header %q", f.Headers["heart-beat"])
		}
	})

	t.Run("missing nul tolerated", func(t *testing.T) {
		f, err := parseFrame([]byte("MESSAGE\ndestination:/topic/chatroom.42\n\n{}"))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if string(f.Body) != "{}" {
			t.Fatalf("unexpected body %q", f.Body)
		}
	})

	t.Run("repeated header keeps first", func(t *testing.T) {
		f, err := parseFrame([]byte("MESSAGE\nfoo:first\nfoo:second\n\n\x00"))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if f.Headers["foo"] != "first" {
			t.Fatalf("expected first occurrence to win, got %q", f.Headers["foo"])
		}
	})

	t.Run("content length bounds body", func(t *testing.T) {
		f, err := parseFrame([]byte("MESSAGE\ncontent-length:2\n\nhi\x00trailing"))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if string(f.Body) != "hi" {
			t.Fatalf("expected body truncated to content-length, got %q", f.Body)
		}
	})

	t.Run("empty command rejected", func(t *testing.T) {
		if _, err := parseFrame([]byte("\n\nbody\x00")); err == nil {
			t.Fatal("expected an error for an empty command")
		}
	})
}

func TestHeaderEscaping(t *testing.T) {
	cases := []struct{ raw, escaped string }{
		{"plain", "plain"},
		{"a:b", `a\cb`},
		{"line\nbreak", `line\nbreak`},
		{`back\slash`, `back\\slash`},
		{"cr\rhere", `cr\rhere`},
	}
	for _, tc := range cases {
		if got := escapeHeader(tc.raw); got != tc.escaped {
			t.Errorf("escape %q: expected %q, got %q", tc.raw, tc.escaped, got)
		}
		if got := unescapeHeader(tc.escaped); got != tc.raw {
			t.Errorf("unescape %q: expected %q, got %q", tc.escaped, tc.raw, got)
		}
	}
}

func TestHeartbeatNegotiation(t *testing.T) {
	t.Run("header format", func(t *testing.T) {
		if got := heartbeatHeader(10 * time.Second); got != "10000,10000" {
			t.Fatalf("expected 10000,10000, got %q", got)
		}
	})

	t.Run("parse", func(t *testing.T) {
		send, recv, ok := parseHeartbeat("10000,5000")
		if !ok {
			t.Fatal("expected parse to succeed")
		}
		if send != 10*time.Second || recv != 5*time.Second {
			t.Fatalf("unexpected intervals %v, %v", send, recv)
		}
	})

	t.Run("disabled direction", func(t *testing.T) {
		send, _, ok := parseHeartbeat("0,10000")
		if !ok || send != 0 {
			t.Fatalf("expected disabled send direction, got %v ok=%v", send, ok)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, _, ok := parseHeartbeat("fast,slow"); ok {
			t.Fatal("expected parse failure")
		}
		if _, _, ok := parseHeartbeat("10000"); ok {
			t.Fatal("expected parse failure for a single value")
		}
	})
}
