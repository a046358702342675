package webwhatsapp

import (
	"testing"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
)

func TestParsePrePlain(t *testing.T) {
	t.Run("sender and timestamp", func(t *testing.T) {
		msg, ok := parsePrePlain("[10:15, 3/4/2024] Alice Smith: ", "sales 12 99")
		if !ok {
			t.Fatal("expected prefix to parse")
		}
		want := channels.InboundMessage{Sender: "Alice Smith", Text: "sales 12 99", TimestampLabel: "10:15, 3/4/2024"}
		if msg != want {
			t.Errorf("got %+v, want %+v", msg, want)
		}
	})

	t.Run("sender with colon", func(t *testing.T) {
		msg, ok := parsePrePlain("[08:00, 3/4/2024] Ops: Night: ", "help")
		if !ok || msg.Sender != "Ops: Night" {
			t.Errorf("unexpected sender %q", msg.Sender)
		}
	})

	t.Run("missing prefix", func(t *testing.T) {
		if _, ok := parsePrePlain("", "help"); ok {
			t.Error("expected failure without prefix")
		}
	})

	t.Run("media bubble without text", func(t *testing.T) {
		if _, ok := parsePrePlain("[08:00, 3/4/2024] Bob: ", ""); ok {
			t.Error("expected failure without body")
		}
	})
}

func TestParseRaw(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want channels.InboundMessage
	}{
		{
			name: "first bubble",
			raw:  "Alice\nbot mio\n10:15",
			want: channels.InboundMessage{Sender: "Alice", Text: "bot mio", TimestampLabel: "10:15"},
		},
		{
			name: "continuation bubble",
			raw:  "daily\n10:16",
			want: channels.InboundMessage{Text: "daily", TimestampLabel: "10:16"},
		},
		{
			name: "multiline text",
			raw:  "Alice\nline one\nline two\n10:17",
			want: channels.InboundMessage{Sender: "Alice", Text: "line one\nline two", TimestampLabel: "10:17"},
		},
		{
			name: "bare",
			raw:  "hello",
			want: channels.InboundMessage{Text: "hello"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRaw(tt.raw); got != tt.want {
				t.Errorf("parseRaw(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestXPathLiteral(t *testing.T) {
	tests := map[string]string{
		`Ops Reports`: `"Ops Reports"`,
		`Say "hi"`:    `'Say "hi"'`,
		`It's "fine"`: `concat("It's ", '"', "fine", '"')`,
	}
	for in, want := range tests {
		if got := xpathLiteral(in); got != want {
			t.Errorf("xpathLiteral(%q) = %s, want %s", in, got, want)
		}
	}
}
