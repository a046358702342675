package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
)

func TestConsole_LatestMessage(t *testing.T) {
	ctx := context.Background()
	c := New(strings.NewReader("bot mio\n\nAlice: daily\n"), &bytes.Buffer{}, "operator", nil, nil)

	_, err := c.LatestMessage(ctx)
	require.ErrorIs(t, err, channels.ErrNoMessage)

	c.Start()
	require.Eventually(t, func() bool { return !c.HealthCheck(ctx) }, time.Second, 10*time.Millisecond)

	msg, err := c.LatestMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alice", msg.Sender)
	assert.Equal(t, "daily", msg.Text)
	assert.True(t, strings.HasSuffix(msg.TimestampLabel, "#2"))
}

func TestConsole_Push(t *testing.T) {
	c := New(strings.NewReader(""), &bytes.Buffer{}, "", nil, nil)

	c.push("sales 10 20")
	first := c.latest
	assert.Equal(t, "console", first.Sender)

	c.push("sales 10 20")
	assert.False(t, first.SameAs(c.latest), "repeated text must yield a new message")

	c.push("Ops team: help")
	assert.Equal(t, "console", c.latest.Sender, "names with spaces are not sender prefixes")
	assert.Equal(t, "Ops team: help", c.latest.Text)
}

func TestConsole_SendText(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, "", nil, nil)

	require.NoError(t, c.SendText(ctx, []string{"a", "b"}, false))
	require.NoError(t, c.SendText(ctx, []string{"c", "d"}, true))
	require.NoError(t, c.SendImage(ctx, "artifacts/x.png", []string{"Sales", "2024-03-04"}))

	assert.Equal(t,
		"bot> a\nbot> b\nbot> c\n     d\nbot> [image artifacts/x.png] Sales | 2024-03-04\n",
		out.String())
}

func TestConsole_NoBrowser(t *testing.T) {
	c := New(strings.NewReader(""), &bytes.Buffer{}, "", nil, nil)
	_, err := c.OpenAuxiliary(context.Background(), "https://example.com")
	assert.Error(t, err)
}
