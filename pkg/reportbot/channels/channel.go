// Package channels defines the Driver interface the control loop uses to
// read the monitored group conversation, reply into it and drive the
// auxiliary browser tabs report commands need. Each backend (WhatsApp Web
// through a browser, the native WhatsApp protocol, a local console)
// implements Driver.
package channels

import (
	"context"
	"errors"
	"time"
)

// Driver names.
const (
	DriverWebWhatsApp = "webwhatsapp"
	DriverWhatsApp    = "whatsapp"
	DriverConsole     = "console"
)

// ErrNoMessage is returned by LatestMessage when the conversation has no
// incoming message yet. It is not a transient failure.
var ErrNoMessage = errors.New("no incoming message")

// ErrChannelDisconnected is returned when the driver has lost its session.
var ErrChannelDisconnected = errors.New("channel disconnected")

// InboundMessage is the latest message seen in the monitored conversation.
// Two messages with equal Text and TimestampLabel are the same message.
type InboundMessage struct {
	// Sender is the display name of the author. Empty when the driver could
	// not attribute the message.
	Sender string

	// Text is the message body.
	Text string

	// TimestampLabel identifies the message in time as rendered by the channel.
	TimestampLabel string
}

// SameAs reports whether m and other are the same message.
func (m InboundMessage) SameAs(other InboundMessage) bool {
	return m.Text == other.Text && m.TimestampLabel == other.TimestampLabel
}

// IsZero reports whether m carries no message.
func (m InboundMessage) IsZero() bool {
	return m == InboundMessage{}
}

// Driver is the synchronous surface of a chat channel.
type Driver interface {
	// Name returns the driver identifier.
	Name() string

	// LatestMessage returns the most recent incoming message.
	LatestMessage(ctx context.Context) (InboundMessage, error)

	// SendText sends lines into the conversation. With multiline set they
	// form a single message, otherwise each line is sent separately.
	SendText(ctx context.Context, lines []string, multiline bool) error

	// SendImage sends the image at path with caption lines.
	SendImage(ctx context.Context, path string, caption []string) error

	Auxiliary

	// HealthCheck reports whether the underlying session is usable.
	HealthCheck(ctx context.Context) bool

	// RestartSession reinitializes the underlying session and reopens the
	// monitored conversation.
	RestartSession(ctx context.Context) error

	// Close tears the driver down.
	Close() error
}

// Auxiliary is the browser surface used by report commands. At most one
// auxiliary context is open at a time and it must be closed before focus
// returns to the monitored conversation.
type Auxiliary interface {
	// OpenAuxiliary opens url in a new context and returns its handle.
	OpenAuxiliary(ctx context.Context, url string) (string, error)

	// SwitchTo focuses the context with the given handle.
	SwitchTo(ctx context.Context, handle string) error

	// CloseCurrent closes the focused auxiliary context.
	CloseCurrent(ctx context.Context) error

	// WaitVisible waits for selector in the focused context.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	// Click clicks selector in the focused context.
	Click(ctx context.Context, selector string) error

	// Fill replaces the value of selector in the focused context.
	Fill(ctx context.Context, selector, value string) error

	// Text reads the text of selector in the focused context.
	Text(ctx context.Context, selector string) (string, error)

	// CaptureRegion captures selector at width×height and returns the PNG path.
	CaptureRegion(ctx context.Context, selector string, width, height int) (string, error)
}
