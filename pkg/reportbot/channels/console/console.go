// Package console implements a local channel driver that reads messages
// from a terminal and prints replies. Report pages still run in a browser.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/browser"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
)

// Console reads one message per input line. Lines may be prefixed with
// "Name: " to pick the sender; otherwise Sender is used.
type Console struct {
	in     io.Reader
	out    io.Writer
	sender string
	ws     *browser.Workspace
	logger *slog.Logger

	mu     sync.Mutex
	latest channels.InboundMessage
	seq    int
	closed bool
	once   sync.Once
}

var _ channels.Driver = (*Console)(nil)

// New creates a console driver. ws may be nil when reports are not used.
func New(in io.Reader, out io.Writer, sender string, ws *browser.Workspace, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == "" {
		sender = "console"
	}
	return &Console{
		in:     in,
		out:    out,
		sender: sender,
		ws:     ws,
		logger: logger.With("component", "console"),
	}
}

// Name returns "console".
func (c *Console) Name() string { return channels.DriverConsole }

// Start begins reading input lines in the background.
func (c *Console) Start() {
	c.once.Do(func() { go c.readLoop() })
}

func (c *Console) readLoop() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.push(line)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("console input failed", "error", err)
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// push records line as the latest message.
func (c *Console) push(line string) {
	sender, text := c.sender, line
	if name, rest, ok := strings.Cut(line, ": "); ok && name != "" && !strings.Contains(name, " ") {
		sender, text = name, rest
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.latest = channels.InboundMessage{
		Sender:         sender,
		Text:           text,
		TimestampLabel: time.Now().Format("15:04:05") + " #" + strconv.Itoa(c.seq),
	}
}

// LatestMessage returns the last line read.
func (c *Console) LatestMessage(ctx context.Context) (channels.InboundMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest.IsZero() {
		if c.closed {
			return channels.InboundMessage{}, channels.ErrChannelDisconnected
		}
		return channels.InboundMessage{}, channels.ErrNoMessage
	}
	return c.latest, nil
}

// SendText prints lines.
func (c *Console) SendText(ctx context.Context, lines []string, multiline bool) error {
	if multiline {
		_, err := fmt.Fprintf(c.out, "bot> %s\n", strings.Join(lines, "\n     "))
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintf(c.out, "bot> %s\n", line); err != nil {
			return err
		}
	}
	return nil
}

// SendImage prints the image path and caption.
func (c *Console) SendImage(ctx context.Context, path string, caption []string) error {
	_, err := fmt.Fprintf(c.out, "bot> [image %s] %s\n", path, strings.Join(caption, " | "))
	return err
}

func (c *Console) workspace() (*browser.Workspace, error) {
	if c.ws == nil {
		return nil, fmt.Errorf("console driver has no browser")
	}
	return c.ws, nil
}

// OpenAuxiliary opens url in a browser tab.
func (c *Console) OpenAuxiliary(ctx context.Context, url string) (string, error) {
	ws, err := c.workspace()
	if err != nil {
		return "", err
	}
	return ws.OpenAuxiliary(ctx, url)
}

// SwitchTo focuses a tab.
func (c *Console) SwitchTo(ctx context.Context, handle string) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	return ws.SwitchTo(ctx, handle)
}

// CloseCurrent closes the auxiliary tab.
func (c *Console) CloseCurrent(ctx context.Context) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	return ws.CloseCurrent(ctx)
}

func (c *Console) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	return ws.WaitVisible(ctx, selector, timeout)
}

func (c *Console) Click(ctx context.Context, selector string) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	return ws.Click(ctx, selector)
}

func (c *Console) Fill(ctx context.Context, selector, value string) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	return ws.Fill(ctx, selector, value)
}

func (c *Console) Text(ctx context.Context, selector string) (string, error) {
	ws, err := c.workspace()
	if err != nil {
		return "", err
	}
	return ws.Text(ctx, selector)
}

func (c *Console) CaptureRegion(ctx context.Context, selector string, width, height int) (string, error) {
	ws, err := c.workspace()
	if err != nil {
		return "", err
	}
	return ws.CaptureRegion(ctx, selector, width, height)
}

// HealthCheck reports whether input is still open.
func (c *Console) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// RestartSession drops browser state. Input cannot be reopened.
func (c *Console) RestartSession(ctx context.Context) error {
	if c.ws != nil {
		c.ws.Reset()
		c.ws.Manager().Stop()
	}
	if !c.HealthCheck(ctx) {
		return channels.ErrChannelDisconnected
	}
	return nil
}

// Close stops the browser, if any.
func (c *Console) Close() error {
	if c.ws != nil {
		c.ws.Reset()
		c.ws.Manager().Stop()
	}
	return nil
}
