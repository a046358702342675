// Package channelstest provides an in-memory channels.Driver for tests.
package channelstest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
)

// Sent is one outbound message.
type Sent struct {
	Lines     []string
	Multiline bool

	// Image is set for image messages.
	Image   string
	Caption []string
}

// Text joins the lines of a sent message.
func (s Sent) Text() string { return strings.Join(s.Lines, "\n") }

// Driver records everything sent and replays scripted polls. The zero
// value is ready to use.
type Driver struct {
	mu sync.Mutex

	// Polls are returned by LatestMessage in order. A message stays current
	// until a newer one is queued.
	polls []poll

	// Texts maps selectors to Text results on auxiliary pages.
	Texts map[string]string

	// Fail makes the named operation ("WaitVisible:<selector>", "Click:<selector>",
	// "CaptureRegion", "SendImage", "OpenAuxiliary", "RestartSession") return an error.
	Fail map[string]error

	// Healthy is returned by HealthCheck.
	Healthy bool

	// CaptureFile, when set, is returned by CaptureRegion.
	CaptureFile string

	sent     []Sent
	actions  []string
	auxOpen  bool
	restarts int
	checks   int
	closed   bool
	handles  int
}

type poll struct {
	msg  channels.InboundMessage
	err  error
	seen bool
}

var _ channels.Driver = (*Driver)(nil)

// Name returns "fake".
func (d *Driver) Name() string { return "fake" }

// Receive queues a message for LatestMessage.
func (d *Driver) Receive(sender, text, label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls = append(d.polls, poll{msg: channels.InboundMessage{Sender: sender, Text: text, TimestampLabel: label}})
}

// FailPoll queues a poll failure.
func (d *Driver) FailPoll(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls = append(d.polls, poll{err: err})
}

// LatestMessage returns the oldest queued poll not yet superseded. A
// message already returned is dropped once a newer poll is queued; errors
// are returned once.
func (d *Driver) LatestMessage(ctx context.Context) (channels.InboundMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.polls) > 1 && d.polls[0].seen {
		d.polls = d.polls[1:]
	}
	if len(d.polls) == 0 {
		return channels.InboundMessage{}, channels.ErrNoMessage
	}
	p := &d.polls[0]
	if p.err != nil {
		err := p.err
		d.polls = d.polls[1:]
		return channels.InboundMessage{}, err
	}
	p.seen = true
	return p.msg, nil
}

func (d *Driver) SendText(ctx context.Context, lines []string, multiline bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.Fail["SendText"]; err != nil {
		return err
	}
	d.sent = append(d.sent, Sent{Lines: append([]string(nil), lines...), Multiline: multiline})
	return nil
}

func (d *Driver) SendImage(ctx context.Context, path string, caption []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.Fail["SendImage"]; err != nil {
		return err
	}
	d.sent = append(d.sent, Sent{Image: path, Caption: append([]string(nil), caption...)})
	return nil
}

func (d *Driver) record(action string) error {
	d.actions = append(d.actions, action)
	if err := d.Fail[action]; err != nil {
		return err
	}
	if name, _, ok := strings.Cut(action, ":"); ok {
		if err := d.Fail[name]; err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) OpenAuxiliary(ctx context.Context, url string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("OpenAuxiliary:" + url); err != nil {
		return "", err
	}
	if d.auxOpen {
		return "", errors.New("auxiliary context already open")
	}
	d.auxOpen = true
	d.handles++
	return fmt.Sprintf("T%d", d.handles), nil
}

func (d *Driver) SwitchTo(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("SwitchTo:" + handle)
}

func (d *Driver) CloseCurrent(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("CloseCurrent"); err != nil {
		return err
	}
	if !d.auxOpen {
		return errors.New("no auxiliary context open")
	}
	d.auxOpen = false
	return nil
}

func (d *Driver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("WaitVisible:" + selector)
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("Click:" + selector)
}

func (d *Driver) Fill(ctx context.Context, selector, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("Fill:" + selector + "=" + value)
}

func (d *Driver) Text(ctx context.Context, selector string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Text:" + selector); err != nil {
		return "", err
	}
	return d.Texts[selector], nil
}

func (d *Driver) CaptureRegion(ctx context.Context, selector string, width, height int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(fmt.Sprintf("CaptureRegion:%s@%dx%d", selector, width, height)); err != nil {
		return "", err
	}
	if d.CaptureFile != "" {
		return d.CaptureFile, nil
	}
	return "capture.png", nil
}

func (d *Driver) HealthCheck(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks++
	return d.Healthy
}

func (d *Driver) RestartSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts++
	return d.Fail["RestartSession"]
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Sent returns every outbound message.
func (d *Driver) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}

// SentTexts returns the text of every outbound text message.
func (d *Driver) SentTexts() []string {
	var out []string
	for _, s := range d.Sent() {
		if s.Image == "" {
			out = append(out, s.Text())
		}
	}
	return out
}

// ResetSent forgets recorded messages.
func (d *Driver) ResetSent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
}

// Actions returns the recorded auxiliary operations.
func (d *Driver) Actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

// AuxOpen reports whether an auxiliary context is open.
func (d *Driver) AuxOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.auxOpen
}

// HealthChecks returns how many times HealthCheck was called.
func (d *Driver) HealthChecks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checks
}

// Restarts returns how many times RestartSession was called.
func (d *Driver) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
