// Package supervisor contains the two failure tiers around the control
// loop. PollGuard wraps reading the channel and restarts the driver on
// transient failures; Supervisor rebuilds the whole bot with backoff when
// a fatal condition escapes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
)

// FatalError is a condition that needs a process-level restart.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ErrorCounter counts consecutive failures against a threshold.
type ErrorCounter struct {
	count     int
	threshold int
}

// Fail records a failure and reports whether the threshold is reached.
func (c *ErrorCounter) Fail() bool {
	c.count++
	return c.threshold > 0 && c.count >= c.threshold
}

// Reset clears the count.
func (c *ErrorCounter) Reset() { c.count = 0 }

// Count returns the current count.
func (c *ErrorCounter) Count() int { return c.count }

// Threshold returns the escalation threshold.
func (c *ErrorCounter) Threshold() int { return c.threshold }

// PollGuard reads the latest message and absorbs transient failures by
// restarting the driver session.
type PollGuard struct {
	driver channels.Driver
	logger *slog.Logger

	mu       sync.Mutex
	errors   ErrorCounter
	cooldown time.Duration

	sleep func(context.Context, time.Duration) error

	// OnRestart is called after every driver restart attempt.
	OnRestart func(failures int, err error)

	// OnFailure is called for every failed poll.
	OnFailure func(err error)
}

// NewPollGuard creates a guard escalating after threshold consecutive failures.
func NewPollGuard(driver channels.Driver, threshold int, cooldown time.Duration, logger *slog.Logger) *PollGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollGuard{
		driver:   driver,
		logger:   logger.With("component", "poll-guard"),
		errors:   ErrorCounter{threshold: threshold},
		cooldown: cooldown,
		sleep:    sleepCtx,
	}
}

// Configure updates the threshold and cooldown after a config reload.
// The current count is kept.
func (g *PollGuard) Configure(threshold int, cooldown time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errors.threshold = threshold
	g.cooldown = cooldown
}

// Failures returns the consecutive failure count.
func (g *PollGuard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errors.Count()
}

// Poll reads the latest message. ok is false when there is nothing to
// process this tick, either because the conversation is empty or because
// a failure was absorbed by a driver restart. Errors are either a
// *FatalError or the context's error.
func (g *PollGuard) Poll(ctx context.Context) (msg channels.InboundMessage, ok bool, err error) {
	msg, err = g.driver.LatestMessage(ctx)
	if err == nil || errors.Is(err, channels.ErrNoMessage) {
		g.mu.Lock()
		g.errors.Reset()
		g.mu.Unlock()
		return msg, err == nil, nil
	}
	if ctx.Err() != nil {
		return channels.InboundMessage{}, false, ctx.Err()
	}

	g.mu.Lock()
	escalate := g.errors.Fail()
	failures, threshold, cooldown := g.errors.Count(), g.errors.Threshold(), g.cooldown
	g.mu.Unlock()

	if g.OnFailure != nil {
		g.OnFailure(err)
	}
	if escalate {
		g.logger.Error("too many consecutive poll failures",
			"failures", failures, "threshold", threshold, "error", err)
		return channels.InboundMessage{}, false, &FatalError{
			Reason: fmt.Sprintf("%d consecutive poll failures", failures),
			Err:    err,
		}
	}

	g.logger.Warn("poll failed, restarting channel session",
		"failures", failures, "threshold", threshold, "healthy", g.driver.HealthCheck(ctx), "error", err)
	rerr := g.driver.RestartSession(ctx)
	if g.OnRestart != nil {
		g.OnRestart(failures, rerr)
	}
	if rerr != nil {
		return channels.InboundMessage{}, false, &FatalError{Reason: "channel restart failed", Err: rerr}
	}
	if err := g.sleep(ctx, cooldown); err != nil {
		return channels.InboundMessage{}, false, err
	}
	return channels.InboundMessage{}, false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
