package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// ErrRestartsExhausted is returned by Run when the bot failed more often
// than the restart budget allows.
var ErrRestartsExhausted = errors.New("maximum restarts reached")

const (
	backoffStep = 5 * time.Second
	backoffMax  = 30 * time.Second
)

// Backoff returns the wait before restart number attempt (1-based).
func Backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * backoffStep
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// Runner is one bot lifetime.
type Runner interface {
	// Run blocks until ctx is cancelled or a fatal condition occurs.
	Run(ctx context.Context) error

	// Close tears the bot down. It is called after every Run.
	Close() error
}

// BuildFunc constructs a fresh bot.
type BuildFunc func(ctx context.Context) (Runner, error)

// Supervisor rebuilds the bot after fatal conditions.
type Supervisor struct {
	maxRestarts int
	logger      *slog.Logger
	sleep       func(context.Context, time.Duration) error

	// OnRestart is called before waiting for restart number attempt.
	OnRestart func(attempt int, wait time.Duration, cause error)
}

// New creates a supervisor that gives up once the bot has failed
// maxRestarts times, so it is built at most maxRestarts times.
func New(maxRestarts int, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		maxRestarts: maxRestarts,
		logger:      logger.With("component", "supervisor"),
		sleep:       sleepCtx,
	}
}

// Run builds and runs the bot until ctx is cancelled, which returns nil,
// or until the restart budget is spent, which returns ErrRestartsExhausted.
func (s *Supervisor) Run(ctx context.Context, build BuildFunc) error {
	restarts := 0
	for {
		err := s.runOnce(ctx, build)
		if ctx.Err() != nil {
			s.logger.Info("shutdown requested, supervisor stopped")
			return nil
		}
		if err == nil {
			err = errors.New("bot stopped unexpectedly")
		}

		restarts++
		if restarts >= s.maxRestarts {
			s.logger.Error("bot failed, no restarts left", "restarts", restarts, "error", err)
			return fmt.Errorf("%w (%d): %v", ErrRestartsExhausted, restarts, err)
		}
		wait := Backoff(restarts)
		s.logger.Error("bot failed, restarting",
			"attempt", restarts, "max_restarts", s.maxRestarts, "backoff", wait, "error", err)
		if s.OnRestart != nil {
			s.OnRestart(restarts, wait, err)
		}
		if err := s.countdown(ctx, wait); err != nil {
			s.logger.Info("shutdown requested during backoff")
			return nil
		}
	}
}

// runOnce builds, runs and tears down one bot. Panics become errors.
func (s *Supervisor) runOnce(ctx context.Context, build BuildFunc) (err error) {
	var bot Runner
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bot panicked", "panic", r, "stack", string(debug.Stack()))
			err = &FatalError{Reason: fmt.Sprintf("panic: %v", r)}
		}
		if bot != nil {
			if cerr := bot.Close(); cerr != nil {
				s.logger.Warn("teardown failed", "error", cerr)
			}
		}
	}()

	bot, err = build(ctx)
	if err != nil {
		return &FatalError{Reason: "building bot", Err: err}
	}
	return bot.Run(ctx)
}

// countdown waits d, logging the remaining time every 10 seconds and
// during the last 5.
func (s *Supervisor) countdown(ctx context.Context, d time.Duration) error {
	for remaining := d; remaining > 0; remaining -= time.Second {
		if remaining%(10*time.Second) == 0 || remaining <= 5*time.Second {
			s.logger.Info("restarting bot", "in", remaining)
		}
		step := time.Second
		if remaining < step {
			step = remaining
		}
		if err := s.sleep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}
