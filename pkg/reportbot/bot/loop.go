// Package bot contains the control loop that watches the group
// conversation, runs scheduled commands and serves one interactive
// session at a time, plus the assembly of a complete bot from config.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
	"github.com/jholhewres/reportbot/pkg/reportbot/config"
	"github.com/jholhewres/reportbot/pkg/reportbot/events"
	"github.com/jholhewres/reportbot/pkg/reportbot/router"
	"github.com/jholhewres/reportbot/pkg/reportbot/scheduler"
	"github.com/jholhewres/reportbot/pkg/reportbot/supervisor"
)

// ConfigSource provides the configuration, re-read every tick.
type ConfigSource interface {
	Current() *config.Config
	Reload() (*config.Config, bool)
}

// Recorder receives loop metrics.
type Recorder interface {
	Tick()
	ObserveCommand(kind, status, origin string, d time.Duration)
	SessionActive(active bool)
}

type nopRecorder struct{}

func (nopRecorder) Tick()                                                {}
func (nopRecorder) ObserveCommand(string, string, string, time.Duration) {}
func (nopRecorder) SessionActive(bool)                                   {}
func (nopRecorder) PollError()                                           {}
func (nopRecorder) ChannelRestart()                                      {}

// LoopOptions wires a Loop.
type LoopOptions struct {
	Driver channels.Driver
	Router *router.Router
	Guard  *supervisor.PollGuard
	Config ConfigSource

	// Configure is called with every newly loaded configuration, after the
	// router and poll guard have been updated.
	Configure func(*config.Config)

	Events   *events.Bus
	Recorder Recorder
	Logger   *slog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Loop is the control loop.
type Loop struct {
	driver    channels.Driver
	router    *router.Router
	guard     *supervisor.PollGuard
	source    ConfigSource
	configure func(*config.Config)
	bus       *events.Bus
	rec       Recorder
	logger    *slog.Logger

	cfg   *config.Config
	runID string
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewLoop creates a loop.
func NewLoop(opts LoopOptions) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.NewBus(nil, "reportbot", opts.Logger)
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Loop{
		driver:    opts.Driver,
		router:    opts.Router,
		guard:     opts.Guard,
		source:    opts.Config,
		configure: opts.Configure,
		bus:       opts.Events,
		rec:       opts.Recorder,
		logger:    opts.Logger.With("component", "loop"),
		cfg:       opts.Config.Current(),
		runID:     uuid.NewString(),
		now:       opts.Clock,
		sleep:     sleepCtx,
	}
}

// Run ticks until ctx is cancelled or a tick returns a fatal error.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("control loop started", "run", l.runID, "driver", l.driver.Name())
	var st State
	for {
		if err := l.Tick(ctx, &st); err != nil {
			return err
		}
		l.rec.Tick()
		if st.Recovered {
			continue
		}
		if err := l.sleep(ctx, l.cfg.TickInterval()); err != nil {
			return err
		}
	}
}

// Tick runs one iteration: reload configuration, evaluate the schedule,
// poll the channel and process the message. Only channel failures that
// exhausted the poll guard, and context cancellation, are returned.
func (l *Loop) Tick(ctx context.Context, st *State) error {
	st.Version++
	now := l.now()
	cfg := l.reload()

	sched := st.Tracker.Evaluate(now, cfg.Schedule)
	if sched.Drained {
		l.logger.Info("scheduled window finished", "window", sched.Window)
		if st.Session.IsScheduler() {
			l.endSession(ctx, st, "schedule finished")
		}
	}

	msg, ok, err := l.guard.Poll(ctx)
	if err != nil {
		return err
	}
	st.Recovered = l.guard.Failures() > 0
	if !st.Baselined && !st.Recovered {
		st.Baselined = true
		if ok && cfg.SkipBacklog {
			l.logger.Debug("skipping backlog message", "text", msg.Text, "timestamp", msg.TimestampLabel)
			st.Previous = msg
			ok = false
		}
	}

	in := incoming{msg: msg, origin: router.OriginHuman}
	switch {
	case sched.Fired():
		l.logger.Info("running scheduled command", "command", sched.Command, "window", sched.Window)
		st.Session.ForceScheduler(now)
		l.rec.SessionActive(true)
		in = incoming{
			msg: channels.InboundMessage{
				Sender:         sched.Sender,
				Text:           sched.Command,
				TimestampLabel: sched.Window,
			},
			origin: router.OriginScheduler,
		}
	case !ok:
		l.expireIdle(ctx, st, cfg, now)
		return nil
	}

	l.process(ctx, st, cfg, now, in)
	return nil
}

type incoming struct {
	msg    channels.InboundMessage
	origin router.Origin
}

// process handles one message. Panics and command failures are reported
// in the conversation and never escape.
func (l *Loop) process(ctx context.Context, st *State, cfg *config.Config, now time.Time, in incoming) {
	text := router.Normalize(in.msg.Text)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick panicked", "text", text, "sender", in.msg.Sender, "panic", r)
			l.reportFailure(ctx, st, cfg, in, text, fmt.Errorf("panic: %v", r))
		}
	}()

	if in.origin == router.OriginHuman {
		if l.expireIdle(ctx, st, cfg, now) {
			return
		}
		if in.msg.SameAs(st.Previous) {
			return
		}
		st.Previous = in.msg
		if in.msg.Sender == "" {
			in.msg.Sender = st.LastSender
		} else {
			st.LastSender = in.msg.Sender
		}
		l.logger.Debug("new message", "sender", in.msg.Sender, "text", text, "timestamp", in.msg.TimestampLabel)
	}

	if st.Session.Active() {
		l.handleSession(ctx, st, cfg, now, in, text)
		return
	}

	if cfg.ActivationPhrase != "" && strings.Contains(text, cfg.ActivationPhrase) {
		st.Session.Activate(in.msg.Sender, now)
		l.rec.SessionActive(true)
		l.logger.Info("session activated", "caller", in.msg.Sender)
		l.bus.Emit(ctx, events.KeySessionActivated, l.runID, events.SessionEvent{Caller: in.msg.Sender})
		l.say(ctx, cfg.Message("activation", map[string]string{"user": in.msg.Sender}))
	}
}

func (l *Loop) handleSession(ctx context.Context, st *State, cfg *config.Config, now time.Time, in incoming, text string) {
	caller := st.Session.Caller()
	if in.origin == router.OriginHuman && in.msg.Sender != caller && l.router.LooksLikeCommand(text) {
		l.logger.Info("message from another sender during session",
			"sender", in.msg.Sender, "caller", caller, "text", text)
		l.say(ctx, cfg.Message("wait", map[string]string{"user": caller}))
		return
	}

	st.Session.Touch(now)
	m := l.router.Classify(text)

	switch m.Kind {
	case router.KindAffirmative:
		l.say(ctx, cfg.Message("ask_help", nil))
	case router.KindHelp:
		if len(cfg.HelpText) > 0 {
			l.send(ctx, cfg.HelpText, true)
		}
	case router.KindNegative:
		l.logger.Info("session ended by caller", "caller", caller)
		l.endSession(ctx, st, "ended by caller")
		l.say(ctx, cfg.Message("session_end", nil))
	case router.KindActivation:
		l.say(ctx, cfg.Message("activation", map[string]string{"user": caller}))
	case router.KindUnknown:
		l.logger.Warn("unknown command", "text", text, "sender", in.msg.Sender)
		l.say(ctx, cfg.Message("unknown", nil))
	default:
		l.dispatch(ctx, st, cfg, in, m)
	}
}

func (l *Loop) dispatch(ctx context.Context, st *State, cfg *config.Config, in incoming, m router.Match) {
	start := l.now()
	l.logger.Info("processing command", "command", m.Key, "kind", m.Kind, "sender", in.msg.Sender)

	res, err := l.router.Handle(ctx, m, in.origin)
	elapsed := l.now().Sub(start)

	status := res.Status.String()
	ev := events.CommandEvent{
		Command:  m.Key,
		Kind:     string(m.Kind),
		Origin:   in.origin.String(),
		Caller:   st.Session.Caller(),
		Duration: elapsed.Seconds(),
	}
	if err != nil {
		status = "error"
		ev.Error = err.Error()
	}
	ev.Status = status
	l.rec.ObserveCommand(string(m.Kind), status, in.origin.String(), elapsed)
	l.bus.Emit(ctx, events.KeyCommandDispatched, l.runID, ev)

	if err != nil {
		l.reportFailure(ctx, st, cfg, in, m.Text, err)
		return
	}
	st.Session.Touch(l.now())
	l.logger.Info("command processed", "command", m.Key, "status", status, "duration", elapsed)
}

// reportFailure tells the conversation a command failed.
func (l *Loop) reportFailure(ctx context.Context, st *State, cfg *config.Config, in incoming, text string, err error) {
	l.logger.Error("failed to process command", "command", text, "sender", in.msg.Sender, "error", err)
	l.say(ctx, cfg.Message("failed", map[string]string{"command": text}))
	if in.origin == router.OriginHuman {
		l.say(ctx, cfg.Message("confirmation", nil))
	}
	st.Session.Touch(l.now())
}

// expireIdle closes an idle session and notifies its caller once.
func (l *Loop) expireIdle(ctx context.Context, st *State, cfg *config.Config, now time.Time) bool {
	if !st.Session.IdleExpired(now, cfg.SessionIdle()) {
		return false
	}
	caller := st.Session.Caller()
	l.logger.Warn("session timeout", "caller", caller)
	if caller != scheduler.SystemSender {
		l.say(ctx, cfg.Message("no_response", map[string]string{"user": caller}))
	}
	l.endSession(ctx, st, "timeout")
	return true
}

func (l *Loop) endSession(ctx context.Context, st *State, reason string) {
	caller := st.Session.Caller()
	st.Session.Deactivate()
	l.rec.SessionActive(false)
	l.bus.Emit(ctx, events.KeySessionEnded, l.runID, events.SessionEvent{Caller: caller, Reason: reason})
}

// reload applies a changed configuration.
func (l *Loop) reload() *config.Config {
	cfg, changed := l.source.Reload()
	if !changed || cfg == nil {
		return l.cfg
	}
	l.cfg = cfg
	l.guard.Configure(cfg.MaxConsecutiveErrors, cfg.RestartCooldown())
	if l.configure != nil {
		l.configure(cfg)
	}
	return cfg
}

func (l *Loop) say(ctx context.Context, line string) {
	l.send(ctx, []string{line}, false)
}

// send is best effort; delivery failures are logged.
func (l *Loop) send(ctx context.Context, lines []string, multiline bool) {
	if err := l.driver.SendText(ctx, lines, multiline); err != nil {
		l.logger.Warn("failed to send message", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
