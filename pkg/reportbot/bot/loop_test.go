package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels/channelstest"
	"github.com/jholhewres/reportbot/pkg/reportbot/config"
	"github.com/jholhewres/reportbot/pkg/reportbot/router"
	"github.com/jholhewres/reportbot/pkg/reportbot/scheduler"
	"github.com/jholhewres/reportbot/pkg/reportbot/supervisor"
)

type fakeSQL struct {
	lines   map[string][]string
	err     error
	panicOn string
	calls   []string
}

func (f *fakeSQL) Run(ctx context.Context, cmd config.SQLCommand, args []string) ([]string, error) {
	f.calls = append(f.calls, cmd.SQLFile)
	if cmd.SQLFile == f.panicOn {
		panic("driver exploded")
	}
	return f.lines[cmd.SQLFile], f.err
}

type staticSource struct {
	cfg  *config.Config
	next *config.Config
}

func (s *staticSource) Current() *config.Config { return s.cfg }

func (s *staticSource) Reload() (*config.Config, bool) {
	if s.next == nil {
		return s.cfg, false
	}
	s.cfg, s.next = s.next, nil
	return s.cfg, true
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) Set(hour, minute int)    { c.t = time.Date(2024, 3, 4, hour, minute, 0, 0, time.Local) }

type commandRecord struct {
	kind, status, origin string
}

type recordingRecorder struct {
	commands []commandRecord
	active   []bool
}

func (r *recordingRecorder) Tick() {}
func (r *recordingRecorder) ObserveCommand(kind, status, origin string, d time.Duration) {
	r.commands = append(r.commands, commandRecord{kind, status, origin})
}
func (r *recordingRecorder) SessionActive(active bool) { r.active = append(r.active, active) }

type harness struct {
	loop       *Loop
	driver     *channelstest.Driver
	sql        *fakeSQL
	clock      *fakeClock
	source     *staticSource
	rec        *recordingRecorder
	configured int
	st         State
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SkipBacklog = false
	cfg.AffirmativeKeywords = []string{"yes"}
	cfg.NegativeKeywords = []string{"no"}
	cfg.HelpText = []string{"Commands:", "sales - daily sales", "store <id> <day>"}
	cfg.SQL = map[string]config.SQLCommand{
		"sales":  {SQLFile: "sales.sql"},
		"uptime": {SQLFile: "uptime.sql"},
		"store":  {SQLFile: "store.sql", Params: []string{"store", "day"}},
		"boom":   {SQLFile: "boom.sql"},
	}
	cfg.MaxConsecutiveErrors = 3
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		driver: &channelstest.Driver{Healthy: true},
		sql: &fakeSQL{
			lines:   map[string][]string{"sales.sql": {"Sales: 10"}, "uptime.sql": {"Uptime: 99%"}},
			panicOn: "boom.sql",
		},
		clock:  &fakeClock{},
		source: &staticSource{cfg: cfg},
		rec:    &recordingRecorder{},
	}
	h.clock.Set(10, 0)

	r := router.New(cfg, h.driver, h.sql, nil, nil)
	guard := supervisor.NewPollGuard(h.driver, cfg.MaxConsecutiveErrors, 0, nil)
	h.loop = NewLoop(LoopOptions{
		Driver: h.driver,
		Router: r,
		Guard:  guard,
		Config: h.source,
		Configure: func(c *config.Config) {
			r.Update(c, nil)
			h.configured++
		},
		Recorder: h.rec,
		Clock:    h.clock.Now,
	})
	h.loop.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.loop.Tick(context.Background(), &h.st))
}

func (h *harness) activate(t *testing.T, sender string) {
	t.Helper()
	h.driver.Receive(sender, "Bot mio", h.clock.Now().Format("15:04:05"))
	h.tick(t)
	require.True(t, h.st.Session.Active())
	h.driver.ResetSent()
}

func TestLoop_ActivationAndHelp(t *testing.T) {
	h := newHarness(t, testConfig())

	h.driver.Receive("Ana", "Hi bot mio!", "10:00")
	h.tick(t)

	assert.True(t, h.st.Session.Active())
	assert.Equal(t, "Ana", h.st.Session.Caller())
	assert.Equal(t, []string{"Hello Ana, what can I do for you? Type help to see the commands."}, h.driver.SentTexts())

	h.driver.ResetSent()
	h.clock.Advance(5 * time.Second)
	h.driver.Receive("Ana", "HELP", "10:01")
	h.tick(t)

	sent := h.driver.Sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Multiline)
	assert.Equal(t, []string{"Commands:", "sales - daily sales", "store <id> <day>"}, sent[0].Lines)
}

func TestLoop_IgnoresChatterWithoutSession(t *testing.T) {
	h := newHarness(t, testConfig())

	h.driver.Receive("Ana", "sales", "10:00")
	h.tick(t)

	assert.False(t, h.st.Session.Active())
	assert.Empty(t, h.driver.Sent())
	assert.Empty(t, h.sql.calls)
}

func TestLoop_DispatchesOncePerMessage(t *testing.T) {
	h := newHarness(t, testConfig())
	h.activate(t, "Ana")

	h.driver.Receive("Ana", "Sales", "10:01")
	h.tick(t)
	h.tick(t)
	h.tick(t)

	assert.Equal(t, []string{"sales.sql"}, h.sql.calls)
	assert.Equal(t, []string{
		"Processing sales, please wait...",
		"Sales: 10",
		"Is there anything else I can help with? Reply yes or no.",
	}, h.driver.SentTexts())
	require.Len(t, h.rec.commands, 1)
	assert.Equal(t, commandRecord{"sql", "ok", "human"}, h.rec.commands[0])
}

func TestLoop_SameTextNewTimestampRunsAgain(t *testing.T) {
	h := newHarness(t, testConfig())
	h.activate(t, "Ana")

	h.driver.Receive("Ana", "sales", "10:01")
	h.tick(t)
	h.driver.Receive("Ana", "sales", "10:02")
	h.tick(t)

	assert.Len(t, h.sql.calls, 2)
}

func TestLoop_UnattributedMessageUsesLastSender(t *testing.T) {
	h := newHarness(t, testConfig())
	h.activate(t, "Ana")

	h.driver.Receive("", "sales", "10:01")
	h.tick(t)

	assert.Equal(t, []string{"sales.sql"}, h.sql.calls)
	assert.Equal(t, "Ana", h.st.LastSender)
}

func TestLoop_OtherSenderIsAskedToWait(t *testing.T) {
	h := newHarness(t, testConfig())
	h.activate(t, "Ana")

	h.driver.Receive("Bob", "sales", "10:01")
	h.tick(t)

	assert.Empty(t, h.sql.calls)
	assert.Equal(t, "Ana", h.st.Session.Caller())
	assert.Equal(t, []string{"Please wait, the bot is currently serving Ana."}, h.driver.SentTexts())
}

func TestLoop_SessionCommands(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		active bool
	}{
		{name: "affirmative", text: "yes", want: "Please type a command, or help to see the list.", active: true},
		{name: "unknown", text: "what's up", want: "Sorry, I don't know that command. Type help to see the list.", active: true},
		{name: "activation again", text: "bot mio", want: "Hello Ana, what can I do for you? Type help to see the commands.", active: true},
		{name: "negative", text: "No", want: "Session ended. Thank you!", active: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.activate(t, "Ana")

			h.driver.Receive("Ana", tt.text, "10:01")
			h.tick(t)

			assert.Equal(t, []string{tt.want}, h.driver.SentTexts())
			assert.Equal(t, tt.active, h.st.Session.Active())
		})
	}
}

func TestLoop_InvalidArgs(t *testing.T) {
	h := newHarness(t, testConfig())
	h.activate(t, "Ana")

	h.driver.Receive("Ana", "store 12", "10:01")
	h.tick(t)

	assert.Empty(t, h.sql.calls)
	assert.Equal(t, []string{
		"Processing store 12, please wait...",
		"Sorry, command store needs 2 parameter(s), but you gave 1.",
		"Is there anything else I can help with? Reply yes or no.",
	}, h.driver.SentTexts())
}

func TestLoop_IdleTimeoutNotifiesOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.activate(t, "Ana")

	h.clock.Advance(30 * time.Second)
	h.tick(t)
	assert.True(t, h.st.Session.Active())

	h.clock.Advance(31 * time.Second)
	h.tick(t)
	h.clock.Advance(10 * time.Second)
	h.tick(t)
	h.tick(t)

	assert.False(t, h.st.Session.Active())
	assert.Equal(t, []string{"No response from Ana, the session has been closed."}, h.driver.SentTexts())
}

func TestLoop_IdleTimeoutWithoutMessages(t *testing.T) {
	h := newHarness(t, testConfig())
	h.st.Session.Activate("Ana", h.clock.Now())

	h.clock.Advance(2 * time.Minute)
	h.tick(t)

	assert.False(t, h.st.Session.Active())
	assert.Equal(t, []string{"No response from Ana, the session has been closed."}, h.driver.SentTexts())
}

func TestLoop_CommandFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.activate(t, "Ana")
	h.sql.err = errors.New("login failed for user")

	h.driver.Receive("Ana", "sales", "10:01")
	h.tick(t)

	assert.True(t, h.st.Session.Active())
	assert.Equal(t, []string{
		"Processing sales, please wait...",
		"Failed to process command 'sales'. Please try again later.",
		"Is there anything else I can help with? Reply yes or no.",
	}, h.driver.SentTexts())
	require.Len(t, h.rec.commands, 1)
	assert.Equal(t, "error", h.rec.commands[0].status)
}

func TestLoop_RecoversFromPanic(t *testing.T) {
	h := newHarness(t, testConfig())
	h.activate(t, "Ana")

	h.driver.Receive("Ana", "boom", "10:01")
	h.tick(t)

	assert.Equal(t, []string{
		"Processing boom, please wait...",
		"Failed to process command 'boom'. Please try again later.",
		"Is there anything else I can help with? Reply yes or no.",
	}, h.driver.SentTexts())
	assert.True(t, h.st.Session.Active())
}

func TestLoop_ScheduledWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = scheduler.Grid{{Time: "08:00", Commands: []string{"sales", "uptime"}}}
	h := newHarness(t, cfg)

	h.clock.Set(8, 2)
	h.tick(t)
	assert.True(t, h.st.Session.IsScheduler())

	h.clock.Set(8, 3)
	h.tick(t)
	assert.True(t, h.st.Session.IsScheduler())

	h.clock.Set(8, 4)
	h.tick(t)
	assert.False(t, h.st.Session.Active())

	h.clock.Set(8, 5)
	h.tick(t)

	assert.Equal(t, []string{"sales.sql", "uptime.sql"}, h.sql.calls)
	assert.Equal(t, []string{"Sales: 10", "Uptime: 99%"}, h.driver.SentTexts())
	require.Len(t, h.rec.commands, 2)
	assert.Equal(t, "scheduler", h.rec.commands[0].origin)
}

func TestLoop_ScheduledCommandPreemptsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = scheduler.Grid{{Time: "08:00", Commands: []string{"sales"}}}
	h := newHarness(t, cfg)
	h.clock.Set(7, 59)
	h.activate(t, "Ana")

	h.clock.Set(8, 0)
	h.clock.Advance(30 * time.Second)
	h.tick(t)

	assert.True(t, h.st.Session.IsScheduler())
	assert.Equal(t, []string{"sales.sql"}, h.sql.calls)

	// The human message already seen is not replayed by the synthetic one.
	h.clock.Set(8, 1)
	h.tick(t)
	assert.False(t, h.st.Session.Active())
	assert.Len(t, h.sql.calls, 1)
}

func TestLoop_ScheduledSessionIdlesOutSilently(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.st.Session.ForceScheduler(h.clock.Now())

	h.clock.Advance(2 * time.Minute)
	h.tick(t)

	assert.False(t, h.st.Session.Active())
	assert.Empty(t, h.driver.Sent())
}

func TestLoop_SkipBacklog(t *testing.T) {
	cfg := testConfig()
	cfg.SkipBacklog = true
	h := newHarness(t, cfg)

	h.driver.Receive("Ana", "bot mio", "09:58")
	h.tick(t)
	h.tick(t)
	assert.False(t, h.st.Session.Active())
	assert.Empty(t, h.driver.Sent())

	h.driver.Receive("Ana", "bot mio", "10:00")
	h.tick(t)
	assert.True(t, h.st.Session.Active())
}

func TestLoop_PollFailuresEscalate(t *testing.T) {
	h := newHarness(t, testConfig())
	for i := 0; i < 3; i++ {
		h.driver.FailPoll(errors.New("stale element"))
	}

	h.tick(t)
	h.tick(t)
	err := h.loop.Tick(context.Background(), &h.st)

	require.Error(t, err)
	assert.True(t, supervisor.IsFatal(err))
	assert.Equal(t, 2, h.driver.Restarts())
}

func TestLoop_ReloadsConfiguration(t *testing.T) {
	h := newHarness(t, testConfig())

	next := testConfig()
	next.ActivationPhrase = "hey reporter"
	h.source.next = next

	h.driver.Receive("Ana", "bot mio", "10:00")
	h.tick(t)
	assert.False(t, h.st.Session.Active())
	assert.Equal(t, 1, h.configured)

	h.driver.Receive("Ana", "hey reporter", "10:01")
	h.tick(t)
	assert.True(t, h.st.Session.Active())
	assert.Equal(t, 1, h.configured)
	assert.Equal(t, uint64(2), h.st.Version)
}

func TestLoop_RunStopsOnFatalError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 1
	h := newHarness(t, cfg)
	h.driver.FailPoll(errors.New("browser gone"))

	err := h.loop.Run(context.Background())

	assert.True(t, supervisor.IsFatal(err))
}

func TestLoop_RunSkipsTickDelayAfterRecovery(t *testing.T) {
	h := newHarness(t, testConfig())
	h.driver.FailPoll(errors.New("stale element"))
	h.driver.FailPoll(errors.New("stale element"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := 0
	h.loop.sleep = func(ctx context.Context, _ time.Duration) error {
		sleeps++
		cancel()
		return ctx.Err()
	}

	err := h.loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, h.driver.Restarts())
	assert.Equal(t, 1, sleeps, "only the healthy tick waits")
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}
