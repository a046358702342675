package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels/channelstest"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestPollGuard_Escalation(t *testing.T) {
	const threshold = 5
	ctx := context.Background()
	d := &channelstest.Driver{}
	for i := 0; i < threshold; i++ {
		d.FailPoll(errors.New("element not found"))
	}

	g := NewPollGuard(d, threshold, 5*time.Second, nil)
	var slept []time.Duration
	g.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	for i := 1; i < threshold; i++ {
		_, ok, err := g.Poll(ctx)
		require.NoError(t, err, "failure %d must not escalate", i)
		assert.False(t, ok)
		assert.Equal(t, i, d.Restarts(), "each failure restarts the driver once")
	}
	assert.Len(t, slept, threshold-1)
	assert.Equal(t, 5*time.Second, slept[0])

	_, _, err := g.Poll(ctx)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, threshold-1, d.Restarts(), "the escalating failure does not restart")
	assert.Equal(t, threshold-1, d.HealthChecks(), "health is checked before every restart")
}

func TestPollGuard_ResetOnSuccess(t *testing.T) {
	ctx := context.Background()
	d := &channelstest.Driver{}
	d.FailPoll(errors.New("stale element"))
	d.FailPoll(errors.New("stale element"))
	d.Receive("Alice", "help", "10:00")

	g := NewPollGuard(d, 3, 0, nil)
	g.sleep = noSleep

	for i := 0; i < 2; i++ {
		_, _, err := g.Poll(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, g.Failures())

	msg, ok, err := g.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "help", msg.Text)
	assert.Zero(t, g.Failures())
}

func TestPollGuard_NoMessage(t *testing.T) {
	d := &channelstest.Driver{}
	g := NewPollGuard(d, 1, 0, nil)
	_, ok, err := g.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, d.HealthChecks())
}

func TestPollGuard_RestartFailure(t *testing.T) {
	d := &channelstest.Driver{Fail: map[string]error{"RestartSession": errors.New("chrome not found")}}
	d.FailPoll(channels.ErrChannelDisconnected)

	g := NewPollGuard(d, 5, 0, nil)
	g.sleep = noSleep
	var restarted int
	g.OnRestart = func(int, error) { restarted++ }

	_, _, err := g.Poll(context.Background())
	assert.True(t, IsFatal(err))
	assert.ErrorContains(t, err, "chrome not found")
	assert.Equal(t, 1, restarted)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(1))
	assert.Equal(t, 25*time.Second, Backoff(5))
	assert.Equal(t, 30*time.Second, Backoff(6))
	assert.Equal(t, 30*time.Second, Backoff(9))
}

type fakeRunner struct {
	run    func(ctx context.Context) error
	closed *int
}

func (r fakeRunner) Run(ctx context.Context) error { return r.run(ctx) }
func (r fakeRunner) Close() error {
	*r.closed++
	return nil
}

func TestSupervisor_RestartsExhausted(t *testing.T) {
	s := New(3, nil)
	var slept time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}
	var attempts []int
	s.OnRestart = func(attempt int, wait time.Duration, cause error) { attempts = append(attempts, attempt) }

	builds, closed := 0, 0
	err := s.Run(context.Background(), func(ctx context.Context) (Runner, error) {
		builds++
		return fakeRunner{closed: &closed, run: func(context.Context) error {
			return &FatalError{Reason: "5 consecutive poll failures"}
		}}, nil
	})

	require.ErrorIs(t, err, ErrRestartsExhausted)
	assert.Equal(t, 3, builds, "the third failure spends the budget")
	assert.Equal(t, 3, closed, "every run is torn down")
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 15*time.Second, slept, "5s + 10s")
}

func TestSupervisor_DefaultBudget(t *testing.T) {
	s := New(5, nil)
	var waits []time.Duration
	s.sleep = noSleep
	s.OnRestart = func(_ int, wait time.Duration, _ error) { waits = append(waits, wait) }

	builds := 0
	err := s.Run(context.Background(), func(ctx context.Context) (Runner, error) {
		builds++
		return nil, errors.New("chrome failed to start")
	})

	require.ErrorIs(t, err, ErrRestartsExhausted)
	assert.Equal(t, 5, builds)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second}, waits)
}

func TestSupervisor_BuildFailureAndPanic(t *testing.T) {
	s := New(5, nil)
	s.sleep = noSleep
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builds, closed := 0, 0
	err := s.Run(ctx, func(ctx context.Context) (Runner, error) {
		builds++
		switch builds {
		case 1:
			return nil, errors.New("chrome failed to start")
		case 2:
			return fakeRunner{closed: &closed, run: func(context.Context) error { panic("nil map") }}, nil
		}
		return fakeRunner{closed: &closed, run: func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}}, nil
	})

	require.NoError(t, err, "operator interruption exits cleanly")
	assert.Equal(t, 3, builds)
	assert.Equal(t, 2, closed)
}

func TestSupervisor_InterruptDuringBackoff(t *testing.T) {
	s := New(5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	builds := 0
	err := s.Run(ctx, func(ctx context.Context) (Runner, error) {
		builds++
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, builds)
}
