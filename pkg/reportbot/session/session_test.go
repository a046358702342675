package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jholhewres/reportbot/pkg/reportbot/scheduler"
)

var t0 = time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

func TestActivate(t *testing.T) {
	var s State
	assert.False(t, s.Active())
	assert.Empty(t, s.Caller())

	assert.True(t, s.Activate("alice", t0))
	assert.Equal(t, "alice", s.Caller())
	assert.Equal(t, t0, s.LastActivity())

	assert.False(t, s.Activate("bob", t0.Add(time.Second)), "other caller must wait")
	assert.Equal(t, "alice", s.Caller())
	assert.Equal(t, t0, s.LastActivity())

	assert.True(t, s.Activate("alice", t0.Add(2*time.Second)))
	assert.Equal(t, t0.Add(2*time.Second), s.LastActivity())
}

func TestIdleTimeout(t *testing.T) {
	var s State
	s.Activate("alice", t0)

	assert.False(t, s.IdleExpired(t0.Add(60*time.Second), time.Minute), "boundary is not expired")
	assert.True(t, s.IdleExpired(t0.Add(61*time.Second), time.Minute))

	s.Touch(t0.Add(30 * time.Second))
	assert.False(t, s.IdleExpired(t0.Add(61*time.Second), time.Minute))

	caller, expired := s.ExpireIfIdle(t0.Add(5*time.Minute), time.Minute)
	assert.True(t, expired)
	assert.Equal(t, "alice", caller)
	assert.False(t, s.Active())
	assert.Empty(t, s.Caller())
	assert.True(t, s.LastActivity().IsZero())

	_, expired = s.ExpireIfIdle(t0.Add(10*time.Minute), time.Minute)
	assert.False(t, expired, "inactive session never expires twice")
}

func TestForceScheduler(t *testing.T) {
	var s State
	s.Activate("alice", t0)
	s.ForceScheduler(t0.Add(time.Minute))

	assert.True(t, s.IsScheduler())
	assert.Equal(t, scheduler.SystemSender, s.Caller())
	assert.Equal(t, t0.Add(time.Minute), s.LastActivity())

	s.Deactivate()
	assert.False(t, s.IsScheduler())
}

func TestTouchInactiveIsNoop(t *testing.T) {
	var s State
	s.Touch(t0)
	assert.True(t, s.LastActivity().IsZero())
}
