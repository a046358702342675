// Package session tracks the single interactive session the bot serves.
package session

import (
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/scheduler"
)

// State is the interactive session. Caller and LastActivity are only
// meaningful while Active is true. The zero value is an inactive session.
type State struct {
	active       bool
	caller       string
	lastActivity time.Time
}

// Active reports whether a session is open.
func (s *State) Active() bool { return s.active }

// Caller returns the sender the session is bound to, or "" when inactive.
func (s *State) Caller() string { return s.caller }

// LastActivity returns the time of the last handled command.
func (s *State) LastActivity() time.Time { return s.lastActivity }

// IsScheduler reports whether the session was opened by the scheduler.
func (s *State) IsScheduler() bool {
	return s.active && s.caller == scheduler.SystemSender
}

// Activate opens a session for caller. It is a no-op returning false when a
// session for a different caller is already open.
func (s *State) Activate(caller string, now time.Time) bool {
	if s.active && s.caller != caller {
		return false
	}
	s.active = true
	s.caller = caller
	s.lastActivity = now
	return true
}

// ForceScheduler binds the session to the scheduler regardless of who held it.
func (s *State) ForceScheduler(now time.Time) {
	s.active = true
	s.caller = scheduler.SystemSender
	s.lastActivity = now
}

// Touch refreshes the idle timer of an open session.
func (s *State) Touch(now time.Time) {
	if s.active {
		s.lastActivity = now
	}
}

// IdleExpired reports whether the open session has been idle longer than
// timeout. It does not change state: the caller notifies the channel first
// and then calls Deactivate.
func (s *State) IdleExpired(now time.Time, timeout time.Duration) bool {
	return s.active && now.Sub(s.lastActivity) > timeout
}

// ExpireIfIdle deactivates the session when IdleExpired and reports it.
// The returned caller is the one that was dropped.
func (s *State) ExpireIfIdle(now time.Time, timeout time.Duration) (string, bool) {
	if !s.IdleExpired(now, timeout) {
		return "", false
	}
	caller := s.caller
	s.Deactivate()
	return caller, true
}

// Deactivate closes the session.
func (s *State) Deactivate() {
	s.active = false
	s.caller = ""
	s.lastActivity = time.Time{}
}
