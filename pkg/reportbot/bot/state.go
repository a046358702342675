package bot

import (
	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
	"github.com/jholhewres/reportbot/pkg/reportbot/scheduler"
	"github.com/jholhewres/reportbot/pkg/reportbot/session"
)

// State is everything the control loop carries from one tick to the next.
// It is owned by the loop and passed to Tick by pointer; nothing else
// mutates it.
type State struct {
	// Version counts ticks applied to this state.
	Version uint64

	Session session.State
	Tracker scheduler.Tracker

	// Previous is the last polled channel message, used to skip messages
	// already handled. Scheduler messages never replace it.
	Previous channels.InboundMessage

	// LastSender is the last known sender, used for messages the channel
	// could not attribute.
	LastSender string

	// Baselined is set once the first poll has been seen.
	Baselined bool

	// Recovered is set when the last tick absorbed a poll failure by
	// restarting the channel. The guard already waited its cooldown, so
	// the next tick runs without the tick delay.
	Recovered bool
}
