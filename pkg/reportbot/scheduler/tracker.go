package scheduler

import (
	"slices"
	"time"
)

// SystemSender is the sender attributed to scheduler-originated messages.
const SystemSender = "system_scheduler"

// windowKeyLayout qualifies a window with its calendar date so the same time
// of day on the next day is a different window.
const windowKeyLayout = "2006-01-02 15:04"

// Result is the outcome of one scheduler evaluation.
type Result struct {
	// Command is the command to run this tick, empty when nothing fires.
	Command string

	// Sender is SystemSender when Command is set.
	Sender string

	// Window identifies the window that matched, if any.
	Window string

	// Drained is set on the single evaluation that found the window's
	// commands all fired.
	Drained bool
}

// Fired reports whether the evaluation produced a command.
func (r Result) Fired() bool { return r.Command != "" }

// Tracker records which scheduled commands fired in the current window.
// The zero value is ready to use.
type Tracker struct {
	lastFiredWindow string
	window          string
	fired           map[string]bool
}

// Evaluate decides whether a scheduled command is due at now. At most one
// command is returned per call; later calls inside the same window drain the
// rest in configuration order.
func (t *Tracker) Evaluate(now time.Time, grid Grid) Result {
	for _, entry := range grid {
		start, ok := entry.windowStart(now)
		if !ok || now.After(start.Add(WindowLength)) {
			continue
		}
		return t.evaluateWindow(start.Format(windowKeyLayout), entry)
	}
	return Result{}
}

func (t *Tracker) evaluateWindow(key string, entry Entry) Result {
	if key != t.window {
		// Entering a new window: anything left over belongs to a window that
		// was never fully observed.
		t.window = key
		t.fired = nil
	}

	if key == t.lastFiredWindow {
		t.fired = nil
		return Result{Window: key}
	}

	for _, cmd := range entry.Commands {
		if t.fired[cmd] {
			continue
		}
		if t.fired == nil {
			t.fired = make(map[string]bool)
		}
		t.fired[cmd] = true
		return Result{Command: cmd, Sender: SystemSender, Window: key}
	}

	t.lastFiredWindow = key
	return Result{Window: key, Drained: true}
}

// LastFiredWindow returns the key of the most recently drained window.
func (t *Tracker) LastFiredWindow() string { return t.lastFiredWindow }

// FiredInWindow lists the commands fired in the current window, sorted.
func (t *Tracker) FiredInWindow() []string {
	out := make([]string, 0, len(t.fired))
	for cmd := range t.fired {
		out = append(out, cmd)
	}
	slices.Sort(out)
	return out
}
