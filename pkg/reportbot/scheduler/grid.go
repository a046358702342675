// Package scheduler holds the fixed daily schedule grid and the tracker that
// fires each scheduled command exactly once per window.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// WindowLength is how long after its start time a schedule entry stays eligible.
const WindowLength = 10 * time.Minute

// Entry is one row of the daily grid: a time of day and the commands due then.
type Entry struct {
	Time     string
	Commands []string
}

// Grid is the daily schedule in configuration order. First match wins, so
// order is significant.
type Grid []Entry

// UnmarshalYAML decodes a {"HH:MM": [commands...]} mapping keeping key order.
func (g *Grid) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("scheduler_service: expected mapping, got %s", kindName(node.Kind))
	}
	grid := make(Grid, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var cmds []string
		if err := node.Content[i+1].Decode(&cmds); err != nil {
			return fmt.Errorf("scheduler_service[%s]: %w", node.Content[i].Value, err)
		}
		grid = append(grid, Entry{Time: strings.TrimSpace(node.Content[i].Value), Commands: cmds})
	}
	*g = grid
	return nil
}

// MarshalYAML writes the grid back as an ordered mapping.
func (g Grid) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range g {
		var val yaml.Node
		if err := val.Encode(e.Commands); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Time}, &val)
	}
	return node, nil
}

// Validate checks every time is a valid HH:MM, keys are unique and no
// entry is empty.
func (g Grid) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(g))
	for _, e := range g {
		if seen[e.Time] {
			errs = append(errs, fmt.Errorf("schedule %q: duplicate time", e.Time))
			continue
		}
		seen[e.Time] = true
		if _, err := e.schedule(); err != nil {
			errs = append(errs, err)
		}
		if len(e.Commands) == 0 {
			errs = append(errs, fmt.Errorf("schedule %q: no commands", e.Time))
		}
	}
	return errors.Join(errs...)
}

// Upcoming is the next occurrence of a schedule entry.
type Upcoming struct {
	Entry Entry
	At    time.Time
}

// Upcoming lists the next occurrence of every valid entry after now, soonest first.
func (g Grid) Upcoming(now time.Time) []Upcoming {
	out := make([]Upcoming, 0, len(g))
	for _, e := range g {
		sched, err := e.schedule()
		if err != nil {
			continue
		}
		out = append(out, Upcoming{Entry: e, At: sched.Next(now)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// clock parses the entry time into hour and minute.
func (e Entry) clock() (int, int, error) {
	t, err := time.Parse("15:04", e.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule %q: expected HH:MM", e.Time)
	}
	return t.Hour(), t.Minute(), nil
}

// schedule converts the entry into a daily cron schedule.
func (e Entry) schedule() (cron.Schedule, error) {
	h, m, err := e.clock()
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", e.Time, err)
	}
	return sched, nil
}

// windowStart returns the most recent start of the entry's window at or
// before now, so windows that cross midnight still match.
func (e Entry) windowStart(now time.Time) (time.Time, bool) {
	h, m, err := e.clock()
	if err != nil {
		return time.Time{}, false
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start, true
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	}
	return "unknown"
}
