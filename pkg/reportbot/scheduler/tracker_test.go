package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2024, time.March, day, hour, minute, 0, 0, time.UTC)
}

func TestTracker_DrainsWindowInOrder(t *testing.T) {
	grid := Grid{{Time: "08:00", Commands: []string{"report_a", "report_b"}}}
	var tr Tracker

	r := tr.Evaluate(at(4, 8, 2), grid)
	assert.Equal(t, "report_a", r.Command)
	assert.Equal(t, SystemSender, r.Sender)
	assert.Equal(t, []string{"report_a"}, tr.FiredInWindow())

	r = tr.Evaluate(at(4, 8, 3), grid)
	assert.Equal(t, "report_b", r.Command)
	assert.Equal(t, []string{"report_a", "report_b"}, tr.FiredInWindow())

	r = tr.Evaluate(at(4, 8, 4), grid)
	assert.False(t, r.Fired())
	assert.True(t, r.Drained)
	assert.Equal(t, "2024-03-04 08:00", tr.LastFiredWindow())

	r = tr.Evaluate(at(4, 8, 5), grid)
	assert.False(t, r.Fired())
	assert.False(t, r.Drained)
	assert.Empty(t, tr.FiredInWindow())

	for m := 6; m <= 10; m++ {
		assert.False(t, tr.Evaluate(at(4, 8, m), grid).Fired(), "minute %d", m)
	}
	assert.False(t, tr.Evaluate(at(4, 12, 0), grid).Fired())

	r = tr.Evaluate(at(5, 8, 1), grid)
	assert.Equal(t, "report_a", r.Command, "next day is a new window")
}

func TestTracker_ExactlyOncePerWindow(t *testing.T) {
	grid := Grid{
		{Time: "08:00", Commands: []string{"a", "b", "c"}},
		{Time: "13:30", Commands: []string{"d"}},
	}
	var tr Tracker
	counts := map[string]int{}

	start := at(4, 7, 55)
	for i := 0; i < 24*60*6; i++ {
		now := start.Add(time.Duration(i) * 10 * time.Second)
		if r := tr.Evaluate(now, grid); r.Fired() {
			counts[r.Command+"@"+r.Window]++
		}
	}

	require.Len(t, counts, 4)
	for k, n := range counts {
		assert.Equal(t, 1, n, k)
	}
}

func TestTracker_UnfinishedWindowDoesNotLeak(t *testing.T) {
	grid := Grid{{Time: "08:00", Commands: []string{"a", "b"}}}
	var tr Tracker

	require.Equal(t, "a", tr.Evaluate(at(4, 8, 0), grid).Command)
	// Loop stalled past the window end; next day starts clean.
	assert.Equal(t, "a", tr.Evaluate(at(5, 8, 0), grid).Command)
	assert.Equal(t, "b", tr.Evaluate(at(5, 8, 1), grid).Command)
}

func TestTracker_WindowEdges(t *testing.T) {
	grid := Grid{{Time: "23:55", Commands: []string{"late"}}}

	t.Run("before start", func(t *testing.T) {
		var tr Tracker
		assert.False(t, tr.Evaluate(at(4, 23, 54), grid).Fired())
	})
	t.Run("crosses midnight", func(t *testing.T) {
		var tr Tracker
		r := tr.Evaluate(at(5, 0, 4), grid)
		assert.Equal(t, "late", r.Command)
		assert.Equal(t, "2024-03-04 23:55", r.Window)
	})
	t.Run("inclusive end", func(t *testing.T) {
		var tr Tracker
		assert.True(t, tr.Evaluate(at(5, 0, 5), grid).Fired())
	})
	t.Run("after end", func(t *testing.T) {
		var tr Tracker
		assert.False(t, tr.Evaluate(at(5, 0, 6), grid).Fired())
	})
}

func TestTracker_FirstMatchWins(t *testing.T) {
	grid := Grid{
		{Time: "09:05", Commands: []string{"second"}},
		{Time: "09:00", Commands: []string{"first"}},
	}
	var tr Tracker
	assert.Equal(t, "second", tr.Evaluate(at(4, 9, 6), grid).Command)
}

func TestGrid_UnmarshalKeepsOrder(t *testing.T) {
	var doc struct {
		Schedule Grid `yaml:"scheduler_service"`
	}
	src := `{"scheduler_service": {"17:00": ["x"], "08:00": ["a", "b"], "12:00": ["y"]}}`
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))

	require.Len(t, doc.Schedule, 3)
	assert.Equal(t, "17:00", doc.Schedule[0].Time)
	assert.Equal(t, []string{"a", "b"}, doc.Schedule[1].Commands)
	assert.Equal(t, "12:00", doc.Schedule[2].Time)
}

func TestGrid_Validate(t *testing.T) {
	assert.NoError(t, Grid{{Time: "08:00", Commands: []string{"a"}}}.Validate())
	assert.Error(t, Grid{{Time: "8am", Commands: []string{"a"}}}.Validate())
	assert.Error(t, Grid{{Time: "25:00", Commands: []string{"a"}}}.Validate())
	assert.Error(t, Grid{{Time: "08:00"}}.Validate())
	assert.Error(t, Grid{
		{Time: "08:00", Commands: []string{"a"}},
		{Time: "08:00", Commands: []string{"b"}},
	}.Validate())
}

func TestGrid_Upcoming(t *testing.T) {
	grid := Grid{
		{Time: "17:00", Commands: []string{"x"}},
		{Time: "08:00", Commands: []string{"a"}},
	}
	up := grid.Upcoming(at(4, 9, 0))
	require.Len(t, up, 2)
	assert.Equal(t, "17:00", up[0].Entry.Time)
	assert.Equal(t, at(4, 17, 0), up[0].At)
	assert.Equal(t, at(5, 8, 0), up[1].At)
}
