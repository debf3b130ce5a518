package schedule

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deviceagent/internal/clock"
	"deviceagent/pkg/plugin"
)

type firedEvent struct {
	name string
	data map[string]any
}

type eventCollector struct {
	mu     sync.Mutex
	events []firedEvent
}

func (c *eventCollector) emit(name string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, firedEvent{name: name, data: data})
}

func (c *eventCollector) all() []firedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]firedEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newTestScheduler(t *testing.T, clk clock.Clock, settings map[string]any) (*Scheduler, *eventCollector) {
	t.Helper()
	ctx := plugin.NewContext(zap.NewNop(), settings, t.TempDir(), clk)
	s := NewScheduler(ctx)
	require.NoError(t, s.Initialize())

	collector := &eventCollector{}
	require.NoError(t, s.Start(collector.emit))
	t.Cleanup(func() { s.Stop() })
	return s, collector
}

func sunSettings(name, at string, offsetMinutes int) map[string]any {
	return map[string]any{
		"entries": []any{
			map[string]any{
				"name":           name,
				"at":             at,
				"offset_minutes": offsetMinutes,
				"latitude":       0.0,
				"longitude":      0.0,
			},
		},
	}
}

func TestSchedulerSunriseChain(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	_, collector := newTestScheduler(t, clk, sunSettings("dawn", "sunrise", 0))

	// One armed timer for the entry's next sunrise.
	require.Equal(t, 1, clk.Pending())
	assert.Empty(t, collector.all())

	// Crossing the first sunrise fires once and re-arms for tomorrow.
	clk.Advance(24 * time.Hour)
	events := collector.all()
	require.Len(t, events, 1)
	assert.Equal(t, eventFired, events[0].name)
	assert.Equal(t, "dawn", events[0].data["schedule_name"])
	assert.Equal(t, "sunrise", events[0].data["spec"])
	assert.Equal(t, clk.Now().UTC().Format(time.RFC3339), events[0].data["fired_at"])
	require.Equal(t, 1, clk.Pending())

	clk.Advance(24 * time.Hour)
	require.Len(t, collector.all(), 2)
	require.Equal(t, 1, clk.Pending())
}

func TestSchedulerSunsetWithOffset(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	_, collector := newTestScheduler(t, clk, sunSettings("winddown", "sunset", -30))

	clk.Advance(24 * time.Hour)
	events := collector.all()
	require.Len(t, events, 1)
	assert.Equal(t, "winddown", events[0].data["schedule_name"])
	assert.Equal(t, "sunset-30m", events[0].data["spec"])
}

func TestSchedulerCronEntry(t *testing.T) {
	settings := map[string]any{
		"entries": []any{
			map[string]any{"name": "tick", "cron": "* * * * * *"},
		},
	}
	_, collector := newTestScheduler(t, clock.NewReal(), settings)

	require.Eventually(t, func() bool {
		return len(collector.all()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	events := collector.all()
	assert.Equal(t, eventFired, events[0].name)
	assert.Equal(t, "tick", events[0].data["schedule_name"])
	assert.Equal(t, "* * * * * *", events[0].data["spec"])
}

func TestSchedulerSkipsInvalidEntries(t *testing.T) {
	settings := map[string]any{
		"entries": []any{
			map[string]any{"cron": "* * * * *"},
			map[string]any{"name": "conflict", "cron": "* * * * *", "at": "sunrise"},
			map[string]any{"name": "badcron", "cron": "not a cron"},
			map[string]any{"name": "badat", "at": "noon"},
			map[string]any{"name": "empty"},
			map[string]any{"name": "valid", "cron": "0 9 * * *"},
		},
	}
	ctx := plugin.NewContext(zap.NewNop(), settings, t.TempDir(), clock.NewMock(time.Now()))
	s := NewScheduler(ctx)
	require.NoError(t, s.Initialize())

	require.Len(t, s.entries, 1)
	assert.Equal(t, "valid", s.entries[0].Name)
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s, collector := newTestScheduler(t, clk, sunSettings("dawn", "sunrise", 0))

	assert.True(t, s.Running())
	require.NoError(t, s.Start(collector.emit))
	assert.True(t, s.Running())
	require.Equal(t, 1, clk.Pending(), "second start does not arm twice")

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	require.NoError(t, s.Stop())

	// Disarmed entries stay silent.
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(48 * time.Hour)
	assert.Empty(t, collector.all())
}

func TestSchedulerWithoutEntriesStaysIdle(t *testing.T) {
	ctx := plugin.NewContext(zap.NewNop(), nil, t.TempDir(), clock.NewMock(time.Now()))
	s := NewScheduler(ctx)
	require.NoError(t, s.Initialize())

	require.NoError(t, s.Start(func(string, map[string]any) {}))
	assert.False(t, s.Running())
}

func TestSchedulerCapabilities(t *testing.T) {
	ctx := plugin.NewContext(zap.NewNop(), nil, t.TempDir(), nil)
	s := NewScheduler(ctx)

	caps := s.Capabilities()
	require.Len(t, caps, 1)
	assert.Equal(t, eventFired, caps[0].Name)
	assert.Equal(t, []string{"schedule_name", "spec", "fired_at"}, caps[0].Params)
}

func TestNextSunEvent(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("sunrise is later today", func(t *testing.T) {
		next := nextSunEvent(entrySpec{At: atSunrise}, now)
		require.False(t, next.IsZero())
		assert.True(t, next.After(now))
		assert.True(t, next.Before(now.Add(24*time.Hour)))
	})

	t.Run("offset shifts the event", func(t *testing.T) {
		base := nextSunEvent(entrySpec{At: atSunset}, now)
		shifted := nextSunEvent(entrySpec{At: atSunset, OffsetMinutes: 45}, now)
		assert.Equal(t, base.Add(45*time.Minute), shifted)
	})

	t.Run("past event rolls to the next day", func(t *testing.T) {
		lateNow := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
		next := nextSunEvent(entrySpec{At: atSunset}, lateNow)
		require.False(t, next.IsZero())
		assert.True(t, next.After(lateNow))
	})

	t.Run("polar night skips sunless days", func(t *testing.T) {
		// Svalbard in late December has no sunrise for weeks.
		winter := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
		next := nextSunEvent(entrySpec{At: atSunrise, Latitude: 78.22, Longitude: 15.63}, winter)
		require.False(t, next.IsZero())
		assert.True(t, next.Sub(winter) > 7*24*time.Hour, "sun does not rise for weeks")
	})
}
