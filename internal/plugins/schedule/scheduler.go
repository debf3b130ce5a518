// Package schedule is the trigger plugin that fires events at
// configured times. Entries are either cron expressions or solar
// events (sunrise/sunset with an optional offset) recomputed for each
// day at the configured coordinates.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"deviceagent/internal/clock"
	"deviceagent/pkg/plugin"
)

const eventFired = "desktop.trigger.schedule.fired"

const (
	atSunrise = "sunrise"
	atSunset  = "sunset"
)

// entrySpec is one entry of the entries setting. Exactly one of Cron
// or At must be set.
type entrySpec struct {
	Name          string  `yaml:"name"`
	Cron          string  `yaml:"cron"`
	At            string  `yaml:"at"`
	OffsetMinutes int     `yaml:"offset_minutes"`
	Latitude      float64 `yaml:"latitude"`
	Longitude     float64 `yaml:"longitude"`
}

// describe returns the human-readable spec string carried in fired
// events.
func (e entrySpec) describe() string {
	if e.Cron != "" {
		return e.Cron
	}
	if e.OffsetMinutes != 0 {
		return fmt.Sprintf("%s%+dm", e.At, e.OffsetMinutes)
	}
	return e.At
}

// Scheduler is the schedule trigger plugin.
type Scheduler struct {
	logger *zap.Logger
	ctx    *plugin.Context
	clk    clock.Clock
	parser cron.Parser

	mu        sync.Mutex
	entries   []entrySpec
	runner    *cron.Cron
	sunTimers map[int]clock.Timer
	emit      plugin.EmitFunc
	running   bool
}

// NewScheduler creates a scheduler from the plugin context. Cron
// expressions accept the standard five fields with an optional leading
// seconds field.
func NewScheduler(ctx *plugin.Context) *Scheduler {
	return &Scheduler{
		logger: ctx.Logger,
		ctx:    ctx,
		clk:    ctx.Clock,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Scheduler) Name() string { return "schedule" }

// Initialize parses and validates the entries setting. Invalid entries
// are skipped with a warning so one bad line does not silence the rest.
func (s *Scheduler) Initialize() error {
	var cfg struct {
		Entries []entrySpec `yaml:"entries"`
	}
	if err := s.ctx.DecodeSettings(&cfg); err != nil {
		return err
	}

	entries := make([]entrySpec, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		if e.Name == "" {
			s.logger.Warn("Ignoring schedule entry without a name")
			continue
		}
		switch {
		case e.Cron != "" && e.At != "":
			s.logger.Warn("Schedule entry sets both cron and at, skipping", zap.String("name", e.Name))
			continue
		case e.Cron != "":
			if _, err := s.parser.Parse(e.Cron); err != nil {
				s.logger.Warn("Invalid cron expression, skipping",
					zap.String("name", e.Name), zap.String("cron", e.Cron), zap.Error(err))
				continue
			}
		case e.At == atSunrise || e.At == atSunset:
			// Solar entry, valid.
		case e.At != "":
			s.logger.Warn("Unknown solar event, skipping",
				zap.String("name", e.Name), zap.String("at", e.At))
			continue
		default:
			s.logger.Warn("Schedule entry has neither cron nor at, skipping", zap.String("name", e.Name))
			continue
		}
		entries = append(entries, e)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.logger.Info("Scheduler initialized", zap.Int("entries", len(entries)))
	return nil
}

// Shutdown stops the scheduler if it is still running.
func (s *Scheduler) Shutdown() error {
	return s.Stop()
}

// Capabilities lists the single event this trigger emits.
func (s *Scheduler) Capabilities() []plugin.Capability {
	return []plugin.Capability{{
		Name:        eventFired,
		Params:      []string{"schedule_name", "spec", "fired_at"},
		Description: "A configured schedule entry reached its time",
	}}
}

// Start arms all configured entries.
func (s *Scheduler) Start(emit plugin.EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if len(s.entries) == 0 {
		s.logger.Warn("No schedule entries configured, scheduler stays idle")
		return nil
	}

	s.emit = emit
	s.sunTimers = make(map[int]clock.Timer)
	s.runner = cron.New(cron.WithLocation(time.Local), cron.WithParser(s.parser))

	for i, e := range s.entries {
		if e.Cron != "" {
			entry := e
			if _, err := s.runner.AddFunc(entry.Cron, func() { s.fire(entry) }); err != nil {
				s.logger.Warn("Failed to schedule cron entry",
					zap.String("name", entry.Name), zap.Error(err))
			}
			continue
		}
		s.armSunTimerLocked(i, e)
	}

	s.runner.Start()
	s.running = true

	s.logger.Info("Scheduler started", zap.Int("entries", len(s.entries)))
	return nil
}

// Stop disarms all entries and waits for in-flight cron jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	runner := s.runner
	timers := s.sunTimers
	s.runner = nil
	s.sunTimers = nil
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if runner != nil {
		<-runner.Stop().Done()
	}

	s.logger.Info("Scheduler stopped")
	return nil
}

// Running reports whether the scheduler is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// armSunTimerLocked schedules the next solar occurrence of entry i.
// Caller holds s.mu.
func (s *Scheduler) armSunTimerLocked(i int, e entrySpec) {
	now := s.clk.Now()
	next := nextSunEvent(e, now)
	if next.IsZero() {
		s.logger.Warn("No upcoming solar event for entry", zap.String("name", e.Name))
		return
	}

	s.sunTimers[i] = s.clk.AfterFunc(next.Sub(now), func() { s.onSunTimer(i, e) })
	s.logger.Debug("Solar entry armed",
		zap.String("name", e.Name),
		zap.Time("next", next))
}

// onSunTimer fires a solar entry and re-arms it for the next day.
func (s *Scheduler) onSunTimer(i int, e entrySpec) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	s.fire(e)

	s.mu.Lock()
	if s.running && s.sunTimers != nil {
		s.armSunTimerLocked(i, e)
	}
	s.mu.Unlock()
}

// fire emits the schedule event for one entry.
func (s *Scheduler) fire(e entrySpec) {
	s.mu.Lock()
	emit := s.emit
	running := s.running
	s.mu.Unlock()
	if !running || emit == nil {
		return
	}

	s.logger.Info("Schedule fired",
		zap.String("name", e.Name),
		zap.String("spec", e.describe()))

	emit(eventFired, map[string]any{
		"schedule_name": e.Name,
		"spec":          e.describe(),
		"fired_at":      s.clk.Now().UTC().Format(time.RFC3339),
	})
}

// nextSunEvent returns the next occurrence of the entry's solar event
// after now. Days without the event (polar night or midnight sun) are
// skipped, scanning up to a year ahead.
func nextSunEvent(e entrySpec, now time.Time) time.Time {
	offset := time.Duration(e.OffsetMinutes) * time.Minute
	for day := 0; day <= 366; day++ {
		d := now.AddDate(0, 0, day)
		rise, set := sunrise.SunriseSunset(e.Latitude, e.Longitude, d.Year(), d.Month(), d.Day())
		at := rise
		if e.At == atSunset {
			at = set
		}
		if at.IsZero() {
			continue
		}
		at = at.Add(offset)
		if at.After(now) {
			return at
		}
	}
	return time.Time{}
}
