// Package scheduler decides when timer-triggered backup runs fire.
//
// A schedule is either a fixed delay in minutes between runs or a list of
// 5-field cron specs. With both unset (delay -1, no specs) timer runs are off.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

const (
	// Disabled as DelayMinutes turns interval runs off.
	Disabled = -1
	// MinDelayMinutes is the shortest accepted interval.
	MinDelayMinutes = 5
)

// Config selects the schedule. Cron takes precedence over DelayMinutes.
type Config struct {
	DelayMinutes int      `yaml:"delayMinutes"`
	Cron         []string `yaml:"cron"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a single 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", expr, err)
	}
	return s, nil
}

// Schedule computes the next timer run.
type Schedule struct {
	delay time.Duration
	specs []cron.Schedule

	mu       sync.Mutex
	deadline time.Time
}

// New validates cfg and returns its Schedule.
func New(cfg Config) (*Schedule, error) {
	s := &Schedule{}
	if len(cfg.Cron) > 0 {
		for _, expr := range cfg.Cron {
			spec, err := ParseCron(expr)
			if err != nil {
				return nil, err
			}
			s.specs = append(s.specs, spec)
		}
		return s, nil
	}
	switch {
	case cfg.DelayMinutes == Disabled:
	case cfg.DelayMinutes < MinDelayMinutes:
		return nil, fmt.Errorf("delay must be at least %d minutes or %d, got %d", MinDelayMinutes, Disabled, cfg.DelayMinutes)
	default:
		s.delay = time.Duration(cfg.DelayMinutes) * time.Minute
	}
	return s, nil
}

// Enabled reports whether any timer run will ever fire.
func (s *Schedule) Enabled() bool {
	return len(s.specs) > 0 || s.delay > 0
}

// Next returns the next fire time after now, or the zero time when disabled.
// For an interval schedule the first call arms the deadline.
func (s *Schedule) Next(now time.Time) time.Time {
	if len(s.specs) > 0 {
		var next time.Time
		for _, spec := range s.specs {
			t := spec.Next(now)
			if next.IsZero() || t.Before(next) {
				next = t
			}
		}
		return next
	}
	if s.delay <= 0 {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadline.IsZero() {
		s.deadline = now.Add(s.delay)
	}
	return s.deadline
}

// Advance re-arms an interval schedule to fire one delay after now.
// Cron schedules ignore it.
func (s *Schedule) Advance(now time.Time) {
	if s.delay <= 0 {
		return
	}
	s.mu.Lock()
	s.deadline = now.Add(s.delay)
	s.mu.Unlock()
}

// Describe renders the next run for status output: "disabled",
// "in N minutes" for an interval, or the next cron time.
func (s *Schedule) Describe(now time.Time) string {
	next := s.Next(now)
	switch {
	case next.IsZero():
		return "disabled"
	case len(s.specs) > 0:
		return next.Format("2006-01-02 15:04")
	default:
		minutes := int(next.Sub(now).Round(time.Minute) / time.Minute)
		if minutes < 0 {
			minutes = 0
		}
		return fmt.Sprintf("in %d minutes", minutes)
	}
}

// ErrDisabled is returned by Run for a schedule that never fires.
var ErrDisabled = errors.New("schedule is disabled")

// Run fires fn at every scheduled time until ctx is done. Each fn runs in its
// own goroutine so a long run does not shift the schedule; Run waits for them
// before returning.
func (s *Schedule) Run(ctx context.Context, fn func(ctx context.Context)) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	return s.run(ctx, time.Now, fn)
}

func (s *Schedule) run(ctx context.Context, now func() time.Time, fn func(ctx context.Context)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		next := s.Next(now())
		plog.Debug("Next scheduled run", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(next.Sub(now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.Advance(now())
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
}
