package syncer

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers periodic sync passes.
type Scheduler interface {
	// Start begins invoking fn on the schedule. Non-blocking.
	Start(fn func()) error
	// Stop halts further invocations. Safe to call before Start.
	Stop()
}

// CronScheduler triggers on a cron expression (with @every support).
type CronScheduler struct {
	schedule string
	cron     *cron.Cron
}

// NewCronScheduler creates a scheduler for a cron spec like "@every 5m".
func NewCronScheduler(schedule string) *CronScheduler {
	return &CronScheduler{schedule: schedule, cron: cron.New()}
}

func (s *CronScheduler) Start(fn func()) error {
	if _, err := s.cron.AddFunc(s.schedule, fn); err != nil {
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("sync scheduler started",
		"component", "syncer",
		"schedule", s.schedule,
	)
	return nil
}

func (s *CronScheduler) Stop() {
	s.cron.Stop()
}

// ManualScheduler fires only when told to. Tests use it to drive sync passes
// deterministically.
type ManualScheduler struct {
	fn func()
}

func NewManualScheduler() *ManualScheduler { return &ManualScheduler{} }

func (s *ManualScheduler) Start(fn func()) error {
	s.fn = fn
	return nil
}

func (s *ManualScheduler) Stop() { s.fn = nil }

// Fire invokes the scheduled function once.
func (s *ManualScheduler) Fire() {
	if s.fn != nil {
		s.fn()
	}
}
