// Package schedule runs wall-clock jobs such as the daily counter reset in the
// exchange time zone.
package schedule

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDailyReset fires at midnight.
const DefaultDailyReset = "0 0 0 * * *"

// DefaultMasterRefresh fires before the pre-open session on weekdays.
const DefaultMasterRefresh = "0 30 8 * * MON-FRI"

// Resetter is implemented by anything with daily counters.
type Resetter interface {
	ResetDaily()
}

// Scheduler wraps a seconds-resolution cron in a fixed location.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Logger
}

// New creates a scheduler evaluating specs in loc.
func New(loc *time.Location, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cron.PrintfLogger(logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// Add registers fn under spec, a six-field cron expression.
func (s *Scheduler) Add(name, spec string, fn func()) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() {
		s.logger.Printf("[CRON] %s", name)
		fn()
	})
	if err != nil {
		return 0, fmt.Errorf("scheduling %s (%q): %w", name, spec, err)
	}
	return id, nil
}

// AddDailyReset schedules r.ResetDaily plus any extra hooks. An empty spec uses
// DefaultDailyReset.
func (s *Scheduler) AddDailyReset(spec string, r Resetter, hooks ...func()) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultDailyReset
	}
	return s.Add("daily reset", spec, func() {
		r.ResetDaily()
		for _, h := range hooks {
			h()
		}
	})
}

// Next returns the next activation of the entry, or the zero time if unknown.
func (s *Scheduler) Next(id cron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Printf("Scheduler started with %d jobs", len(s.cron.Entries()))
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Printf("Scheduler stopped")
}
