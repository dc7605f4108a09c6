// Package refresher drives periodic background synchronization for a set
// of calendars on a cron schedule.
package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cyp0633/davsync"
	"github.com/robfig/cron/v3"
)

// Refresher periodically refreshes registered calendars. Calendars that
// were disabled by a failed credential acquisition are re-enabled before
// the refresh so a recovered token source brings them back automatically.
type Refresher struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu        sync.Mutex
	calendars []*davsync.Calendar
}

// New creates a refresher. A nil logger discards output.
func New(logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		cron:   cron.New(),
		logger: logger,
	}
}

// Add registers a calendar for periodic refresh.
func (r *Refresher) Add(cal *davsync.Calendar) {
	r.mu.Lock()
	r.calendars = append(r.calendars, cal)
	r.mu.Unlock()
}

// Remove unregisters a calendar.
func (r *Refresher) Remove(cal *davsync.Calendar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.calendars {
		if c == cal {
			r.calendars = append(r.calendars[:i], r.calendars[i+1:]...)
			return
		}
	}
}

// Start schedules refreshes with the given cron spec (e.g. "*/5 * * * *")
// and runs until the context is cancelled.
func (r *Refresher) Start(ctx context.Context, spec string) error {
	if _, err := r.cron.AddFunc(spec, func() { r.refreshAll(ctx) }); err != nil {
		return fmt.Errorf("add refresh job: %w", err)
	}
	r.cron.Start()
	r.logger.Info("refresher started", "spec", spec)

	<-ctx.Done()
	r.Stop()
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("refresher stopped")
}

func (r *Refresher) refreshAll(ctx context.Context) {
	r.mu.Lock()
	calendars := append([]*davsync.Calendar(nil), r.calendars...)
	r.mu.Unlock()

	for _, cal := range calendars {
		if cal.Disabled() {
			if !cal.ReenablePending() {
				continue
			}
			cal.Reenable()
		}

		done := make(chan struct{})
		cal.Refresh(ctx, davsync.ListenerFunc(func(res davsync.OperationResult) {
			if res.Err != nil {
				r.logger.Warn("refresh failed", "calendar", cal.URI(), "error", res.Err)
			}
			close(done)
		}))
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}
