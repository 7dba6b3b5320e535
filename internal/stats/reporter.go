package stats

import (
	"fmt"
	"log/slog"
	"sort"

	robfigcron "github.com/robfig/cron/v3"
)

// Reporter logs a counter summary on a cron schedule.
type Reporter struct {
	scheduler *robfigcron.Cron
	collector *Collector
	last      Summary
}

// NewReporter schedules summaries of c. schedule accepts standard cron
// expressions and descriptors such as "@hourly" or "@every 30m".
func NewReporter(schedule string, c *Collector) (*Reporter, error) {
	r := &Reporter{
		scheduler: robfigcron.New(robfigcron.WithChain(
			robfigcron.SkipIfStillRunning(robfigcron.DiscardLogger),
		)),
		collector: c,
	}
	if _, err := r.scheduler.AddFunc(schedule, r.report); err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the cron scheduler.
func (r *Reporter) Start() {
	r.scheduler.Start()
}

// Stop stops the scheduler and waits for a running report to finish.
func (r *Reporter) Stop() {
	<-r.scheduler.Stop().Done()
}

func (r *Reporter) report() {
	s := r.collector.Snapshot()
	attrs := []any{
		"handled", s.Handled,
		"since_last", s.Handled - r.last.Handled,
		"edited", s.Edited,
		"replaced", s.Replaced,
		"failed", s.Failed,
		"tracked", s.Tracked,
	}
	reasons := make([]string, 0, len(s.ByReason))
	for reason := range s.ByReason {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		attrs = append(attrs, "reason_"+reason, s.ByReason[reason])
	}
	slog.Info("stats: summary", attrs...)
	r.last = s
}
