package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledStrategy fires at wall-clock times described by a standard cron
// expression (e.g. "0 4 * * *" for daily at 04:00, or a list of "HH:mm"
// times converted to cron form by ParseScheduledTimes), reusing
// robfig/cron/v3's schedule parser rather than hand-rolling one.
type ScheduledStrategy struct {
	schedule cron.Schedule
}

// NewScheduledStrategy parses expr as a standard 5-field cron expression.
func NewScheduledStrategy(expr string) (*ScheduledStrategy, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return &ScheduledStrategy{schedule: schedule}, nil
}

func (s *ScheduledStrategy) Next(now time.Time) time.Time {
	return s.schedule.Next(now)
}

func (s *ScheduledStrategy) Observe(error) {}

// ParseScheduledTimes converts the config's `scheduledTimes: ["HH:mm", ...]`
// list into one cron expression per time-of-day, each firing daily.
func ParseScheduledTimes(times []string) ([]*ScheduledStrategy, error) {
	var out []*ScheduledStrategy
	for _, hhmm := range times {
		expr, err := dailyCronExpr(hhmm)
		if err != nil {
			return nil, err
		}
		st, err := NewScheduledStrategy(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func dailyCronExpr(hhmm string) (string, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return "", err
	}
	return t.Format("04 15") + " * * *", nil
}
