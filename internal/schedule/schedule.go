// Package schedule parses the cron expressions a workflow is triggered by.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Parse accepts standard 5-field cron expressions and the @-descriptors
// (@hourly, @every 8m, ...).
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return s, nil
}

// NextN returns the next n fire times strictly after from.
func NextN(s cron.Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// Earliest returns the soonest fire time across schedules, or the zero time
// when none of them ever fires again.
func Earliest(from time.Time, scheds ...cron.Schedule) time.Time {
	var best time.Time
	for _, s := range scheds {
		if s == nil {
			continue
		}
		n := s.Next(from)
		if n.IsZero() {
			continue
		}
		if best.IsZero() || n.Before(best) {
			best = n
		}
	}
	return best
}
