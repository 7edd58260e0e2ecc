package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"relay/internal/domain"
)

// Five-field cron, standard minute resolution.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Caps the catch-up window so a task whose watermark is years behind
// cannot stall a tick enumerating occurrences.
const maxOccurrences = 1000

// ValidateExpression checks a schedule expression at save time so bad
// input is rejected before it ever reaches a tick.
func ValidateExpression(kind domain.ScheduleKind, expr string) error {
	switch kind {
	case domain.ScheduleCron:
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("cron expression %q: %w", expr, err)
		}
	case domain.ScheduleOnce:
		if _, err := time.Parse(time.RFC3339, expr); err != nil {
			return fmt.Errorf("one-shot time %q: %w", expr, err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
	return nil
}

// occurrencesBetween returns the fire times of task in (after, until],
// oldest first.
func occurrencesBetween(task *domain.ScheduledTask, after, until time.Time) ([]time.Time, error) {
	switch task.Kind {
	case domain.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, task.Expression)
		if err != nil {
			return nil, fmt.Errorf("one-shot time %q: %w", task.Expression, err)
		}
		if at.After(after) && !at.After(until) {
			return []time.Time{at}, nil
		}
		return nil, nil
	case domain.ScheduleCron:
		sched, err := cronParser.Parse(task.Expression)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", task.Expression, err)
		}
		var out []time.Time
		for t := sched.Next(after); !t.After(until); t = sched.Next(t) {
			out = append(out, t)
			if len(out) >= maxOccurrences {
				break
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", task.Kind)
	}
}
