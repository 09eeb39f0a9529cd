package tasks

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/teambition/rrule-go"

	"github.com/nextlevelbuilder/jagc/internal/store"
)

// ValidateSchedule checks a task's schedule fields at creation time.
func ValidateSchedule(task *store.ScheduledTask) error {
	if _, err := loadLocation(task.Timezone); err != nil {
		return err
	}
	switch task.ScheduleKind {
	case store.ScheduleOnce:
		if task.OnceAt == nil {
			return fmt.Errorf("once task %s: once_at is required", task.TaskID)
		}
	case store.ScheduleCron:
		if !gronx.New().IsValid(task.CronExpr) {
			return fmt.Errorf("cron task %s: invalid expression %q", task.TaskID, task.CronExpr)
		}
	case store.ScheduleRRule:
		if _, err := rrule.StrToRRule(task.RRuleExpr); err != nil {
			return fmt.Errorf("rrule task %s: %w", task.TaskID, err)
		}
	default:
		return fmt.Errorf("task %s: unknown schedule kind %q", task.TaskID, task.ScheduleKind)
	}
	return nil
}

// NextOccurrence computes the first occurrence strictly after from, in the
// task's timezone. A nil result means the schedule is exhausted.
func NextOccurrence(task *store.ScheduledTask, from time.Time) (*time.Time, error) {
	loc, err := loadLocation(task.Timezone)
	if err != nil {
		return nil, err
	}

	switch task.ScheduleKind {
	case store.ScheduleOnce:
		if task.OnceAt == nil || !task.OnceAt.After(from) {
			return nil, nil
		}
		at := task.OnceAt.UTC()
		return &at, nil

	case store.ScheduleCron:
		// next matching time at least one second past from
		next, err := gronx.NextTickAfter(task.CronExpr, from.In(loc).Add(time.Second), true)
		if err != nil {
			return nil, fmt.Errorf("cron task %s: %w", task.TaskID, err)
		}
		at := next.UTC()
		return &at, nil

	case store.ScheduleRRule:
		rule, err := rrule.StrToRRule(task.RRuleExpr)
		if err != nil {
			return nil, fmt.Errorf("rrule task %s: %w", task.TaskID, err)
		}
		next := rule.After(from.In(loc), false)
		if next.IsZero() {
			return nil, nil
		}
		at := next.UTC()
		return &at, nil
	}
	return nil, fmt.Errorf("task %s: unknown schedule kind %q", task.TaskID, task.ScheduleKind)
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}
