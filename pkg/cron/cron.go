// Package cron computes next-run times for tenant scheduled tasks from
// their cron expressions.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/opsfleet/opsfleet/pkg/types"
)

// Valid reports whether expr is a well-formed cron expression.
func Valid(expr string) bool {
	return gronx.New().IsValid(expr)
}

// NextRun returns the first tick of expr strictly after after.
func NextRun(expr string, after time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, after, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: next run for %q: %w", expr, err)
	}
	return next, nil
}

// Due reports whether task's schedule has a tick in (after, now], i.e. it
// should fire during this scheduler pass.
func Due(task types.ScheduledTask, after, now time.Time) (bool, error) {
	next, err := NextRun(task.CronExpr, after)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}
