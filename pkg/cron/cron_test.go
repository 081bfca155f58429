package cron

import (
	"testing"
	"time"

	"github.com/opsfleet/opsfleet/pkg/types"
)

func TestValid(t *testing.T) {
	if !Valid("*/5 * * * *") {
		t.Error("expected */5 * * * * to be valid")
	}
	if Valid("not a cron expr") {
		t.Error("expected garbage expression to be invalid")
	}
}

func TestNextRunAdvances(t *testing.T) {
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRun("0 * * * *", ref)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if !next.After(ref) {
		t.Errorf("NextRun() = %v, want strictly after %v", next, ref)
	}
	if next.Minute() != 0 {
		t.Errorf("NextRun() minute = %d, want 0", next.Minute())
	}
}

func TestNextRunInvalidExpression(t *testing.T) {
	_, err := NextRun("garbage", time.Now())
	if err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestDue(t *testing.T) {
	task := types.ScheduledTask{Name: "nightly-report", CronExpr: "0 2 * * *"}

	before := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)

	due, err := Due(task, before, now)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if !due {
		t.Error("expected task to be due between 01:00 and 03:00 with a 02:00 schedule")
	}

	stillBefore := time.Date(2026, 1, 1, 1, 30, 0, 0, time.UTC)
	due, err = Due(task, before, stillBefore)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if due {
		t.Error("expected task to not be due yet at 01:30 with a 02:00 schedule")
	}
}
