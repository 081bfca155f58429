package health

import (
	"context"
	"errors"
	"testing"

	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

type fakeExecer struct {
	result transport.Result
	err    error
}

func (f *fakeExecer) Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error) {
	return f.result, f.err
}

func TestExecChecker_HealthyExitCode(t *testing.T) {
	fake := &fakeExecer{result: transport.Result{Stdout: "running", ExitCode: 0}}
	checker := NewExecChecker(fake, &types.Worker{ID: "w1"}, []string{"pgrep", "-f", "tenant-a"})

	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected healthy, got unhealthy: %s", result.Message)
	}
}

func TestExecChecker_NonZeroExitCode(t *testing.T) {
	fake := &fakeExecer{result: transport.Result{Stderr: "no such process", ExitCode: 1}}
	checker := NewExecChecker(fake, &types.Worker{ID: "w1"}, []string{"pgrep", "-f", "tenant-a"})

	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("expected unhealthy on non-zero exit code")
	}
}

func TestExecChecker_TransportError(t *testing.T) {
	fake := &fakeExecer{err: errors.New("worker unreachable")}
	checker := NewExecChecker(fake, &types.Worker{ID: "w1"}, []string{"pgrep", "-f", "tenant-a"})

	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("expected unhealthy on transport error")
	}
}

func TestExecChecker_EmptyCommand(t *testing.T) {
	checker := NewExecChecker(&fakeExecer{}, &types.Worker{ID: "w1"}, nil)

	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("expected unhealthy for empty command")
	}
}
