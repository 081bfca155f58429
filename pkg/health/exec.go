package health

import (
	"context"
	"fmt"
	"time"

	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

// Execer is the subset of pkg/transport.Transport exec-based checks need.
// A local interface instead of the concrete type keeps this package testable
// without a real SSH channel, matching the pkg/config/pkg/edge seam.
type Execer interface {
	Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error)
}

// ExecChecker runs a command on a worker host over the worker transport and
// reports the instance alive based on its exit code — provisioner step 9,
// "poll for process running."
type ExecChecker struct {
	// Command is the command to execute (e.g., ["pgrep", "-f", containerID]).
	Command []string

	// Worker is the host Command runs against.
	Worker *types.Worker

	// Timeout is the command execution timeout (default: 10 seconds).
	Timeout time.Duration

	transport Execer
}

// NewExecChecker creates a new exec health checker against a worker.
func NewExecChecker(t Execer, worker *types.Worker, command []string) *ExecChecker {
	return &ExecChecker{
		Command:   command,
		Worker:    worker,
		Timeout:   10 * time.Second,
		transport: t,
	}
}

// Check performs the exec health check.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{Healthy: false, Message: "no command specified", CheckedAt: start, Duration: time.Since(start)}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	res, err := e.transport.Exec(execCtx, e.Worker, e.Command)
	message := fmt.Sprintf("command: %v", e.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, error: %v", message, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if res.ExitCode != 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, exit code %d, stderr: %s", message, res.ExitCode, truncate(res.Stderr)),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s, output: %s", message, truncate(res.Stdout)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout.
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
