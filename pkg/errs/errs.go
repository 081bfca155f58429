// Package errs defines the sentinel error kinds the provisioner, lifecycle
// controller, and scheduler branch on, per the failure semantics each
// component's design documents.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a classification a caller can branch on via errors.Is.
type Kind error

var (
	// NotProvisioned indicates the tenant has no instance row, or the row
	// is in a state that precedes a runnable container.
	NotProvisioned Kind = errors.New("instance not provisioned")

	// Unreachable indicates the worker transport could not reach the
	// assigned worker after retries.
	Unreachable Kind = errors.New("worker unreachable")

	// NoCapacity indicates no ready worker has room for the requested plan.
	NoCapacity Kind = errors.New("no worker capacity available")

	// InvariantViolation indicates a programmer-level invariant failed: an
	// identifier rejected by the shell allow-list, a config document that
	// breaks its structural rules, or a stored state the state machine
	// never produces.
	InvariantViolation Kind = errors.New("invariant violation")

	// RetryCeilingReached indicates the provisioner's retry budget for a
	// tenant has been exhausted.
	RetryCeilingReached Kind = errors.New("provision retry ceiling reached")

	// Conflict indicates a compare-and-update lost a race to a concurrent writer.
	Conflict Kind = errors.New("conflicting state transition")
)

// Wrap annotates err with a message while preserving errors.Is matching
// against kind.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", msg, kind)
	}
	return fmt.Errorf("%s: %w: %w", msg, kind, err)
}
