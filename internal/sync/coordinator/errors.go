package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrUpdateFailed is the single failure signal of a refresh cycle. Every
	// error returned by Refresh wraps it.
	ErrUpdateFailed = errors.New("update failed")

	// ErrCycleTimeout marks a refresh cycle that exceeded its timeout.
	ErrCycleTimeout = errors.New("refresh cycle timed out")

	// ErrProvisioningIncomplete is returned when the metadata row is still not
	// provisioned after the bounded write sequence.
	ErrProvisioningIncomplete = errors.New("metadata row not provisioned after write")
)

// Step names the part of a cycle that failed.
type Step string

// Cycle steps
const (
	StepProvision Step = "provision"
	StepBaseline  Step = "baseline"
	StepItemSync  Step = "item_sync"
)

// UpdateError describes a failed refresh cycle. It matches ErrUpdateFailed
// and the underlying cause with errors.Is.
type UpdateError struct {
	Step   Step
	ItemID string
	Err    error
}

func (e *UpdateError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("update failed during %s of %s: %v", e.Step, e.ItemID, e.Err)
	}
	return fmt.Sprintf("update failed during %s: %v", e.Step, e.Err)
}

func (e *UpdateError) Unwrap() []error {
	return []error{ErrUpdateFailed, e.Err}
}
