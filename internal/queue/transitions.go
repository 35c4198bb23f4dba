package queue

import (
	"errors"
	"fmt"
)

// Sentinel errors for state transition validation, usable with errors.Is.
var (
	// ErrInvalidTransition indicates a transition neither status allows.
	ErrInvalidTransition = errors.New("queue: invalid state transition")

	// ErrTerminalStateImmutable indicates an attempt to leave a terminal state.
	ErrTerminalStateImmutable = errors.New("queue: terminal state is immutable")
)

// ValidateQueueTransition validates a cf_processing_queue status change.
//
// Valid transitions:
//   - Queued → Running (dispatcher claim)
//   - Running → {Success, Failed, Aborted, Rejected}
//   - terminal → same state (idempotent re-application)
//
// Rejected is not terminal: the enqueuer may requeue the same row by
// transitioning Rejected → Queued for redispatch elsewhere.
func ValidateQueueTransition(from, to ProcessingStatus) error {
	if from == to {
		return nil
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
	}

	switch from {
	case ProcessingQueued:
		if to == ProcessingRunning {
			return nil
		}
	case ProcessingRunning:
		switch to {
		case ProcessingSuccess, ProcessingFailed, ProcessingAborted, ProcessingRejected:
			return nil
		}
	case ProcessingRejected:
		if to == ProcessingQueued {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// ValidateJobTransition validates an api_jobs status change.
//
// Valid transitions: Pending → {Running, Cancelled}; Running →
// {Succeeded, Failed, Cancelled}; terminal states are immutable.
func ValidateJobTransition(from, to ApiJobStatus) error {
	if from == to {
		return nil
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
	}

	switch from {
	case ApiJobPending:
		switch to {
		case ApiJobRunning, ApiJobCancelled:
			return nil
		}
	case ApiJobRunning:
		switch to {
		case ApiJobSucceeded, ApiJobFailed, ApiJobCancelled:
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// ValidateApprovalTransition validates an api_approvals status change.
//
// Valid transitions: Pending → {Approved, Rejected, Expired}; terminal
// states are immutable.
func ValidateApprovalTransition(from, to ApprovalStatus) error {
	if from == to {
		return nil
	}

	if from != ApprovalPending {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
	}

	switch to {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return nil
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}
