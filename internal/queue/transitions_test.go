package queue

import (
	"errors"
	"testing"
)

func TestValidateQueueTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ProcessingStatus
		to      ProcessingStatus
		wantErr error
	}{
		{"queued to running", ProcessingQueued, ProcessingRunning, nil},
		{"running to success", ProcessingRunning, ProcessingSuccess, nil},
		{"running to failed", ProcessingRunning, ProcessingFailed, nil},
		{"running to aborted", ProcessingRunning, ProcessingAborted, nil},
		{"running to rejected", ProcessingRunning, ProcessingRejected, nil},
		{"rejected to queued", ProcessingRejected, ProcessingQueued, nil},
		{"success to success is idempotent", ProcessingSuccess, ProcessingSuccess, nil},
		{"success to failed is immutable", ProcessingSuccess, ProcessingFailed, ErrTerminalStateImmutable},
		{"failed to queued is immutable", ProcessingFailed, ProcessingQueued, ErrTerminalStateImmutable},
		{"queued to success skips running", ProcessingQueued, ProcessingSuccess, ErrInvalidTransition},
		{"rejected to running", ProcessingRejected, ProcessingRunning, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQueueTransition(tt.from, tt.to)

			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateQueueTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateQueueTransition(%s, %s) = %v, want %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestValidateJobTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ApiJobStatus
		to      ApiJobStatus
		wantErr error
	}{
		{"pending to running", ApiJobPending, ApiJobRunning, nil},
		{"pending to cancelled", ApiJobPending, ApiJobCancelled, nil},
		{"running to succeeded", ApiJobRunning, ApiJobSucceeded, nil},
		{"running to failed", ApiJobRunning, ApiJobFailed, nil},
		{"running to cancelled", ApiJobRunning, ApiJobCancelled, nil},
		{"succeeded to succeeded is idempotent", ApiJobSucceeded, ApiJobSucceeded, nil},
		{"succeeded to failed is immutable", ApiJobSucceeded, ApiJobFailed, ErrTerminalStateImmutable},
		{"cancelled to running is immutable", ApiJobCancelled, ApiJobRunning, ErrTerminalStateImmutable},
		{"pending to succeeded skips running", ApiJobPending, ApiJobSucceeded, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobTransition(tt.from, tt.to)

			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateJobTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateJobTransition(%s, %s) = %v, want %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestValidateApprovalTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ApprovalStatus
		to      ApprovalStatus
		wantErr error
	}{
		{"pending to approved", ApprovalPending, ApprovalApproved, nil},
		{"pending to rejected", ApprovalPending, ApprovalRejected, nil},
		{"pending to expired", ApprovalPending, ApprovalExpired, nil},
		{"pending to pending is idempotent", ApprovalPending, ApprovalPending, nil},
		{"approved to rejected is immutable", ApprovalApproved, ApprovalRejected, ErrTerminalStateImmutable},
		{"rejected to approved is immutable", ApprovalRejected, ApprovalApproved, ErrTerminalStateImmutable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateApprovalTransition(tt.from, tt.to)

			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateApprovalTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateApprovalTransition(%s, %s) = %v, want %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}
