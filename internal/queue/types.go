// Package queue implements the processing queue (dispatcher-facing job
// claims, retries, and dead-lettering) and the control-plane ledger (API
// jobs, their monotonic event streams, and approvals) that share one
// store (component I).
package queue

import (
	"encoding/json"
	"time"
)

// ProcessingStatus is the lifecycle state of one processing-queue row.
type ProcessingStatus string

const (
	ProcessingQueued   ProcessingStatus = "Queued"
	ProcessingRunning  ProcessingStatus = "Running"
	ProcessingSuccess  ProcessingStatus = "Success"
	ProcessingFailed   ProcessingStatus = "Failed"
	ProcessingAborted  ProcessingStatus = "Aborted"
	ProcessingRejected ProcessingStatus = "Rejected"
)

// IsTerminal reports whether s is an end state a row settles in (absent
// a retry): Rejected is deliberately excluded, since a rejected dispatch
// is retryable elsewhere rather than a final outcome for the row.
func (s ProcessingStatus) IsTerminal() bool {
	switch s {
	case ProcessingSuccess, ProcessingFailed, ProcessingAborted:
		return true
	default:
		return false
	}
}

// DispatchMeta carries everything the dispatcher needs to build a
// Dispatch wire message for a claimed job, beyond the bare queue row:
// the resolved file path and source the discovery store/plugin registry
// produced at enqueue time, frozen onto the row so a later claim never
// has to re-resolve them. It is stored as the row's `dispatch_meta` JSONB
// column and round-trips opaquely through EnqueueJob/ClaimNextJob.
type DispatchMeta struct {
	FilePath        string   `json:"file_path"`
	SourceCode      string   `json:"source_code,omitempty"`
	FileVersionID   string   `json:"file_version_id,omitempty"`
	Sinks           []string `json:"sinks,omitempty"`
	EnvHash         string   `json:"env_hash,omitempty"`
	LockfileContent string   `json:"lockfile_content,omitempty"`
}

// ProcessingJob is one row of cf_processing_queue: a file queued for a
// plugin under one pipeline run, deduplicated on MaterializationKey.
type ProcessingJob struct {
	ID                string
	FileID            string
	PipelineRunID     string
	Plugin            string
	MaterializationKey string
	Status            ProcessingStatus
	Priority          int
	RetryCount        int
	ClaimTime         *time.Time
	EndTime           *time.Time
	ErrorMessage      string
	ResultSummary     json.RawMessage
	QuarantineRows    int
	DispatchMeta      DispatchMeta
	CreatedAt         time.Time
}

// DeadLetterEntry is an immutable snapshot of a ProcessingJob moved out
// of the main queue after exceeding its retry bound.
type DeadLetterEntry struct {
	ID             string
	OriginalJobID  string
	Plugin         string
	ErrorMessage   string
	RetryCount     int
	MovedAt        time.Time
	Reason         string
}

// ApiJobStatus is the lifecycle state of one control-plane job.
type ApiJobStatus string

const (
	ApiJobPending   ApiJobStatus = "Pending"
	ApiJobRunning   ApiJobStatus = "Running"
	ApiJobSucceeded ApiJobStatus = "Succeeded"
	ApiJobFailed    ApiJobStatus = "Failed"
	ApiJobCancelled ApiJobStatus = "Cancelled"
)

// IsTerminal reports whether s is a state update_job_status/cancel_job
// must no longer be able to leave.
func (s ApiJobStatus) IsTerminal() bool {
	switch s {
	case ApiJobSucceeded, ApiJobFailed, ApiJobCancelled:
		return true
	default:
		return false
	}
}

// ApiJob is one control-plane job row (api_jobs).
type ApiJob struct {
	ID         string
	Kind       string
	Plugin     string
	InputDir   string
	SinkURI    string
	ApprovalID string
	SpecJSON   json.RawMessage
	Status     ApiJobStatus
	Progress   float64
	Result     json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventType identifies the kind of a control-plane job event.
type EventType string

const (
	EventJobCreated    EventType = "JobCreated"
	EventJobStarted    EventType = "JobStarted"
	EventJobProgress   EventType = "JobProgress"
	EventJobFinished   EventType = "JobFinished"
)

// ApiJobEvent is one row of the job event stream (api_job_events).
// EventID is assigned by the store and is strictly monotonic per job.
type ApiJobEvent struct {
	EventID   int64
	JobID     string
	EventType EventType
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ApprovalStatus is the lifecycle state of one approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
	ApprovalExpired  ApprovalStatus = "Expired"
)

// Approval is one human-in-the-loop approval gate (api_approvals).
type Approval struct {
	ID          string
	Operation   string
	Summary     string
	Status      ApprovalStatus
	ExpiresAt   time.Time
	DecidedAt   *time.Time
	DecidedBy   string
	Reason      string
	LinkedJobID string
	CreatedAt   time.Time
}
