package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
)

// QueueStore is the subset of queue.Store the Sentinel process needs,
// restated structurally so this package never imports internal/queue
// directly — the same boundary JobSource already draws for ClaimedJob.
type QueueStore interface {
	ClaimNextJob(ctx context.Context, plugins []string) (job ProcessingJobLike, ok bool, err error)
	CompleteJob(ctx context.Context, id string, status string, resultSummary json.RawMessage, errMsg string, quarantineRows int) error
	RetryOrDeadLetter(ctx context.Context, id string, maxRetries int, reason string) (deadLettered bool, err error)
}

// ProcessingJobLike mirrors the fields of queue.ProcessingJob (plus those
// of its DispatchMeta field) that a dispatch needs. Kept structurally
// compatible rather than imported so internal/queue stays free to evolve
// its storage-facing fields without this package noticing.
type ProcessingJobLike struct {
	ID              string
	FileID          string
	Plugin          string
	FilePath        string
	FileVersionID   string
	SourceCode      string
	Sinks           []string
	EnvHash         string
	LockfileContent string
}

// QueueJobSource adapts a QueueStore to JobSource, the shape TryDispatch
// actually consumes.
type QueueJobSource struct {
	store QueueStore
}

// NewQueueJobSource wraps store.
func NewQueueJobSource(store QueueStore) *QueueJobSource {
	return &QueueJobSource{store: store}
}

// ClaimNextJob claims the next queued row and reshapes it into a
// ClaimedJob for TryDispatch.
func (a *QueueJobSource) ClaimNextJob(ctx context.Context, plugins []string) (ClaimedJob, bool, error) {
	job, ok, err := a.store.ClaimNextJob(ctx, plugins)
	if err != nil || !ok {
		return ClaimedJob{}, ok, err
	}

	return ClaimedJob{
		ID:              job.ID,
		FileID:          job.FileID,
		Plugin:          job.Plugin,
		FilePath:        job.FilePath,
		FileVersionID:   job.FileVersionID,
		SourceCode:      job.SourceCode,
		Sinks:           job.Sinks,
		EnvHash:         job.EnvHash,
		LockfileContent: job.LockfileContent,
	}, true, nil
}

// CompleteJob delegates to the underlying store.
func (a *QueueJobSource) CompleteJob(ctx context.Context, id string, status string, resultSummary json.RawMessage, errMsg string, quarantineRows int) error {
	if err := a.store.CompleteJob(ctx, id, status, resultSummary, errMsg, quarantineRows); err != nil {
		return fmt.Errorf("dispatcher: completing job %q: %w", id, err)
	}

	return nil
}

// RetryOrDeadLetter delegates to the underlying store.
func (a *QueueJobSource) RetryOrDeadLetter(ctx context.Context, id string, maxRetries int, reason string) (bool, error) {
	return a.store.RetryOrDeadLetter(ctx, id, maxRetries, reason)
}
