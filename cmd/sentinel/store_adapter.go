package main

import (
	"context"
	"encoding/json"

	"github.com/casparian-io/casparian/internal/dispatcher"
	"github.com/casparian-io/casparian/internal/queue"
)

// queueStoreAdapter reshapes *queue.PostgresStore into the structural
// dispatcher.QueueStore shape: flattening ProcessingJob's embedded
// DispatchMeta into ProcessingJobLike, and narrowing
// queue.ProcessingStatus to the bare string CompleteJob's wire caller
// already has in hand.
type queueStoreAdapter struct {
	store *queue.PostgresStore
}

func (a *queueStoreAdapter) ClaimNextJob(ctx context.Context, plugins []string) (dispatcher.ProcessingJobLike, bool, error) {
	job, ok, err := a.store.ClaimNextJob(ctx, plugins)
	if err != nil || !ok {
		return dispatcher.ProcessingJobLike{}, ok, err
	}

	return dispatcher.ProcessingJobLike{
		ID:              job.ID,
		FileID:          job.FileID,
		Plugin:          job.Plugin,
		FilePath:        job.DispatchMeta.FilePath,
		FileVersionID:   job.DispatchMeta.FileVersionID,
		SourceCode:      job.DispatchMeta.SourceCode,
		Sinks:           job.DispatchMeta.Sinks,
		EnvHash:         job.DispatchMeta.EnvHash,
		LockfileContent: job.DispatchMeta.LockfileContent,
	}, true, nil
}

func (a *queueStoreAdapter) CompleteJob(ctx context.Context, id string, status string, resultSummary json.RawMessage, errMsg string, quarantineRows int) error {
	return a.store.CompleteJob(ctx, id, queue.ProcessingStatus(status), resultSummary, errMsg, quarantineRows)
}

func (a *queueStoreAdapter) RetryOrDeadLetter(ctx context.Context, id string, maxRetries int, reason string) (bool, error) {
	return a.store.RetryOrDeadLetter(ctx, id, maxRetries, reason)
}
