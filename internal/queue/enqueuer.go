package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/casparian-io/casparian/internal/pipeline"
	"github.com/casparian-io/casparian/internal/sink"
)

// ParserFingerprintFn resolves a plugin identifier (e.g. "trades@1.2.3")
// to the fingerprint of its currently active bundle — the value baked
// into every MaterializationKey so re-approving or re-installing a
// plugin under a new fingerprint forces re-materialization instead of
// silently reusing stale output. The trust/bundle registry owns the real
// implementation; tests and single-binary deployments may pass a
// function that just echoes the plugin string.
type ParserFingerprintFn func(ctx context.Context, plugin string) (string, error)

// SchemaHashFn resolves a plugin's currently locked contract to the
// content hash of its first schema, for OutputTargetKey. Backed by
// schema.Store.GetContractForScope in a full deployment.
type SchemaHashFn func(ctx context.Context, plugin, outputName string) (string, error)

// EnqueueOnlyStore is the one Store method PipelineJobEnqueuer depends
// on, restated narrowly so tests can fake it without implementing the
// full Store interface.
type EnqueueOnlyStore interface {
	EnqueueJob(ctx context.Context, job ProcessingJob) (enqueued bool, err error)
}

// PipelineJobEnqueuer implements pipeline.JobEnqueuer against a Store,
// turning one matched file into a processing-queue row per declared
// sink, skipping any already materialised under the active parser
// fingerprint and that sink's output target.
type PipelineJobEnqueuer struct {
	Store       EnqueueOnlyStore
	Fingerprint ParserFingerprintFn
	SchemaHash  SchemaHashFn
}

// NewPipelineJobEnqueuer wires a PipelineJobEnqueuer. Either resolver may
// be nil, in which case the plugin string itself stands in as its own
// fingerprint and the schema hash is left empty — adequate for
// deployments that have not yet locked a contract for a plugin.
func NewPipelineJobEnqueuer(store EnqueueOnlyStore, fp ParserFingerprintFn, sh SchemaHashFn) *PipelineJobEnqueuer {
	if fp == nil {
		fp = func(_ context.Context, plugin string) (string, error) { return plugin, nil }
	}

	if sh == nil {
		sh = func(_ context.Context, _, _ string) (string, error) { return "", nil }
	}

	return &PipelineJobEnqueuer{Store: store, Fingerprint: fp, SchemaHash: sh}
}

// EnqueueIfNeeded enqueues one processing-queue row per sink URI in
// sinks, deduplicated on MaterializationKey so a file already
// materialised for every declared sink under the active fingerprint
// contributes zero new rows — the idempotence invariant backing repeat
// pipeline runs.
func (e *PipelineJobEnqueuer) EnqueueIfNeeded(ctx context.Context, run pipeline.PipelineRun, file pipeline.FileRef, plugin string, sinks []string) (int, error) {
	fingerprint, err := e.Fingerprint(ctx, plugin)
	if err != nil {
		return 0, fmt.Errorf("queue: resolving parser fingerprint for %q: %w", plugin, err)
	}

	enqueued := 0

	for _, sinkURI := range sinks {
		parsed, err := sink.ParseURI(sinkURI)
		if err != nil {
			return enqueued, fmt.Errorf("queue: parsing sink uri %q: %w", sinkURI, err)
		}

		schemaHash, err := e.SchemaHash(ctx, plugin, parsed.Table)
		if err != nil {
			return enqueued, fmt.Errorf("queue: resolving schema hash for %q: %w", plugin, err)
		}

		targetKey := pipeline.OutputTargetKey(parsed.Scheme.String(), sinkURI, "append", parsed.Table, schemaHash)
		matKey := pipeline.MaterializationKey(file.ID, file.ModifiedAt, file.Size, fingerprint, targetKey)

		job := ProcessingJob{
			ID:                 uuid.NewString(),
			FileID:             file.ID,
			PipelineRunID:      run.PipelineName + "@" + run.LogicalDate.UTC().Format("2006-01-02"),
			Plugin:             plugin,
			MaterializationKey: matKey,
			Status:             ProcessingQueued,
			DispatchMeta: DispatchMeta{
				FilePath: file.Path,
				Sinks:    []string{sinkURI},
			},
		}

		ok, err := e.Store.EnqueueJob(ctx, job)
		if err != nil {
			return enqueued, fmt.Errorf("queue: enqueuing job for file %q sink %q: %w", file.ID, sinkURI, err)
		}

		if ok {
			enqueued++
		}
	}

	return enqueued, nil
}
