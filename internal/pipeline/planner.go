package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrPipelineNotFound is returned when run/backfill target a name with
// no applied pipeline version.
var ErrPipelineNotFound = errors.New("pipeline: no pipeline applied with that name")

// Discovery resolves a selection's path filters against the file
// discovery store, returning every candidate file's id, path, size, and
// modification time. Time-based narrowing (Since, Watermark) is applied
// by the Planner, not Discovery.
type Discovery interface {
	ListFiles(ctx context.Context, filters Filters) ([]FileRef, error)
}

// JobEnqueuer enqueues processing-queue jobs (component I) for files a
// run resolved. It is responsible for resolving plugin to its active
// fingerprint, skipping files already materialised under that
// fingerprint and output target (keyed by MaterializationKey), and
// reports how many jobs it actually enqueued.
type JobEnqueuer interface {
	EnqueueIfNeeded(ctx context.Context, run PipelineRun, file FileRef, plugin string, sinks []string) (enqueued int, err error)
}

// RunResult summarises one run call, including match/enqueue counts for
// dry-run mode and a flag marking a short-circuited repeat of a run
// already persisted for this (name, logical_date).
type RunResult struct {
	Pipeline     Pipeline
	LogicalDate  time.Time
	SpecID       string
	SnapshotHash string
	Status       RunStatus
	MatchedFiles int
	EnqueuedJobs int
	DryRun       bool
	AlreadyRun   bool
}

// Planner implements apply/run/backfill against a Store, a Discovery
// source, and a JobEnqueuer.
type Planner struct {
	store    Store
	discover Discovery
	enqueue  JobEnqueuer
	now      func() time.Time
}

// NewPlanner wires a Planner. enqueue may be nil for dry-run-only use.
func NewPlanner(store Store, discover Discovery, enqueue JobEnqueuer) *Planner {
	return &Planner{store: store, discover: discover, enqueue: enqueue, now: time.Now}
}

// Apply computes the next version for def.Name (max+1), writes its
// selection spec (content-addressed on the canonical filter JSON), and
// writes the new pipeline row embedding that spec id. SavePipeline
// re-derives the version number inside its own transaction, so a race
// against a concurrent Apply of the same name surfaces as
// ErrPipelineVersionConflict rather than a silently wrong version.
func (p *Planner) Apply(ctx context.Context, def PipelineDef) (Pipeline, error) {
	specID, canonicalJSON, err := SpecIdentity(def.Filters)
	if err != nil {
		return Pipeline{}, err
	}

	if err := p.store.SaveSpec(ctx, SelectionSpec{SpecID: specID, FiltersJSON: string(canonicalJSON)}); err != nil {
		return Pipeline{}, err
	}

	latest, ok, err := p.store.LatestPipeline(ctx, def.Name)
	if err != nil {
		return Pipeline{}, err
	}

	version := 1
	if ok {
		version = latest.Version + 1
	}

	pipe := Pipeline{Name: def.Name, Version: version, Definition: def, SpecID: specID, CreatedAt: p.now().UTC()}

	for {
		err := p.store.SavePipeline(ctx, pipe)
		if err == nil {
			return pipe, nil
		}

		if !errors.Is(err, ErrPipelineVersionConflict) {
			return Pipeline{}, err
		}

		latest, _, err2 := p.store.LatestPipeline(ctx, def.Name)
		if err2 != nil {
			return Pipeline{}, err2
		}

		pipe.Version = latest.Version + 1
	}
}

// Run fetches the latest applied pipeline version for name, resolves its
// selection filters into an ordered file-id list for logicalDate, and
// (unless dryRun) persists the resulting snapshot and run row, enqueuing
// a job per matched file not already materialised. A repeat, non-dry-run
// call against a (name, logicalDate) pair that already has a persisted
// run is a no-op: it returns the stored snapshot hash and enqueues
// nothing, matching the "already ran" idempotence guarantee.
func (p *Planner) Run(ctx context.Context, name string, logicalDate time.Time, dryRun bool) (RunResult, error) {
	logicalDate = NormalizeLogicalDate(logicalDate)

	pipe, ok, err := p.store.LatestPipeline(ctx, name)
	if err != nil {
		return RunResult{}, err
	}

	if !ok {
		return RunResult{}, ErrPipelineNotFound
	}

	if existing, found, err := p.store.GetRun(ctx, name, logicalDate); err != nil {
		return RunResult{}, err
	} else if found && !dryRun {
		return RunResult{
			Pipeline: pipe, LogicalDate: logicalDate, SpecID: existing.SpecID,
			SnapshotHash: existing.SnapshotHash, Status: existing.Status, AlreadyRun: true,
		}, nil
	}

	files, err := p.resolveFiles(ctx, pipe.Definition.Filters, logicalDate)
	if err != nil {
		return RunResult{}, err
	}

	fileIDs := make([]string, len(files))
	for i, f := range files {
		fileIDs[i] = f.ID
	}

	snapshotHash := SnapshotHash(pipe.SpecID, logicalDate, fileIDs)

	status := RunNoOp
	if len(files) > 0 {
		status = RunQueued
	}

	result := RunResult{
		Pipeline: pipe, LogicalDate: logicalDate, SpecID: pipe.SpecID,
		SnapshotHash: snapshotHash, Status: status, MatchedFiles: len(files), DryRun: dryRun,
	}

	if dryRun {
		return result, nil
	}

	watermark := ""
	if pipe.Definition.Filters.Watermark {
		watermark = logicalDate.Format("2006-01-02")
	}

	if err := p.store.SaveSnapshot(ctx, SelectionSnapshot{
		SpecID: pipe.SpecID, LogicalDate: logicalDate, SnapshotHash: snapshotHash,
		Watermark: watermark, FileIDs: fileIDs,
	}); err != nil {
		return RunResult{}, err
	}

	run := PipelineRun{
		PipelineName: name, LogicalDate: logicalDate, SpecID: pipe.SpecID,
		SnapshotHash: snapshotHash, Status: status,
	}

	if err := p.store.SaveRun(ctx, run); err != nil {
		return RunResult{}, err
	}

	if p.enqueue != nil {
		for _, f := range files {
			n, err := p.enqueue.EnqueueIfNeeded(ctx, run, f, pipe.Definition.Plugin, pipe.Definition.Sinks)
			if err != nil {
				return RunResult{}, fmt.Errorf("pipeline: enqueuing job for file %s: %w", f.ID, err)
			}

			result.EnqueuedJobs += n
		}
	}

	return result, nil
}

// Backfill calls Run once per inclusive UTC calendar date from start to
// end, stopping at the first error.
func (p *Planner) Backfill(ctx context.Context, name string, start, end time.Time, dryRun bool) ([]RunResult, error) {
	start = NormalizeLogicalDate(start)
	end = NormalizeLogicalDate(end)

	if end.Before(start) {
		return nil, fmt.Errorf("pipeline: backfill end %s precedes start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	var results []RunResult

	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		res, err := p.Run(ctx, name, d, dryRun)
		if err != nil {
			return results, fmt.Errorf("pipeline: backfill run %s: %w", d.Format("2006-01-02"), err)
		}

		results = append(results, res)
	}

	return results, nil
}

// resolveFiles lists candidate files by path filter and narrows them to
// the window implied by Since/Watermark: files are always bounded above
// by the end of logicalDate (a run never sees data from its own future),
// and additionally bounded below by logicalDate minus Since when set.
// Watermark mode takes the upper bound alone, selecting every file known
// as of that day. The matched set is sorted by file id so the resulting
// job-enqueue order is deterministic.
func (p *Planner) resolveFiles(ctx context.Context, filters Filters, logicalDate time.Time) ([]FileRef, error) {
	all, err := p.discover.ListFiles(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing candidate files: %w", err)
	}

	upper := logicalDate.AddDate(0, 0, 1)

	var lower time.Time

	if filters.Since != "" && !filters.Watermark {
		d, err := ParseSince(filters.Since)
		if err != nil {
			return nil, err
		}

		lower = logicalDate.Add(-d)
	}

	matched := make([]FileRef, 0, len(all))

	for _, f := range all {
		if f.ModifiedAt.Before(lower) || !f.ModifiedAt.Before(upper) {
			continue
		}

		matched = append(matched, f)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	return matched, nil
}

// NormalizeLogicalDate truncates t to midnight UTC of its calendar day,
// the form every stored logical_date and snapshot_hash input uses.
func NormalizeLogicalDate(t time.Time) time.Time {
	u := t.UTC()

	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
