package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoCapableWorker is returned by TryDispatch when no connected worker
// advertises the job's plugin with spare concurrency.
var ErrNoCapableWorker = errors.New("dispatcher: no capable worker available")

// JobSource is the subset of the processing queue store the dispatcher
// needs: claiming the next runnable job and reporting outcomes. Kept as
// an interface (rather than importing internal/queue directly) so this
// package's tests can exercise dispatch logic against an in-memory fake.
type JobSource interface {
	ClaimNextJob(ctx context.Context, plugins []string) (ClaimedJob, bool, error)
	CompleteJob(ctx context.Context, id string, status string, resultSummary json.RawMessage, errMsg string, quarantineRows int) error
	RetryOrDeadLetter(ctx context.Context, id string, maxRetries int, reason string) (deadLettered bool, err error)
}

// ClaimedJob is the minimal shape a JobSource hands back for dispatch —
// a structural mirror of queue.ProcessingJob so this package does not
// need to import internal/queue.
type ClaimedJob struct {
	ID              string
	FileID          string
	PipelineRunID   string
	Plugin          string
	FilePath        string
	FileVersionID   string
	SourceCode      string
	Sinks           []string
	EnvHash         string
	LockfileContent string
}

// WorkerConn is a live connection to one worker: anything the dispatcher
// can write wire messages to.
type WorkerConn interface {
	Send(msg Message) error
}

// Dispatcher routes claimed processing-queue jobs to capable, idle
// workers and relays Conclude/Abort traffic back into the queue store.
type Dispatcher struct {
	registry     *Registry
	source       JobSource
	conns        map[string]WorkerConn
	maxRetries   int
	abortTimeout time.Duration

	mu       sync.Mutex
	jobIDs   map[uint64]string // wire job-id hash -> queue row id, set on dispatch
}

// New builds a Dispatcher over registry and source.
func New(registry *Registry, source JobSource, maxRetries int) *Dispatcher {
	return &Dispatcher{
		registry:     registry,
		source:       source,
		conns:        make(map[string]WorkerConn),
		maxRetries:   maxRetries,
		abortTimeout: 30 * time.Second,
		jobIDs:       make(map[uint64]string),
	}
}

// ResolveJobID recovers the queue row id a wire job-id hash refers to,
// for callers (e.g. the sentinel's Conclude handler) that only have the
// one-way FNV hash a Conclude message's header carries. Returns false if
// the hash was never dispatched, or was already resolved and cleared by
// a prior HandleConclude.
func (d *Dispatcher) ResolveJobID(hash uint64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.jobIDs[hash]

	return id, ok
}

// Connect associates a live connection with a worker id, so later
// dispatches and aborts can be written to it.
func (d *Dispatcher) Connect(workerID string, conn WorkerConn) {
	d.conns[workerID] = conn
}

// Disconnect drops a worker's connection. Call this alongside
// Registry.Remove when a socket closes.
func (d *Dispatcher) Disconnect(workerID string) {
	delete(d.conns, workerID)
}

// TryDispatch claims the next queued job whose plugin is among plugins
// (or any job, if plugins is empty) and, if a capable idle worker is
// registered, sends it a Dispatch message. If no job is claimable it
// returns (false, nil). If a job is claimed but no worker qualifies it
// returns ErrNoCapableWorker; the claimed job stays Running in the
// queue, since this function does not un-claim it.
func (d *Dispatcher) TryDispatch(ctx context.Context, plugins []string) (bool, error) {
	job, ok, err := d.source.ClaimNextJob(ctx, plugins)
	if err != nil {
		return false, fmt.Errorf("dispatcher: claiming job: %w", err)
	}

	if !ok {
		return false, nil
	}

	workerID, ok := d.registry.FindCapable(job.Plugin)
	if !ok {
		return false, ErrNoCapableWorker
	}

	conn, ok := d.conns[workerID]
	if !ok {
		return false, fmt.Errorf("dispatcher: worker %q has no live connection", workerID)
	}

	msg, err := EncodeMessage(OpDispatch, jobIDHash(job.ID), DispatchPayload{
		JobID:           job.ID,
		PluginName:      job.Plugin,
		SourceCode:      job.SourceCode,
		FilePath:        job.FilePath,
		FileVersionID:   job.FileVersionID,
		Sinks:           job.Sinks,
		EnvHash:         job.EnvHash,
		LockfileContent: job.LockfileContent,
	})
	if err != nil {
		return false, err
	}

	if err := conn.Send(msg); err != nil {
		return false, fmt.Errorf("dispatcher: sending dispatch to %q: %w", workerID, err)
	}

	d.registry.MarkDispatched(workerID, job.ID)

	d.mu.Lock()
	d.jobIDs[jobIDHash(job.ID)] = job.ID
	d.mu.Unlock()

	return true, nil
}

// HandleConclude applies a worker's Conclude message to the queue store
// and the registry's load accounting.
func (d *Dispatcher) HandleConclude(ctx context.Context, workerID, jobID string, payload ConcludePayload) error {
	d.registry.MarkConcluded(workerID, jobID)

	d.mu.Lock()
	delete(d.jobIDs, jobIDHash(jobID))
	d.mu.Unlock()

	switch payload.Status {
	case ConcludeRejected:
		deadLettered, err := d.source.RetryOrDeadLetter(ctx, jobID, d.maxRetries, "rejected: worker over capacity")
		if err != nil {
			return fmt.Errorf("dispatcher: requeuing rejected job %q: %w", jobID, err)
		}

		_ = deadLettered

		return nil
	case ConcludeSuccess, ConcludeFailed, ConcludeAborted:
		result := resultSummary(payload)

		if err := d.source.CompleteJob(ctx, jobID, string(payload.Status), result, payload.ErrorMessage, 0); err != nil {
			return fmt.Errorf("dispatcher: completing job %q: %w", jobID, err)
		}

		return nil
	default:
		return fmt.Errorf("dispatcher: unknown conclude status %q for job %q", payload.Status, jobID)
	}
}

// HandleAbort forwards an Abort request to the owning worker's
// connection, identified by looking up which worker currently has jobID
// active.
func (d *Dispatcher) HandleAbort(jobID string) error {
	for workerID, conn := range d.conns {
		w, ok := d.registry.Get(workerID)
		if !ok {
			continue
		}

		for _, active := range w.ActiveJobIDs {
			if active != jobID {
				continue
			}

			msg, err := EncodeMessage(OpAbort, jobIDHash(jobID), AbortPayload{JobID: jobID})
			if err != nil {
				return err
			}

			return conn.Send(msg)
		}
	}

	return fmt.Errorf("dispatcher: no connected worker owns job %q", jobID)
}

// HandleWorkerLost surfaces a job abandoned by a worker whose heartbeat
// went stale as Failed with a worker_lost reason, without retrying it —
// retry policy belongs to the enqueuer.
func (d *Dispatcher) HandleWorkerLost(ctx context.Context, lj LostJob) error {
	d.Disconnect(lj.WorkerID)

	payload, _ := json.Marshal(map[string]string{"reason": "worker_lost"})

	if err := d.source.CompleteJob(ctx, lj.JobID, "Failed", payload, "worker_lost", 0); err != nil {
		return fmt.Errorf("dispatcher: marking job %q lost: %w", lj.JobID, err)
	}

	return nil
}

func resultSummary(payload ConcludePayload) json.RawMessage {
	summary := map[string]any{
		"rows":      payload.Rows,
		"artifacts": payload.Artifacts,
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return nil
	}

	return raw
}

// jobIDHash folds a string job id into the wire protocol's 64-bit job id
// field using FNV-1a, so callers can keep string ids in the store while
// the wire header stays a fixed-width integer.
func jobIDHash(id string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	h := uint64(offset64)

	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= prime64
	}

	return h
}
