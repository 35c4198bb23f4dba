package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateJob inserts a new control-plane job, defaulting its status to
// Pending if unset.
func (s *PostgresStore) CreateJob(ctx context.Context, job ApiJob) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	if job.Status == "" {
		job.Status = ApiJobPending
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_jobs (api_job_id, kind, plugin, input_dir, sink_uri, approval_id, spec_json, status, progress, result, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.Kind, job.Plugin, job.InputDir, nullableString(job.SinkURI), nullableString(job.ApprovalID),
		nullableJSON(job.SpecJSON), job.Status, job.Progress, nullableJSON(job.Result), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("queue: creating job: %w", err)
	}

	return s.insertEventTx(ctx, s.db, job.ID, EventJobCreated, nil)
}

// UpdateJobStatus transitions a job's status, enforcing ValidateJobTransition.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id string, status ApiJobStatus) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, ok, err := scanApiJob(tx.QueryRowContext(ctx,
		`SELECT api_job_id, kind, plugin, input_dir, sink_uri, approval_id, spec_json, status, progress, result, created_at, updated_at
		 FROM api_jobs WHERE api_job_id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("queue: job %q not found", id)
	}

	if err := ValidateJobTransition(job.Status, status); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_jobs SET status = $1, updated_at = $2 WHERE api_job_id = $3`, status, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("queue: updating job status: %w", err)
	}

	eventType := EventJobStarted
	if status.IsTerminal() {
		eventType = EventJobFinished
	}

	payload, _ := json.Marshal(map[string]string{"status": string(status)})

	if err := s.insertEventTx(ctx, tx, id, eventType, payload); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateJobProgress records a job's fractional completion.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_jobs SET progress = $1, updated_at = $2 WHERE api_job_id = $3`, progress, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("queue: updating job progress: %w", err)
	}

	payload, _ := json.Marshal(map[string]float64{"progress": progress})

	if err := s.insertEventTx(ctx, tx, id, EventJobProgress, payload); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateJobResult stores a job's final result payload.
func (s *PostgresStore) UpdateJobResult(ctx context.Context, id string, result json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE api_jobs SET result = $1, updated_at = $2 WHERE api_job_id = $3`, nullableJSON(result), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("queue: updating job result: %w", err)
	}

	return nil
}

// UpdateJobError records an error message inside the job's result
// payload under an "error" key, leaving status transitions (to Failed)
// to UpdateJobStatus.
func (s *PostgresStore) UpdateJobError(ctx context.Context, id string, message string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return fmt.Errorf("queue: serializing job error: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE api_jobs SET result = $1, updated_at = $2 WHERE api_job_id = $3`, []byte(payload), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("queue: updating job error: %w", err)
	}

	return nil
}

// CancelJob idempotently cancels a job: it transitions only non-terminal
// jobs and emits exactly one JobFinished{Cancelled} event the first time
// it actually takes effect. A repeat call returns (false, nil).
func (s *PostgresStore) CancelJob(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("queue: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, ok, err := scanApiJob(tx.QueryRowContext(ctx,
		`SELECT api_job_id, kind, plugin, input_dir, sink_uri, approval_id, spec_json, status, progress, result, created_at, updated_at
		 FROM api_jobs WHERE api_job_id = $1 FOR UPDATE`, id))
	if err != nil {
		return false, err
	}

	if !ok {
		return false, fmt.Errorf("queue: job %q not found", id)
	}

	if job.Status.IsTerminal() {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_jobs SET status = $1, updated_at = $2 WHERE api_job_id = $3`, ApiJobCancelled, time.Now().UTC(), id,
	); err != nil {
		return false, fmt.Errorf("queue: cancelling job: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"status": string(ApiJobCancelled)})

	if err := s.insertEventTx(ctx, tx, id, EventJobFinished, payload); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// ListJobs returns jobs in creation order (newest first), optionally
// filtered by status.
func (s *PostgresStore) ListJobs(ctx context.Context, status ApiJobStatus, limit int) ([]ApiJob, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	query := `SELECT api_job_id, kind, plugin, input_dir, sink_uri, approval_id, spec_json, status, progress, result, created_at, updated_at FROM api_jobs`
	args := []any{}

	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}

	query += ` ORDER BY created_at DESC`

	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: listing jobs: %w", err)
	}
	defer rows.Close()

	var out []ApiJob

	for rows.Next() {
		job, _, err := scanApiJob(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, job)
	}

	return out, rows.Err()
}

// GetJob fetches one control-plane job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (ApiJob, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	return scanApiJob(s.db.QueryRowContext(ctx,
		`SELECT api_job_id, kind, plugin, input_dir, sink_uri, approval_id, spec_json, status, progress, result, created_at, updated_at
		 FROM api_jobs WHERE api_job_id = $1`, id))
}

func scanApiJob(row rowScanner) (ApiJob, bool, error) {
	var (
		job                          ApiJob
		sinkURI, approvalID          sql.NullString
		specJSON, result             []byte
		status                       string
	)

	err := row.Scan(&job.ID, &job.Kind, &job.Plugin, &job.InputDir, &sinkURI, &approvalID, &specJSON,
		&status, &job.Progress, &result, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return ApiJob{}, false, nil
	}

	if err != nil {
		return ApiJob{}, false, fmt.Errorf("queue: scanning job: %w", err)
	}

	job.Status = ApiJobStatus(status)
	job.SinkURI = sinkURI.String
	job.ApprovalID = approvalID.String

	if specJSON != nil {
		job.SpecJSON = json.RawMessage(specJSON)
	}

	if result != nil {
		job.Result = json.RawMessage(result)
	}

	return job, true, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting InsertEvent's
// core logic run either standalone or nested inside a caller's transaction.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertEvent appends an event to job id's stream and returns its
// store-assigned, strictly monotonic event id.
func (s *PostgresStore) InsertEvent(ctx context.Context, jobID string, eventType EventType, payload json.RawMessage) (int64, error) {
	insertCtx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	var eventID int64

	if err := s.insertEventReturningID(insertCtx, s.db, jobID, eventType, payload, &eventID); err != nil {
		return 0, err
	}

	if s.publisher != nil {
		go s.publisher.Publish(context.Background(), ApiJobEvent{
			EventID:   eventID,
			JobID:     jobID,
			EventType: eventType,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		})
	}

	return eventID, nil
}

func (s *PostgresStore) insertEventTx(ctx context.Context, q execer, jobID string, eventType EventType, payload json.RawMessage) error {
	var eventID int64

	return s.insertEventReturningID(ctx, q, jobID, eventType, payload, &eventID)
}

func (s *PostgresStore) insertEventReturningID(ctx context.Context, q execer, jobID string, eventType EventType, payload json.RawMessage, eventID *int64) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO api_job_events (job_id, event_type, payload) VALUES ($1, $2, $3) RETURNING event_id`,
		jobID, eventType, nullableJSON(payload),
	).Scan(eventID)
	if err != nil {
		return fmt.Errorf("queue: inserting event: %w", err)
	}

	return nil
}

// ListEvents returns jobID's events in monotonic order, optionally only
// those after afterEventID (for polling).
func (s *PostgresStore) ListEvents(ctx context.Context, jobID string, afterEventID int64) ([]ApiJobEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, job_id, event_type, payload, created_at
		 FROM api_job_events WHERE job_id = $1 AND event_id > $2 ORDER BY event_id ASC`,
		jobID, afterEventID)
	if err != nil {
		return nil, fmt.Errorf("queue: listing events: %w", err)
	}
	defer rows.Close()

	var out []ApiJobEvent

	for rows.Next() {
		var (
			e         ApiJobEvent
			eventType string
			payload   []byte
		)

		if err := rows.Scan(&e.EventID, &e.JobID, &eventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("queue: scanning event: %w", err)
		}

		e.EventType = EventType(eventType)

		if payload != nil {
			e.Payload = json.RawMessage(payload)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// CreateApproval inserts a new approval (Pending if no status is set)
// with the ExpiresAt it is given.
func (s *PostgresStore) CreateApproval(ctx context.Context, approval Approval) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	if approval.Status == "" {
		approval.Status = ApprovalPending
	}

	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_approvals (id, operation, summary, status, expires_at, linked_job_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		approval.ID, approval.Operation, approval.Summary, approval.Status, approval.ExpiresAt,
		nullableString(approval.LinkedJobID), approval.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("queue: creating approval: %w", err)
	}

	return nil
}

// ApproveApproval mutates a Pending approval to Approved, returning
// false without error if it was not Pending.
func (s *PostgresStore) ApproveApproval(ctx context.Context, id, decidedBy string) (bool, error) {
	return s.decideApproval(ctx, id, ApprovalApproved, decidedBy, "")
}

// RejectApproval mutates a Pending approval to Rejected, returning false
// without error if it was not Pending.
func (s *PostgresStore) RejectApproval(ctx context.Context, id, decidedBy, reason string) (bool, error) {
	return s.decideApproval(ctx, id, ApprovalRejected, decidedBy, reason)
}

func (s *PostgresStore) decideApproval(ctx context.Context, id string, to ApprovalStatus, decidedBy, reason string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("queue: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	approval, ok, err := scanApproval(tx.QueryRowContext(ctx,
		`SELECT id, operation, summary, status, expires_at, decided_at, decided_by, reason, linked_job_id, created_at
		 FROM api_approvals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return false, err
	}

	if !ok {
		return false, fmt.Errorf("queue: approval %q not found", id)
	}

	if approval.Status != ApprovalPending {
		return false, tx.Commit()
	}

	if err := ValidateApprovalTransition(approval.Status, to); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_approvals SET status = $1, decided_at = $2, decided_by = $3, reason = $4 WHERE id = $5`,
		to, time.Now().UTC(), nullableString(decidedBy), nullableString(reason), id,
	); err != nil {
		return false, fmt.Errorf("queue: deciding approval: %w", err)
	}

	return true, tx.Commit()
}

// ExpireApprovals flips every still-Pending approval past its
// expires_at to Expired and reports how many were flipped.
func (s *PostgresStore) ExpireApprovals(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE api_approvals SET status = $1 WHERE status = $2 AND expires_at < $3`,
		ApprovalExpired, ApprovalPending, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: expiring approvals: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: reading rows affected: %w", err)
	}

	return int(n), nil
}

// LinkApproval records the job id an approval ultimately produced.
func (s *PostgresStore) LinkApproval(ctx context.Context, approvalID, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE api_approvals SET linked_job_id = $1 WHERE id = $2`, jobID, approvalID,
	)
	if err != nil {
		return fmt.Errorf("queue: linking approval: %w", err)
	}

	return nil
}

// GetApproval fetches one approval by id.
func (s *PostgresStore) GetApproval(ctx context.Context, id string) (Approval, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	return scanApproval(s.db.QueryRowContext(ctx,
		`SELECT id, operation, summary, status, expires_at, decided_at, decided_by, reason, linked_job_id, created_at
		 FROM api_approvals WHERE id = $1`, id))
}

// ListApprovals returns approvals, optionally filtered by status, newest
// first.
func (s *PostgresStore) ListApprovals(ctx context.Context, status ApprovalStatus) ([]Approval, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	query := `SELECT id, operation, summary, status, expires_at, decided_at, decided_by, reason, linked_job_id, created_at FROM api_approvals`
	args := []any{}

	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}

	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: listing approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval

	for rows.Next() {
		a, _, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	return out, rows.Err()
}

func scanApproval(row rowScanner) (Approval, bool, error) {
	var (
		a                                    Approval
		decidedAt                            sql.NullTime
		decidedBy, reason, linkedJobID        sql.NullString
		status                               string
	)

	err := row.Scan(&a.ID, &a.Operation, &a.Summary, &status, &a.ExpiresAt, &decidedAt, &decidedBy, &reason, &linkedJobID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return Approval{}, false, nil
	}

	if err != nil {
		return Approval{}, false, fmt.Errorf("queue: scanning approval: %w", err)
	}

	a.Status = ApprovalStatus(status)
	a.DecidedBy = decidedBy.String
	a.Reason = reason.String
	a.LinkedJobID = linkedJobID.String

	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}

	return a, true, nil
}

// CleanupOldData removes events older than eventTTL first, then terminal
// jobs older than jobTTL (events reference jobs via a foreign key, so
// this order avoids violating it).
func (s *PostgresStore) CleanupOldData(ctx context.Context, jobTTL, eventTTL time.Duration) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	now := time.Now().UTC()

	eventsRes, err := s.db.ExecContext(ctx,
		`DELETE FROM api_job_events WHERE created_at < $1`, now.Add(-eventTTL))
	if err != nil {
		return 0, 0, fmt.Errorf("queue: cleaning up old events: %w", err)
	}

	eventsRemoved, err := eventsRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: reading events rows affected: %w", err)
	}

	jobsRes, err := s.db.ExecContext(ctx,
		`DELETE FROM api_jobs WHERE status = ANY($1) AND updated_at < $2`,
		pqArrayOfTerminalJobStatuses(), now.Add(-jobTTL))
	if err != nil {
		return int(eventsRemoved), 0, fmt.Errorf("queue: cleaning up old jobs: %w", err)
	}

	jobsRemoved, err := jobsRes.RowsAffected()
	if err != nil {
		return int(eventsRemoved), 0, fmt.Errorf("queue: reading jobs rows affected: %w", err)
	}

	return int(eventsRemoved), int(jobsRemoved), nil
}
