package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/casparian-io/casparian/internal/config"
)

const (
	defaultCtxTimeout = 5 * time.Second
	postgresDriver    = "postgres"
)

// Config holds the Postgres connection settings for the queue store,
// following the same Load<X>Config idiom as schema.Config.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LoadConfig reads queue store configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		DatabaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// Store persists the processing queue, its dead-letter ledger, and the
// control-plane job/event/approval ledger.
type Store interface {
	EnqueueJob(ctx context.Context, job ProcessingJob) (enqueued bool, err error)
	ClaimNextJob(ctx context.Context, plugins []string) (ProcessingJob, bool, error)
	CompleteJob(ctx context.Context, id string, status ProcessingStatus, resultSummary json.RawMessage, errMsg string, quarantineRows int) error
	RetryOrDeadLetter(ctx context.Context, id string, maxRetries int, reason string) (deadLettered bool, err error)
	GetProcessingJob(ctx context.Context, id string) (ProcessingJob, bool, error)
	ListDeadLetters(ctx context.Context, plugin string) ([]DeadLetterEntry, error)

	CreateJob(ctx context.Context, job ApiJob) error
	UpdateJobStatus(ctx context.Context, id string, status ApiJobStatus) error
	UpdateJobProgress(ctx context.Context, id string, progress float64) error
	UpdateJobResult(ctx context.Context, id string, result json.RawMessage) error
	UpdateJobError(ctx context.Context, id string, message string) error
	CancelJob(ctx context.Context, id string) (cancelled bool, err error)
	ListJobs(ctx context.Context, status ApiJobStatus, limit int) ([]ApiJob, error)
	GetJob(ctx context.Context, id string) (ApiJob, bool, error)

	InsertEvent(ctx context.Context, jobID string, eventType EventType, payload json.RawMessage) (eventID int64, err error)
	ListEvents(ctx context.Context, jobID string, afterEventID int64) ([]ApiJobEvent, error)

	CreateApproval(ctx context.Context, approval Approval) error
	ApproveApproval(ctx context.Context, id, decidedBy string) (bool, error)
	RejectApproval(ctx context.Context, id, decidedBy, reason string) (bool, error)
	ExpireApprovals(ctx context.Context) (int, error)
	LinkApproval(ctx context.Context, approvalID, jobID string) error
	GetApproval(ctx context.Context, id string) (Approval, bool, error)
	ListApprovals(ctx context.Context, status ApprovalStatus) ([]Approval, error)

	CleanupOldData(ctx context.Context, jobTTL, eventTTL time.Duration) (eventsRemoved, jobsRemoved int, err error)

	HealthCheck(ctx context.Context) error
}

// EventPublisher mirrors an inserted API job event to an out-of-band
// stream (e.g. Kafka). Publish must never block the caller on a slow or
// unreachable broker for long, and a failure must never surface back to
// InsertEvent: Postgres, not the mirror, is the system of record for the
// monotonic event_id invariant.
type EventPublisher interface {
	Publish(ctx context.Context, event ApiJobEvent)
}

// PostgresStore is the database/sql + lib/pq implementation of Store.
type PostgresStore struct {
	db        *sql.DB
	publisher EventPublisher
}

// NewPostgresStore opens a pooled connection and verifies it is reachable.
func NewPostgresStore(cfg *Config) (*PostgresStore, error) {
	db, err := sql.Open(postgresDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("queue: opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("queue: database health check failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SetEventPublisher attaches a best-effort mirror for every event
// InsertEvent records. Passing nil disables mirroring.
func (s *PostgresStore) SetEventPublisher(p EventPublisher) {
	s.publisher = p
}

// HealthCheck pings the database with a bounded timeout.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// EnqueueJob inserts job, relying on the UNIQUE(materialization_key)
// constraint for materialization idempotence: a repeat enqueue of an
// already-materialised (file, plugin, output) combination is a no-op.
func (s *PostgresStore) EnqueueJob(ctx context.Context, job ProcessingJob) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	if job.Status == "" {
		job.Status = ProcessingQueued
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	dispatchMeta, err := json.Marshal(job.DispatchMeta)
	if err != nil {
		return false, fmt.Errorf("queue: encoding dispatch metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cf_processing_queue
			(id, file_id, pipeline_run_id, plugin, materialization_key, status, priority, retry_count, dispatch_meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (materialization_key) DO NOTHING`,
		job.ID, job.FileID, nullableString(job.PipelineRunID), job.Plugin, job.MaterializationKey,
		job.Status, job.Priority, job.RetryCount, dispatchMeta, job.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("queue: enqueuing job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: reading rows affected: %w", err)
	}

	return n > 0, nil
}

// ClaimNextJob atomically claims the oldest Queued row whose plugin is
// in plugins (or any row, if plugins is empty — the "*" capability),
// ordered by priority descending then age, transitioning it to Running.
// FOR UPDATE SKIP LOCKED lets multiple dispatchers poll concurrently
// without blocking on each other's claims.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, plugins []string) (ProcessingJob, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProcessingJob{}, false, fmt.Errorf("queue: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		row *sql.Row
	)

	if len(plugins) == 0 {
		row = tx.QueryRowContext(ctx,
			`SELECT id FROM cf_processing_queue
			 WHERE status = $1
			 ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
			ProcessingQueued)
	} else {
		row = tx.QueryRowContext(ctx,
			`SELECT id FROM cf_processing_queue
			 WHERE status = $1 AND plugin = ANY($2)
			 ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
			ProcessingQueued, pq.Array(plugins))
	}

	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return ProcessingJob{}, false, nil
	} else if err != nil {
		return ProcessingJob{}, false, fmt.Errorf("queue: selecting claimable job: %w", err)
	}

	now := time.Now().UTC()

	claimRow := tx.QueryRowContext(ctx,
		`UPDATE cf_processing_queue SET status = $1, claim_time = $2 WHERE id = $3
		 RETURNING id, file_id, pipeline_run_id, plugin, materialization_key, status, priority,
		           retry_count, claim_time, end_time, error_message, result_summary, quarantine_rows, dispatch_meta, created_at`,
		ProcessingRunning, now, id)

	job, _, err := scanProcessingJob(claimRow)
	if err != nil {
		return ProcessingJob{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return ProcessingJob{}, false, fmt.Errorf("queue: committing claim: %w", err)
	}

	return job, true, nil
}

// CompleteJob transitions a Running job to a terminal status, recording
// its end time, result summary, error message, and quarantine row count.
func (s *PostgresStore) CompleteJob(ctx context.Context, id string, status ProcessingStatus, resultSummary json.RawMessage, errMsg string, quarantineRows int) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, ok, err := scanProcessingJob(tx.QueryRowContext(ctx,
		`SELECT id, file_id, pipeline_run_id, plugin, materialization_key, status, priority,
		        retry_count, claim_time, end_time, error_message, result_summary, quarantine_rows, dispatch_meta, created_at
		 FROM cf_processing_queue WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("queue: job %q not found", id)
	}

	if err := ValidateQueueTransition(job.Status, status); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cf_processing_queue
		 SET status = $1, end_time = $2, error_message = $3, result_summary = $4, quarantine_rows = $5
		 WHERE id = $6`,
		status, time.Now().UTC(), nullableString(errMsg), nullableJSON(resultSummary), quarantineRows, id,
	); err != nil {
		return fmt.Errorf("queue: completing job: %w", err)
	}

	return tx.Commit()
}

// RetryOrDeadLetter increments a job's retry count; once it reaches
// maxRetries the row is moved verbatim into cf_dead_letter and removed
// from the main queue, otherwise it is reset to Queued for redispatch.
func (s *PostgresStore) RetryOrDeadLetter(ctx context.Context, id string, maxRetries int, reason string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("queue: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, ok, err := scanProcessingJob(tx.QueryRowContext(ctx,
		`SELECT id, file_id, pipeline_run_id, plugin, materialization_key, status, priority,
		        retry_count, claim_time, end_time, error_message, result_summary, quarantine_rows, dispatch_meta, created_at
		 FROM cf_processing_queue WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return false, err
	}

	if !ok {
		return false, fmt.Errorf("queue: job %q not found", id)
	}

	retryCount := job.RetryCount + 1

	if retryCount >= maxRetries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cf_dead_letter (id, original_job_id, plugin, error_message, retry_count, moved_at, reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			newDeadLetterID(id), id, job.Plugin, nullableString(job.ErrorMessage), retryCount, time.Now().UTC(), reason,
		); err != nil {
			return false, fmt.Errorf("queue: dead-lettering job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cf_processing_queue WHERE id = $1`, id); err != nil {
			return false, fmt.Errorf("queue: removing dead-lettered job: %w", err)
		}

		return true, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cf_processing_queue SET status = $1, retry_count = $2, claim_time = NULL, end_time = NULL WHERE id = $3`,
		ProcessingQueued, retryCount, id,
	); err != nil {
		return false, fmt.Errorf("queue: requeuing job: %w", err)
	}

	return false, tx.Commit()
}

// GetProcessingJob fetches one processing-queue row by id.
func (s *PostgresStore) GetProcessingJob(ctx context.Context, id string) (ProcessingJob, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	return scanProcessingJob(s.db.QueryRowContext(ctx,
		`SELECT id, file_id, pipeline_run_id, plugin, materialization_key, status, priority,
		        retry_count, claim_time, end_time, error_message, result_summary, quarantine_rows, dispatch_meta, created_at
		 FROM cf_processing_queue WHERE id = $1`, id))
}

// ListDeadLetters returns dead-lettered entries, optionally filtered by
// plugin, newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, plugin string) ([]DeadLetterEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	query := `SELECT id, original_job_id, plugin, error_message, retry_count, moved_at, reason FROM cf_dead_letter`
	args := []any{}

	if plugin != "" {
		query += ` WHERE plugin = $1`
		args = append(args, plugin)
	}

	query += ` ORDER BY moved_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry

	for rows.Next() {
		var (
			e    DeadLetterEntry
			errMsg sql.NullString
		)

		if err := rows.Scan(&e.ID, &e.OriginalJobID, &e.Plugin, &errMsg, &e.RetryCount, &e.MovedAt, &e.Reason); err != nil {
			return nil, fmt.Errorf("queue: scanning dead letter: %w", err)
		}

		e.ErrorMessage = errMsg.String
		out = append(out, e)
	}

	return out, rows.Err()
}

func scanProcessingJob(row rowScanner) (ProcessingJob, bool, error) {
	var (
		job                          ProcessingJob
		pipelineRunID, errMsg        sql.NullString
		claimTime, endTime           sql.NullTime
		resultSummary, dispatchMeta  []byte
		status                       string
	)

	err := row.Scan(&job.ID, &job.FileID, &pipelineRunID, &job.Plugin, &job.MaterializationKey, &status,
		&job.Priority, &job.RetryCount, &claimTime, &endTime, &errMsg, &resultSummary, &job.QuarantineRows,
		&dispatchMeta, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return ProcessingJob{}, false, nil
	}

	if err != nil {
		return ProcessingJob{}, false, fmt.Errorf("queue: scanning processing job: %w", err)
	}

	job.Status = ProcessingStatus(status)
	job.PipelineRunID = pipelineRunID.String
	job.ErrorMessage = errMsg.String

	if claimTime.Valid {
		job.ClaimTime = &claimTime.Time
	}

	if endTime.Valid {
		job.EndTime = &endTime.Time
	}

	if resultSummary != nil {
		job.ResultSummary = json.RawMessage(resultSummary)
	}

	if len(dispatchMeta) > 0 {
		if err := json.Unmarshal(dispatchMeta, &job.DispatchMeta); err != nil {
			return ProcessingJob{}, false, fmt.Errorf("queue: decoding dispatch metadata: %w", err)
		}
	}

	return job, true, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}

	return b
}

func newDeadLetterID(originalJobID string) string {
	return "dl-" + originalJobID + "-" + time.Now().UTC().Format("20060102150405.000000000")
}

func pqArrayOfTerminalJobStatuses() any {
	return pq.Array([]string{string(ApiJobSucceeded), string(ApiJobFailed), string(ApiJobCancelled)})
}
