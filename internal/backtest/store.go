package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/casparian-io/casparian/internal/config"
)

const defaultCtxTimeout = 5 * time.Second

// Config holds Postgres connection settings, following the same
// Load<X>Config idiom as schema.Config and storage.Config.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LoadConfig reads backtest store configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		DatabaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// Store persists per-scope high-failure history.
type Store interface {
	RecordFailure(ctx context.Context, scopeID, filePath string, event FailureEvent) (Entry, error)
	RecordSuccess(ctx context.Context, scopeID, filePath string) error
	GetActive(ctx context.Context, scopeID string) ([]Entry, error)
	GetAll(ctx context.Context, scopeID string) ([]Entry, error)
	GetBacktestOrder(ctx context.Context, allFiles []FileInfo, scopeID string) ([]FileInfo, error)
	ClearScope(ctx context.Context, scopeID string) (int, error)
	HealthCheck(ctx context.Context) error
}

// PostgresStore is the database/sql + lib/pq implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection and verifies it is reachable.
func NewPostgresStore(cfg *Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("backtest: opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("backtest: database health check failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database with a bounded timeout.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	return s.db.PingContext(ctx)
}

// RecordFailure appends event to the (scopeID, filePath) history, creating
// the row if it does not yet exist, and increments both failure_count and
// consecutive_failures.
func (s *PostgresStore) RecordFailure(
	ctx context.Context, scopeID, filePath string, event FailureEvent,
) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	now := time.Now().UTC()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("backtest: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, found, err := fetchEntry(ctx, tx, scopeID, filePath)
	if err != nil {
		return Entry{}, err
	}

	if !found {
		entry = Entry{
			ScopeID:        scopeID,
			FilePath:       filePath,
			FirstFailureAt: now,
		}
	}

	entry.TotalFailureCount++
	entry.ConsecutiveFailures++
	entry.LastFailureAt = now
	entry.History = append(entry.History, event)

	historyJSON, err := json.Marshal(entry.History)
	if err != nil {
		return Entry{}, fmt.Errorf("backtest: serializing history: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO backtest_high_failure
			(scope_id, file_path, total_failure_count, consecutive_failures, first_failure_at, last_failure_at, history)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (scope_id, file_path) DO UPDATE SET
			total_failure_count = EXCLUDED.total_failure_count,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_failure_at = EXCLUDED.last_failure_at,
			history = EXCLUDED.history`,
		entry.ScopeID, entry.FilePath, entry.TotalFailureCount, entry.ConsecutiveFailures,
		entry.FirstFailureAt, entry.LastFailureAt, historyJSON,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("backtest: recording failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("backtest: committing failure: %w", err)
	}

	return entry, nil
}

// RecordSuccess zeroes consecutive_failures and marks every unresolved
// history entry resolved. A no-op if the file has no recorded failures.
func (s *PostgresStore) RecordSuccess(ctx context.Context, scopeID, filePath string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("backtest: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, found, err := fetchEntry(ctx, tx, scopeID, filePath)
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	for i := range entry.History {
		if !entry.History[i].Resolved {
			entry.History[i].Resolved = true
			entry.History[i].ResolvedBy = "backtest success"
		}
	}

	historyJSON, err := json.Marshal(entry.History)
	if err != nil {
		return fmt.Errorf("backtest: serializing history: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE backtest_high_failure
		 SET consecutive_failures = 0, history = $1
		 WHERE scope_id = $2 AND file_path = $3`,
		historyJSON, scopeID, filePath,
	)
	if err != nil {
		return fmt.Errorf("backtest: recording success: %w", err)
	}

	return tx.Commit()
}

// GetActive returns every entry for scopeID with consecutive_failures > 0,
// ordered by consecutive_failures descending.
func (s *PostgresStore) GetActive(ctx context.Context, scopeID string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_id, file_path, total_failure_count, consecutive_failures, first_failure_at, last_failure_at, history
		 FROM backtest_high_failure
		 WHERE scope_id = $1 AND consecutive_failures > 0
		 ORDER BY consecutive_failures DESC`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("backtest: listing active entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetAll returns every entry for scopeID, including resolved ones.
func (s *PostgresStore) GetAll(ctx context.Context, scopeID string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_id, file_path, total_failure_count, consecutive_failures, first_failure_at, last_failure_at, history
		 FROM backtest_high_failure
		 WHERE scope_id = $1
		 ORDER BY consecutive_failures DESC, total_failure_count DESC`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("backtest: listing entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetBacktestOrder reorders allFiles per OrderFiles, using the scope's
// persisted failure history.
func (s *PostgresStore) GetBacktestOrder(
	ctx context.Context, allFiles []FileInfo, scopeID string,
) ([]FileInfo, error) {
	entries, err := s.GetAll(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	return OrderFiles(allFiles, entries), nil
}

// ClearScope deletes every entry for scopeID and returns the row count removed.
func (s *PostgresStore) ClearScope(ctx context.Context, scopeID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM backtest_high_failure WHERE scope_id = $1`, scopeID)
	if err != nil {
		return 0, fmt.Errorf("backtest: clearing scope: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backtest: reading rows affected: %w", err)
	}

	return int(affected), nil
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func fetchEntry(ctx context.Context, tx execer, scopeID, filePath string) (Entry, bool, error) {
	var (
		e           Entry
		historyJSON []byte
		firstFail   sql.NullTime
		lastFail    sql.NullTime
	)

	err := tx.QueryRowContext(ctx,
		`SELECT scope_id, file_path, total_failure_count, consecutive_failures, first_failure_at, last_failure_at, history
		 FROM backtest_high_failure WHERE scope_id = $1 AND file_path = $2`,
		scopeID, filePath,
	).Scan(&e.ScopeID, &e.FilePath, &e.TotalFailureCount, &e.ConsecutiveFailures, &firstFail, &lastFail, &historyJSON)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, fmt.Errorf("backtest: fetching entry: %w", err)
	}

	e.FirstFailureAt = firstFail.Time
	e.LastFailureAt = lastFail.Time

	if err := json.Unmarshal(historyJSON, &e.History); err != nil {
		return Entry{}, false, fmt.Errorf("backtest: decoding history: %w", err)
	}

	return e, true, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry

	for rows.Next() {
		var (
			e           Entry
			historyJSON []byte
			firstFail   sql.NullTime
			lastFail    sql.NullTime
		)

		if err := rows.Scan(&e.ScopeID, &e.FilePath, &e.TotalFailureCount, &e.ConsecutiveFailures,
			&firstFail, &lastFail, &historyJSON); err != nil {
			return nil, fmt.Errorf("backtest: scanning entry: %w", err)
		}

		e.FirstFailureAt = firstFail.Time
		e.LastFailureAt = lastFail.Time

		if err := json.Unmarshal(historyJSON, &e.History); err != nil {
			return nil, fmt.Errorf("backtest: decoding history: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}
