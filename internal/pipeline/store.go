package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/casparian-io/casparian/internal/config"
)

const (
	defaultCtxTimeout = 5 * time.Second
	postgresDriver    = "postgres"
)

// ErrPipelineVersionConflict is returned when Apply races another apply
// of the same pipeline name and loses the version bump.
var ErrPipelineVersionConflict = errors.New("pipeline: version conflict, retry apply")

// Config holds the Postgres connection settings for the pipeline store,
// following the same Load<X>Config idiom as schema.Config.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LoadConfig reads pipeline store configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		DatabaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// Store persists selection specs, pipeline versions, resolved snapshots,
// and run records.
type Store interface {
	SaveSpec(ctx context.Context, spec SelectionSpec) error
	GetSpec(ctx context.Context, specID string) (SelectionSpec, bool, error)

	LatestPipeline(ctx context.Context, name string) (Pipeline, bool, error)
	SavePipeline(ctx context.Context, p Pipeline) error
	GetPipelineVersion(ctx context.Context, name string, version int) (Pipeline, bool, error)
	ListPipelineVersions(ctx context.Context, name string) ([]Pipeline, error)

	SaveSnapshot(ctx context.Context, snap SelectionSnapshot) error
	GetSnapshot(ctx context.Context, specID string, logicalDate time.Time) (SelectionSnapshot, bool, error)

	SaveRun(ctx context.Context, run PipelineRun) error
	GetRun(ctx context.Context, pipelineName string, logicalDate time.Time) (PipelineRun, bool, error)

	HealthCheck(ctx context.Context) error
}

// PostgresStore is the database/sql + lib/pq implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection and verifies it is reachable.
func NewPostgresStore(cfg *Config) (*PostgresStore, error) {
	db, err := sql.Open(postgresDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("pipeline: opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("pipeline: database health check failed: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

// SaveSpec inserts spec, tolerating a re-apply of an identical filter set
// (same spec id, same content) as a no-op.
func (s *PostgresStore) SaveSpec(ctx context.Context, spec SelectionSpec) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selection_specs (spec_id, spec_json, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (spec_id) DO NOTHING`,
		spec.SpecID, spec.FiltersJSON, spec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pipeline: saving selection spec: %w", err)
	}

	return nil
}

// GetSpec fetches one selection spec by id.
func (s *PostgresStore) GetSpec(ctx context.Context, specID string) (SelectionSpec, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT spec_id, spec_json, created_at FROM selection_specs WHERE spec_id = $1`, specID)

	return scanSpec(row)
}

func scanSpec(row rowScanner) (SelectionSpec, bool, error) {
	var spec SelectionSpec

	err := row.Scan(&spec.SpecID, &spec.FiltersJSON, &spec.CreatedAt)
	if err == sql.ErrNoRows {
		return SelectionSpec{}, false, nil
	}

	if err != nil {
		return SelectionSpec{}, false, fmt.Errorf("pipeline: scanning selection spec: %w", err)
	}

	return spec, true, nil
}

// LatestPipeline returns the highest-versioned row for name.
func (s *PostgresStore) LatestPipeline(ctx context.Context, name string) (Pipeline, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, definition, spec_id, created_at
		 FROM pipelines WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)

	return scanPipeline(row)
}

// GetPipelineVersion returns the row at exactly (name, version).
func (s *PostgresStore) GetPipelineVersion(ctx context.Context, name string, version int) (Pipeline, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, definition, spec_id, created_at
		 FROM pipelines WHERE name = $1 AND version = $2`, name, version)

	return scanPipeline(row)
}

// ListPipelineVersions returns every applied version of name, oldest first.
func (s *PostgresStore) ListPipelineVersions(ctx context.Context, name string) ([]Pipeline, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, definition, spec_id, created_at
		 FROM pipelines WHERE name = $1 ORDER BY version ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing pipeline versions: %w", err)
	}
	defer rows.Close()

	var out []Pipeline

	for rows.Next() {
		p, _, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// SavePipeline inserts the next version of a pipeline inside a
// transaction that re-checks the current max version, so two concurrent
// applies of the same name cannot both win with the same version number.
func (s *PostgresStore) SavePipeline(ctx context.Context, p Pipeline) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pipeline: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM pipelines WHERE name = $1`, p.Name,
	).Scan(&maxVersion); err != nil {
		return fmt.Errorf("pipeline: reading max version: %w", err)
	}

	want := 1
	if maxVersion.Valid {
		want = int(maxVersion.Int64) + 1
	}

	if p.Version != want {
		return ErrPipelineVersionConflict
	}

	definitionJSON, err := json.Marshal(p.Definition)
	if err != nil {
		return fmt.Errorf("pipeline: serializing definition: %w", err)
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pipelines (name, version, definition, spec_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.Name, p.Version, definitionJSON, p.SpecID, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pipeline: inserting pipeline version: %w", err)
	}

	return tx.Commit()
}

func scanPipeline(row rowScanner) (Pipeline, bool, error) {
	var (
		p              Pipeline
		definitionJSON []byte
	)

	err := row.Scan(&p.Name, &p.Version, &definitionJSON, &p.SpecID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return Pipeline{}, false, nil
	}

	if err != nil {
		return Pipeline{}, false, fmt.Errorf("pipeline: scanning pipeline: %w", err)
	}

	if err := json.Unmarshal(definitionJSON, &p.Definition); err != nil {
		return Pipeline{}, false, fmt.Errorf("pipeline: decoding definition: %w", err)
	}

	return p, true, nil
}

// SaveSnapshot records (or replaces) the file set a spec resolved to on
// one logical date.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap SelectionSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	fileIDsJSON, err := json.Marshal(snap.FileIDs)
	if err != nil {
		return fmt.Errorf("pipeline: serializing file ids: %w", err)
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO selection_snapshots (spec_id, logical_date, snapshot_hash, watermark, file_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (spec_id, logical_date) DO UPDATE SET
		   snapshot_hash = EXCLUDED.snapshot_hash,
		   watermark     = EXCLUDED.watermark,
		   file_ids      = EXCLUDED.file_ids`,
		snap.SpecID, snap.LogicalDate, snap.SnapshotHash, nullableString(snap.Watermark), fileIDsJSON, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pipeline: saving snapshot: %w", err)
	}

	return nil
}

// GetSnapshot fetches the snapshot for (specID, logicalDate), if any.
func (s *PostgresStore) GetSnapshot(ctx context.Context, specID string, logicalDate time.Time) (SelectionSnapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT spec_id, logical_date, snapshot_hash, watermark, file_ids, created_at
		 FROM selection_snapshots WHERE spec_id = $1 AND logical_date = $2`,
		specID, logicalDate)

	return scanSnapshot(row)
}

func scanSnapshot(row rowScanner) (SelectionSnapshot, bool, error) {
	var (
		snap        SelectionSnapshot
		watermark   sql.NullString
		fileIDsJSON []byte
	)

	err := row.Scan(&snap.SpecID, &snap.LogicalDate, &snap.SnapshotHash, &watermark, &fileIDsJSON, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return SelectionSnapshot{}, false, nil
	}

	if err != nil {
		return SelectionSnapshot{}, false, fmt.Errorf("pipeline: scanning snapshot: %w", err)
	}

	if err := json.Unmarshal(fileIDsJSON, &snap.FileIDs); err != nil {
		return SelectionSnapshot{}, false, fmt.Errorf("pipeline: decoding file ids: %w", err)
	}

	snap.Watermark = watermark.String

	return snap, true, nil
}

// SaveRun inserts or updates the run record for (pipelineName, logicalDate).
func (s *PostgresStore) SaveRun(ctx context.Context, run PipelineRun) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (pipeline_name, logical_date, spec_id, snapshot_hash, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (pipeline_name, logical_date) DO UPDATE SET
		   spec_id       = EXCLUDED.spec_id,
		   snapshot_hash = EXCLUDED.snapshot_hash,
		   status        = EXCLUDED.status`,
		run.PipelineName, run.LogicalDate, run.SpecID, run.SnapshotHash, run.Status, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pipeline: saving run: %w", err)
	}

	return nil
}

// GetRun fetches the run record for (pipelineName, logicalDate), if any.
func (s *PostgresStore) GetRun(ctx context.Context, pipelineName string, logicalDate time.Time) (PipelineRun, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT pipeline_name, logical_date, spec_id, snapshot_hash, status, created_at
		 FROM pipeline_runs WHERE pipeline_name = $1 AND logical_date = $2`,
		pipelineName, logicalDate)

	return scanRun(row)
}

func scanRun(row rowScanner) (PipelineRun, bool, error) {
	var (
		run    PipelineRun
		status string
	)

	err := row.Scan(&run.PipelineName, &run.LogicalDate, &run.SpecID, &run.SnapshotHash, &status, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return PipelineRun{}, false, nil
	}

	if err != nil {
		return PipelineRun{}, false, fmt.Errorf("pipeline: scanning run: %w", err)
	}

	run.Status = RunStatus(status)

	return run, true, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
