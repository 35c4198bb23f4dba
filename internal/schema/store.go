package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/casparian-io/casparian/internal/config"
)

const (
	defaultCtxTimeout = 5 * time.Second
	postgresDriver    = "postgres"
)

// Config holds the Postgres connection settings for the schema store,
// loaded the same way as storage.Config; it has no Validate method.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LoadConfig reads schema store configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		DatabaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// Store persists locked schemas, contracts, and amendment proposals.
type Store interface {
	SaveContract(ctx context.Context, c Contract) error
	GetContractForScope(ctx context.Context, scopeID string) (Contract, bool, error)
	ListContracts(ctx context.Context, scopeID string) ([]Contract, error)
	GetContractByID(ctx context.Context, scopeID string, version int) (Contract, bool, error)
	SaveAmendment(ctx context.Context, a AmendmentProposal) error
	GetAmendment(ctx context.Context, id string) (AmendmentProposal, bool, error)
	ListAmendments(ctx context.Context, scopeID string) ([]AmendmentProposal, error)
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
		return nil, fmt.Errorf("schema: opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("schema: database health check failed: %w", err)
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

// SaveContract persists c, enforcing invariants I1/I2: the new version
// must strictly exceed the scope's current maximum, and a row sharing
// (scope_id, first_schema_content_hash) may not exist at a different
// version.
func (s *PostgresStore) SaveContract(ctx context.Context, c Contract) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_contracts WHERE scope_id = $1`, c.ScopeID,
	).Scan(&maxVersion); err != nil {
		return fmt.Errorf("schema: reading max version: %w", err)
	}

	if maxVersion.Valid && int64(c.Version) <= maxVersion.Int64 {
		return ErrVersionNotIncreasing
	}

	var conflictVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT version FROM schema_contracts WHERE scope_id = $1 AND first_schema_hash = $2 AND version <> $3`,
		c.ScopeID, c.FirstSchemaContentHash(), c.Version,
	).Scan(&conflictVersion); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("schema: checking hash conflict: %w", err)
	} else if err == nil {
		return ErrSchemaHashConflict
	}

	schemasJSON, err := json.Marshal(c.Schemas)
	if err != nil {
		return fmt.Errorf("schema: serializing schemas: %w", err)
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_contracts
			(scope_id, version, first_schema_hash, schemas, approver, created_at, logic_hash, quarantine_policy)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ScopeID, c.Version, c.FirstSchemaContentHash(), schemasJSON, c.Approver, c.CreatedAt,
		nullableString(c.LogicHash), nullableString(c.QuarantinePolicy),
	)
	if err != nil {
		return fmt.Errorf("schema: inserting contract: %w", err)
	}

	return tx.Commit()
}

// GetContractForScope returns the highest-versioned contract for scopeID.
func (s *PostgresStore) GetContractForScope(ctx context.Context, scopeID string) (Contract, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT scope_id, version, schemas, approver, created_at, logic_hash, quarantine_policy
		 FROM schema_contracts WHERE scope_id = $1 ORDER BY version DESC LIMIT 1`, scopeID)

	return scanContract(row)
}

// GetContractByID returns the contract at exactly (scopeID, version).
func (s *PostgresStore) GetContractByID(ctx context.Context, scopeID string, version int) (Contract, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT scope_id, version, schemas, approver, created_at, logic_hash, quarantine_policy
		 FROM schema_contracts WHERE scope_id = $1 AND version = $2`, scopeID, version)

	return scanContract(row)
}

// ListContracts returns every version of scopeID's contract, oldest first.
func (s *PostgresStore) ListContracts(ctx context.Context, scopeID string) ([]Contract, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_id, version, schemas, approver, created_at, logic_hash, quarantine_policy
		 FROM schema_contracts WHERE scope_id = $1 ORDER BY version ASC`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("schema: listing contracts: %w", err)
	}
	defer rows.Close()

	var out []Contract

	for rows.Next() {
		c, _, err := scanContractRows(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (Contract, bool, error) {
	var (
		c                                   Contract
		schemasJSON                         []byte
		logicHash, quarantinePolicy         sql.NullString
	)

	err := row.Scan(&c.ScopeID, &c.Version, &schemasJSON, &c.Approver, &c.CreatedAt, &logicHash, &quarantinePolicy)
	if err == sql.ErrNoRows {
		return Contract{}, false, nil
	}

	if err != nil {
		return Contract{}, false, fmt.Errorf("schema: scanning contract: %w", err)
	}

	if err := json.Unmarshal(schemasJSON, &c.Schemas); err != nil {
		return Contract{}, false, fmt.Errorf("schema: decoding schemas: %w", err)
	}

	c.LogicHash = logicHash.String
	c.QuarantinePolicy = quarantinePolicy.String

	return c, true, nil
}

func scanContractRows(rows *sql.Rows) (Contract, bool, error) {
	return scanContract(rows)
}

// SaveAmendment inserts or updates an amendment proposal.
func (s *PostgresStore) SaveAmendment(ctx context.Context, a AmendmentProposal) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	changeSetJSON, err := json.Marshal(a.ChangeSet)
	if err != nil {
		return fmt.Errorf("schema: serializing change-set: %w", err)
	}

	schemaJSON, err := json.Marshal(a.ProposedSchema)
	if err != nil {
		return fmt.Errorf("schema: serializing proposed schema: %w", err)
	}

	samplesJSON, err := json.Marshal(a.SampleEvidence)
	if err != nil {
		return fmt.Errorf("schema: serializing sample evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schema_amendments
			(id, scope_id, reason, proposed_schema, change_set, affected_file_count, sample_evidence, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		a.ID, a.ScopeID, a.Reason, schemaJSON, changeSetJSON, a.AffectedFileCount, samplesJSON, a.Status, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("schema: saving amendment: %w", err)
	}

	return nil
}

// GetAmendment fetches one amendment proposal by id.
func (s *PostgresStore) GetAmendment(ctx context.Context, id string) (AmendmentProposal, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope_id, reason, proposed_schema, change_set, affected_file_count, sample_evidence, status, created_at
		 FROM schema_amendments WHERE id = $1`, id)

	return scanAmendment(row)
}

// ListAmendments returns every amendment proposal for scopeID, newest first.
func (s *PostgresStore) ListAmendments(ctx context.Context, scopeID string) ([]AmendmentProposal, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCtxTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope_id, reason, proposed_schema, change_set, affected_file_count, sample_evidence, status, created_at
		 FROM schema_amendments WHERE scope_id = $1 ORDER BY created_at DESC`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("schema: listing amendments: %w", err)
	}
	defer rows.Close()

	var out []AmendmentProposal

	for rows.Next() {
		a, _, err := scanAmendment(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	return out, rows.Err()
}

func scanAmendment(row rowScanner) (AmendmentProposal, bool, error) {
	var (
		a                              AmendmentProposal
		schemaJSON, changeSetJSON      []byte
		samplesJSON                    []byte
	)

	err := row.Scan(&a.ID, &a.ScopeID, &a.Reason, &schemaJSON, &changeSetJSON, &a.AffectedFileCount, &samplesJSON, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return AmendmentProposal{}, false, nil
	}

	if err != nil {
		return AmendmentProposal{}, false, fmt.Errorf("schema: scanning amendment: %w", err)
	}

	if err := json.Unmarshal(schemaJSON, &a.ProposedSchema); err != nil {
		return AmendmentProposal{}, false, fmt.Errorf("schema: decoding proposed schema: %w", err)
	}

	if err := json.Unmarshal(changeSetJSON, &a.ChangeSet); err != nil {
		return AmendmentProposal{}, false, fmt.Errorf("schema: decoding change-set: %w", err)
	}

	if err := json.Unmarshal(samplesJSON, &a.SampleEvidence); err != nil {
		return AmendmentProposal{}, false, fmt.Errorf("schema: decoding sample evidence: %w", err)
	}

	return a, true, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
