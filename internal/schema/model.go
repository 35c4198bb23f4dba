// Package schema implements the locked-column/schema/contract data model
// (spec component B), its Postgres-backed store, and the approval/amendment
// workflow that transitions a discovered schema into an approved, versioned
// contract (spec component C).
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the closed set of locked-column data types.
type Kind string

// The closed enum of locked-column data types.
const (
	KindNull        Kind = "null"
	KindBoolean     Kind = "boolean"
	KindInt64       Kind = "int64"
	KindFloat64     Kind = "float64"
	KindDate        Kind = "date"
	KindTime        Kind = "time"
	KindTimestamp   Kind = "timestamp"
	KindTimestampTz Kind = "timestamp_tz"
	KindDuration    Kind = "duration"
	KindString      Kind = "string"
	KindBinary      Kind = "binary"
	KindDecimal     Kind = "decimal"
	KindList        Kind = "list"
	KindStruct      Kind = "struct"
)

// DataType is a closed-enum column type. Only the fields relevant to Kind
// are populated: TZ for KindTimestampTz, Precision/Scale for KindDecimal,
// Item for KindList, Fields for KindStruct.
type DataType struct {
	Kind      Kind
	TZ        string
	Precision int
	Scale     int
	Item      *DataType
	Fields    []Column
}

// canonical renders a DataType as a stable string for hashing, independent
// of any struct field ordering concerns.
func (d DataType) canonical() string {
	switch d.Kind {
	case KindTimestampTz:
		return fmt.Sprintf("timestamp_tz(%s)", d.TZ)
	case KindDecimal:
		return fmt.Sprintf("decimal(%d,%d)", d.Precision, d.Scale)
	case KindList:
		if d.Item == nil {
			return "list(?)"
		}

		return fmt.Sprintf("list(%s)", d.Item.canonical())
	case KindStruct:
		parts := make([]string, 0, len(d.Fields))
		for _, f := range d.Fields {
			parts = append(parts, f.contentHashInput())
		}

		return fmt.Sprintf("struct(%s)", strings.Join(parts, ";"))
	default:
		return string(d.Kind)
	}
}

// Column is a locked column: a name, a closed-enum type, a nullability
// flag, an optional strftime-style format (temporal types only), and an
// optional human description. A column's content hash is a stable digest
// of (name, type, nullable, format) - description never participates,
// since it is documentation, not identity.
type Column struct {
	Name        string
	Type        DataType
	Nullable    bool
	Format      string
	Description string
}

func (c Column) contentHashInput() string {
	return fmt.Sprintf("%s|%s|%t|%s", c.Name, c.Type.canonical(), c.Nullable, c.Format)
}

// ContentHash returns the stable SHA-256 digest of (name, type, nullable,
// format), hex-encoded.
func (c Column) ContentHash() string {
	sum := sha256.Sum256([]byte(c.contentHashInput()))

	return hex.EncodeToString(sum[:])
}

// LockedSchema is an ordered sequence of locked columns plus a human name,
// an optional source pattern, with identity derived from the tuple of
// column hashes and the schema name.
type LockedSchema struct {
	Name          string
	Columns       []Column
	SourcePattern string
}

// ContentHash returns the schema's identity hash: SHA-256 of the ordered
// column content hashes plus the schema name. Two schemas with the same
// columns in the same order and the same name are identical for every
// purpose the platform cares about (approval conflict detection,
// amendment no-ops).
func (s LockedSchema) ContentHash() string {
	parts := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		parts = append(parts, c.ContentHash())
	}

	parts = append(parts, s.Name)

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))

	return hex.EncodeToString(sum[:])
}

// DuplicateOutputColumnNames returns the set of column names that appear
// more than once in the schema (post-rename), in first-seen order.
func (s LockedSchema) DuplicateOutputColumnNames() []string {
	seen := make(map[string]int, len(s.Columns))

	var dupes []string

	for _, c := range s.Columns {
		seen[c.Name]++
		if seen[c.Name] == 2 {
			dupes = append(dupes, c.Name)
		}
	}

	return dupes
}

// HasNestedTypes reports whether the schema contains any List or Struct
// column, which spec invariant I3 requires an explicit allow-nested flag
// for at approval time.
func (s LockedSchema) HasNestedTypes() bool {
	for _, c := range s.Columns {
		if c.Type.Kind == KindList || c.Type.Kind == KindStruct {
			return true
		}
	}

	return false
}

// Contract is the persistent commitment a scope has made to a set of
// locked schemas at a given version. Contract identity is (ScopeID,
// Version) - invariant I1.
type Contract struct {
	ScopeID          string
	Version          int
	Schemas          []LockedSchema
	Approver         string
	CreatedAt        time.Time
	LogicHash        string
	QuarantinePolicy string
}

// FirstSchemaContentHash returns the content hash of the contract's first
// schema - the value indexed for conflict detection per invariant I2.
func (c Contract) FirstSchemaContentHash() string {
	if len(c.Schemas) == 0 {
		return ""
	}

	return c.Schemas[0].ContentHash()
}

// ScopeID computes the deterministic scope identifier
// SHA256(parser_id:parser_version:output_table_name).
func ScopeID(parserID, parserVersion, outputTableName string) string {
	sum := sha256.Sum256([]byte(parserID + ":" + parserVersion + ":" + outputTableName))

	return hex.EncodeToString(sum[:])
}

// Sentinel errors shared by the store and approval/amendment workflow.
var (
	ErrSchemaHashConflict     = errors.New("schema: contract with same (scope_id, first_schema_content_hash) exists at a different version")
	ErrVersionNotIncreasing   = errors.New("schema: new contract version must be strictly greater than the stored maximum")
	ErrContractNotFound       = errors.New("schema: contract not found")
	ErrNestedTypesNotAllowed  = errors.New("schema: List/Struct columns require allow_nested at approval time")
	ErrDuplicateColumnName    = errors.New("schema: duplicate output column name")
	ErrNoVariantApproved      = errors.New("schema: at least one variant must be approved")
	ErrParserIdentityEmpty    = errors.New("schema: parser_id and parser_version must be non-empty")
	ErrEmptyColumnName        = errors.New("schema: column name must not be empty")
	ErrMultiOutputUnsupported = errors.New("schema: approving variants with more than one output_table_name is not supported in v1")
	ErrAmendmentNotPending    = errors.New("schema: amendment proposal is not Pending")
	ErrChangeSetInfeasible    = errors.New("schema: change-set references a column that does not exist")
)

// sortedCopy returns a sorted copy of names, used for deterministic
// duplicate-name error reporting and test stability.
func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)

	return out
}
