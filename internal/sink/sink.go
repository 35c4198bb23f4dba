// Package sink writes validated Arrow record batches to pluggable
// destinations (component D): atomic Parquet/CSV files and transactional
// DuckDB/SQLite tables, all addressed through a common URI scheme and a
// registry that fans a run's batches out to every declared output.
package sink

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
)

// Sentinel errors.
var (
	// ErrNotInitialized is returned when WriteBatch or Finish is called
	// before Init.
	ErrNotInitialized = errors.New("sink: writer not initialized")
	// ErrNoSink is returned by Registry operations against an output name
	// with no registered writer.
	ErrNoSink = errors.New("sink: no writer registered for output")
	// ErrSchemaMismatch is returned by ValidateBatchSchema when a batch's
	// column count, names, or types diverge from the declared schema.
	ErrSchemaMismatch = errors.New("sink: batch schema does not match declared sink schema")
	// ErrUnsupportedScheme is returned by ParseURI for an unrecognised URI
	// scheme, and by CreateFromURI for a file:// URI with an unsupported
	// extension.
	ErrUnsupportedScheme = errors.New("sink: unsupported sink scheme")
)

// Writer is the contract every concrete sink implements: Init prepares the
// destination for a known schema, WriteBatch appends rows and reports how
// many were written, and Finish commits the output exactly once. Finish
// must be called exactly once per Writer; abandoning a Writer without
// calling Finish leaves at most a stray temp file or an empty table behind,
// never a corrupt final artifact.
type Writer interface {
	Init(schema *arrow.Schema) error
	WriteBatch(rec arrow.Record) (uint64, error)
	Finish() error
	Name() string
}

// jobPrefix returns the first 8 characters of jobID, or jobID itself if
// shorter, matching the partitioning scheme used in output file names.
func jobPrefix(jobID string) string {
	if len(jobID) >= 8 {
		return jobID[:8]
	}

	return jobID
}

// OutputFilename renders the "{output_name}_{job_id[:8]}.{ext}" convention
// shared by every file-based sink.
func OutputFilename(outputName, jobID, extension string) string {
	return outputName + "_" + jobPrefix(jobID) + "." + extension
}
