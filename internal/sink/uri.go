package sink

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Scheme identifies which concrete Writer a sink URI resolves to.
type Scheme int

const (
	SchemeParquet Scheme = iota
	SchemeCSV
	SchemeDuckDB
	SchemeSQLite
	SchemeFile
)

func (s Scheme) String() string {
	switch s {
	case SchemeParquet:
		return "parquet"
	case SchemeCSV:
		return "csv"
	case SchemeDuckDB:
		return "duckdb"
	case SchemeSQLite:
		return "sqlite"
	case SchemeFile:
		return "file"
	default:
		return "unknown"
	}
}

// ParsedURI is a sink URI broken into its routable parts: Scheme selects
// the writer, Path is the filesystem directory (file writers) or database
// file (DuckDB/SQLite), and Table carries an explicit `?table=` override.
type ParsedURI struct {
	Scheme Scheme
	Path   string
	Table  string
}

// ParseURI recognises "parquet://<dir>", "csv://<dir>",
// "duckdb://<path>?table=<t>", "sqlite://<path>?table=<t>", and
// "file://<path>" (writer chosen by the path's extension).
func ParseURI(raw string) (ParsedURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ParsedURI{}, fmt.Errorf("sink: parsing URI %q: %w", raw, err)
	}

	path := u.Host + u.Path
	table := u.Query().Get("table")

	switch u.Scheme {
	case "parquet":
		return ParsedURI{Scheme: SchemeParquet, Path: path}, nil
	case "csv":
		return ParsedURI{Scheme: SchemeCSV, Path: path}, nil
	case "duckdb":
		return ParsedURI{Scheme: SchemeDuckDB, Path: path, Table: table}, nil
	case "sqlite":
		return ParsedURI{Scheme: SchemeSQLite, Path: path, Table: table}, nil
	case "file":
		return ParsedURI{Scheme: SchemeFile, Path: path, Table: table}, nil
	default:
		return ParsedURI{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// ArtifactURI deterministically renders the final location of one output
// given a parsed sink URI, the output's name, an optional table override,
// and the job that produced it.
func ArtifactURI(parsed ParsedURI, outputName, outputTable, jobID string) (string, error) {
	tableName := outputTable
	if tableName == "" {
		tableName = outputName
	}

	switch parsed.Scheme {
	case SchemeParquet:
		return "file://" + filepath.Join(parsed.Path, OutputFilename(outputName, jobID, "parquet")), nil
	case SchemeCSV:
		return "file://" + filepath.Join(parsed.Path, OutputFilename(outputName, jobID, "csv")), nil
	case SchemeDuckDB:
		return fmt.Sprintf("duckdb://%s?table=%s", parsed.Path, tableName), nil
	case SchemeSQLite:
		return fmt.Sprintf("sqlite://%s?table=%s", parsed.Path, tableName), nil
	case SchemeFile:
		ext := strings.TrimPrefix(filepath.Ext(parsed.Path), ".")
		if ext == "" {
			ext = "parquet"
		}

		parent := filepath.Dir(parsed.Path)

		return "file://" + filepath.Join(parent, OutputFilename(outputName, jobID, ext)), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}
}

// CreateFromURI builds the concrete Writer addressed by a sink URI. For
// SchemeFile the writer is chosen by the path's extension (.parquet, .csv,
// .duckdb/.db, .sqlite).
func CreateFromURI(raw, outputName, outputTable, jobID string) (Writer, error) {
	parsed, err := ParseURI(raw)
	if err != nil {
		return nil, err
	}

	tableName := outputTable
	if tableName == "" {
		tableName = outputName
	}

	switch parsed.Scheme {
	case SchemeParquet:
		return NewParquetSink(parsed.Path, outputName, jobID)
	case SchemeCSV:
		return NewCSVSink(parsed.Path, outputName, jobID)
	case SchemeDuckDB:
		return NewDuckDBSink(parsed.Path, tableName)
	case SchemeSQLite:
		return NewSQLiteSink(parsed.Path, tableName)
	case SchemeFile:
		ext := strings.TrimPrefix(filepath.Ext(parsed.Path), ".")

		switch ext {
		case "parquet":
			return NewParquetSink(filepath.Dir(parsed.Path), outputName, jobID)
		case "csv":
			return NewCSVSink(filepath.Dir(parsed.Path), outputName, jobID)
		case "duckdb", "db":
			return NewDuckDBSink(parsed.Path, tableName)
		case "sqlite":
			return NewSQLiteSink(parsed.Path, tableName)
		default:
			return nil, fmt.Errorf("%w: file extension %q", ErrUnsupportedScheme, ext)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}
}
