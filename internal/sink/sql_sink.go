package sink

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	// DuckDB and SQLite drivers, registered with database/sql under
	// "duckdb" and "sqlite3" respectively.
	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/mattn/go-sqlite3"
)

// sqlSink is the shared transactional writer behind DuckDBSink and
// SQLiteSink: both open a database/sql connection, emit a single
// CREATE TABLE IF NOT EXISTS on Init, and insert each batch inside one
// transaction with a prepared statement.
type sqlSink struct {
	driverName string
	dsn        string
	tableName  string
	typeOf     func(arrow.DataType) string
	quote      func(string) string

	db    *sql.DB
	cols  []string
	rows  uint64
}

func newSQLSink(driverName, dbPath, tableName string, typeOf func(arrow.DataType) string, quote func(string) string) (*sqlSink, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sink: creating database directory: %w", err)
		}
	}

	return &sqlSink{driverName: driverName, dsn: dbPath, tableName: tableName, typeOf: typeOf, quote: quote}, nil
}

func (s *sqlSink) Init(schema *arrow.Schema) error {
	db, err := sql.Open(s.driverName, s.dsn)
	if err != nil {
		return fmt.Errorf("sink: opening %s database: %w", s.driverName, err)
	}

	cols := make([]string, 0, schema.NumFields())
	colDefs := make([]string, 0, schema.NumFields())

	for _, f := range schema.Fields() {
		nullable := ""
		if !f.Nullable {
			nullable = " NOT NULL"
		}

		colDefs = append(colDefs, fmt.Sprintf("%s %s%s", s.quote(f.Name), s.typeOf(f.Type), nullable))
		cols = append(cols, f.Name)
	}

	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.quote(s.tableName), strings.Join(colDefs, ", "))

	if _, err := db.Exec(createSQL); err != nil {
		db.Close()

		return fmt.Errorf("sink: creating table %q: %w", s.tableName, err)
	}

	s.db = db
	s.cols = cols

	return nil
}

func (s *sqlSink) WriteBatch(rec arrow.Record) (uint64, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}

	quotedCols := make([]string, len(s.cols))
	placeholders := make([]string, len(s.cols))

	for i, c := range s.cols {
		quotedCols[i] = s.quote(c)
		placeholders[i] = "?"
	}

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.quote(s.tableName), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("sink: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		return 0, fmt.Errorf("sink: preparing insert: %w", err)
	}
	defer stmt.Close()

	numRows := int(rec.NumRows())
	numCols := int(rec.NumCols())

	for row := 0; row < numRows; row++ {
		args := make([]any, numCols)
		for col := 0; col < numCols; col++ {
			args[col] = arrowValueAt(rec.Column(col), row)
		}

		if _, err := stmt.Exec(args...); err != nil {
			return 0, fmt.Errorf("sink: inserting row %d: %w", row, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sink: committing transaction: %w", err)
	}

	s.rows += uint64(numRows)

	return uint64(numRows), nil
}

func (s *sqlSink) Finish() error {
	if s.db == nil {
		return ErrNotInitialized
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sink: closing %s database: %w", s.driverName, err)
	}

	s.db = nil

	return nil
}

// arrowValueAt converts one cell of an Arrow array to a value database/sql
// can bind; unsupported types fall back to their string representation,
// mirroring the Debug-as-text fallback of the original sink writers.
func arrowValueAt(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}

	switch arr := col.(type) {
	case *array.Boolean:
		return arr.Value(row)
	case *array.Int8:
		return int64(arr.Value(row))
	case *array.Int16:
		return int64(arr.Value(row))
	case *array.Int32:
		return int64(arr.Value(row))
	case *array.Int64:
		return arr.Value(row)
	case *array.Uint8:
		return int64(arr.Value(row))
	case *array.Uint16:
		return int64(arr.Value(row))
	case *array.Uint32:
		return int64(arr.Value(row))
	case *array.Uint64:
		return int64(arr.Value(row))
	case *array.Float32:
		return float64(arr.Value(row))
	case *array.Float64:
		return arr.Value(row)
	case *array.String:
		return arr.Value(row)
	case *array.LargeString:
		return arr.Value(row)
	case *array.Binary:
		return arr.Value(row)
	case *array.LargeBinary:
		return arr.Value(row)
	case *array.Date32:
		return arr.Value(row).ToTime().Format("2006-01-02")
	case *array.Date64:
		return arr.Value(row).ToTime().Format("2006-01-02")
	case *array.Timestamp:
		dt := arr.DataType().(*arrow.TimestampType)

		return arr.Value(row).ToTime(dt.Unit).Format("2006-01-02T15:04:05.999999999Z07:00")
	default:
		return fmt.Sprintf("%v", col.GetOneForMarshal(row))
	}
}

// arrowToSQLiteType maps an Arrow DataType to the closest SQLite storage
// class: INTEGER, REAL, TEXT, or BLOB.
func arrowToSQLiteType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.BOOL,
		arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return "INTEGER"
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return "REAL"
	case arrow.BINARY, arrow.LARGE_BINARY:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func sqliteQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// arrowToDuckDBType maps an Arrow DataType to its closest native DuckDB
// column type, falling back to VARCHAR for anything unrecognised.
func arrowToDuckDBType(dt arrow.DataType) string {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return "BOOLEAN"
	case *arrow.Int8Type:
		return "TINYINT"
	case *arrow.Int16Type:
		return "SMALLINT"
	case *arrow.Int32Type:
		return "INTEGER"
	case *arrow.Int64Type:
		return "BIGINT"
	case *arrow.Uint8Type:
		return "UTINYINT"
	case *arrow.Uint16Type:
		return "USMALLINT"
	case *arrow.Uint32Type:
		return "UINTEGER"
	case *arrow.Uint64Type:
		return "UBIGINT"
	case *arrow.Float32Type:
		return "FLOAT"
	case *arrow.Float64Type:
		return "DOUBLE"
	case *arrow.StringType, *arrow.LargeStringType:
		return "VARCHAR"
	case *arrow.BinaryType, *arrow.LargeBinaryType:
		return "BLOB"
	case *arrow.Date32Type, *arrow.Date64Type:
		return "DATE"
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return "TIMESTAMPTZ"
		}

		return "TIMESTAMP"
	case *arrow.Decimal128Type:
		return fmt.Sprintf("DECIMAL(%d, %d)", t.Precision, t.Scale)
	default:
		return "VARCHAR"
	}
}

func duckDBQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// DuckDBSink writes to a DuckDB database file, creating the target table
// if needed and inserting each batch in one transaction.
type DuckDBSink struct {
	*sqlSink
}

// NewDuckDBSink creates the parent directories of a DuckDB database file
// and returns a sink ready for Init against tableName; Init opens the file.
func NewDuckDBSink(dbPath, tableName string) (*DuckDBSink, error) {
	s, err := newSQLSink("duckdb", dbPath, tableName, arrowToDuckDBType, duckDBQuote)
	if err != nil {
		return nil, err
	}

	return &DuckDBSink{sqlSink: s}, nil
}

func (s *DuckDBSink) Name() string { return s.tableName }

// SQLiteSink writes to a SQLite database file, creating the target table
// if needed and inserting each batch in one transaction.
type SQLiteSink struct {
	*sqlSink
}

// NewSQLiteSink creates the parent directories of a SQLite database file
// and returns a sink ready for Init against tableName; Init opens the file.
func NewSQLiteSink(dbPath, tableName string) (*SQLiteSink, error) {
	s, err := newSQLSink("sqlite3", dbPath, tableName, arrowToSQLiteType, sqliteQuote)
	if err != nil {
		return nil, err
	}

	return &SQLiteSink{sqlSink: s}, nil
}

func (s *SQLiteSink) Name() string { return s.tableName }
