// Package arrowutil provides small Arrow schema and array helpers shared by
// the sink, validator, and worker packages, so none of them duplicate the
// same field-rename or lineage-append plumbing.
package arrowutil

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// LineageColumns are the four string columns injected into every batch
// before it reaches a sink.
var LineageColumns = []string{
	"_cf_source_hash",
	"_cf_job_id",
	"_cf_processed_at",
	"_cf_parser_version",
}

// RowErrorColumn is the name of the merged per-row validation error column.
const RowErrorColumn = "_cf_row_error"

// FieldByName returns the field with the given name and its index, or
// (nil, -1, false) if the schema has no such field.
func FieldByName(schema *arrow.Schema, name string) (*arrow.Field, int, bool) {
	idx := schema.FieldIndices(name)
	if len(idx) == 0 {
		return nil, -1, false
	}

	f := schema.Field(idx[0])

	return &f, idx[0], true
}

// HasLineageColumns reports whether every lineage column is already present
// in schema, so AppendLineage can be made idempotent.
func HasLineageColumns(schema *arrow.Schema) bool {
	for _, name := range LineageColumns {
		if _, _, ok := FieldByName(schema, name); !ok {
			return false
		}
	}

	return true
}

// AppendLineage returns a new schema that is schema plus the four lineage
// string fields, each non-nullable Utf8. It is a no-op (returns schema
// unchanged) if the lineage fields are already present.
func AppendLineage(schema *arrow.Schema) *arrow.Schema {
	if HasLineageColumns(schema) {
		return schema
	}

	fields := make([]arrow.Field, 0, schema.NumFields()+len(LineageColumns))
	fields = append(fields, schema.Fields()...)

	for _, name := range LineageColumns {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: false})
	}

	return arrow.NewSchema(fields, nil)
}

// AppendLineageColumns builds the four lineage arrays (one value repeated
// for every row of batch) and returns a new record with those columns
// appended, sharing the original arrays where possible.
func AppendLineageColumns(pool memory.Allocator, rec arrow.Record, sourceHash, jobID, processedAt, parserVersion string) arrow.Record {
	n := int(rec.NumRows())

	cols := make([]arrow.Array, 0, int(rec.NumCols())+len(LineageColumns))
	for i := 0; i < int(rec.NumCols()); i++ {
		cols = append(cols, rec.Column(i))
	}

	values := []string{sourceHash, jobID, processedAt, parserVersion}
	for _, v := range values {
		b := array.NewStringBuilder(pool)
		for i := 0; i < n; i++ {
			b.Append(v)
		}

		cols = append(cols, b.NewArray())
		b.Release()
	}

	schema := AppendLineage(rec.Schema())

	return array.NewRecord(schema, cols, int64(n))
}

// SchemaFieldNames returns the ordered field names of schema, optionally
// excluding excludeName (used to ignore an already-present row-error
// column when comparing a batch against a declared contract).
func SchemaFieldNames(schema *arrow.Schema, excludeName string) []string {
	names := make([]string, 0, schema.NumFields())

	for _, f := range schema.Fields() {
		if f.Name == excludeName {
			continue
		}

		names = append(names, f.Name)
	}

	return names
}

// EqualFieldNames reports whether two schemas have the same field names in
// the same order, ignoring excludeName in both.
func EqualFieldNames(a, b *arrow.Schema, excludeName string) bool {
	an := SchemaFieldNames(a, excludeName)
	bn := SchemaFieldNames(b, excludeName)

	if len(an) != len(bn) {
		return false
	}

	for i := range an {
		if an[i] != bn[i] {
			return false
		}
	}

	return true
}

// DescribeType renders an Arrow DataType in a short human-readable form for
// error messages and logs.
func DescribeType(t arrow.DataType) string {
	return fmt.Sprintf("%s(%s)", t.Name(), t.ID())
}
