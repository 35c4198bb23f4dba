package validator

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/casparian-io/casparian/internal/arrowutil"
	"github.com/casparian-io/casparian/internal/typeinfer"
)

// ValidateBatch enforces spec against rec (component G). It first checks
// structural compatibility: column count, column sequence (excluding any
// already-present _cf_row_error column), and per-column Arrow<->semantic
// type compatibility per the matrix in compatibility.go. Any structural
// mismatch aborts the whole batch with a hard error.
//
// It then walks every row, flagging a null value in a required column and
// a string-typed value that fails its declared format, and merges every
// per-row failure into a single _cf_row_error column - joined with "; "
// when more than one check fails on the same row, carrying forward any
// errors the batch already had. Per-row failures never abort the batch.
func ValidateBatch(pool memory.Allocator, rec arrow.Record, spec ContractSpec) (arrow.Record, error) {
	if pool == nil {
		pool = memory.DefaultAllocator
	}

	batchSchema := rec.Schema()

	type batchCol struct {
		name string
		idx  int
	}

	cols := make([]batchCol, 0, batchSchema.NumFields())
	existingIdx := -1

	for i, f := range batchSchema.Fields() {
		if f.Name == arrowutil.RowErrorColumn {
			existingIdx = i

			continue
		}

		cols = append(cols, batchCol{name: f.Name, idx: i})
	}

	if len(cols) != len(spec.Columns) {
		return nil, fmt.Errorf("%w: contract has %d columns, batch has %d",
			ErrColumnCountMismatch, len(spec.Columns), len(cols))
	}

	for i, col := range spec.Columns {
		if cols[i].name != col.Name {
			return nil, fmt.Errorf("%w: expected column %d to be %q, got %q",
				ErrColumnNameMismatch, i, col.Name, cols[i].name)
		}

		field := batchSchema.Field(cols[i].idx)
		if ok, _ := compatible(field.Type, col.Type, col.Format); !ok {
			return nil, fmt.Errorf("%w: column %q (%s): batch type %s is not compatible",
				ErrIncompatibleType, col.Name, col.Type.Kind, arrowutil.DescribeType(field.Type))
		}
	}

	numRows := int(rec.NumRows())
	rowErrors := make([]string, numRows)

	if existingIdx >= 0 {
		existing := rec.Column(existingIdx)
		for row := 0; row < numRows; row++ {
			if !existing.IsNull(row) {
				rowErrors[row] = stringValueAt(existing, row)
			}
		}
	}

	for i, col := range spec.Columns {
		arr := rec.Column(cols[i].idx)

		for row := 0; row < numRows; row++ {
			if arr.IsNull(row) {
				if col.Required {
					rowErrors[row] = mergeRowError(rowErrors[row],
						fmt.Sprintf("%s: required column is null", col.Name))
				}

				continue
			}

			if col.Format != "" && isStringFamily(arr.DataType()) {
				value := stringValueAt(arr, row)
				if !typeinfer.ValidateFormat(col.Format, value) {
					rowErrors[row] = mergeRowError(rowErrors[row],
						fmt.Sprintf("%s: value %q does not match format %q", col.Name, value, col.Format))
				}
			}
		}
	}

	return withRowErrorColumn(pool, rec, existingIdx, rowErrors), nil
}

// mergeRowError appends msg to existing, joined with "; " when existing is
// already non-empty.
func mergeRowError(existing, msg string) string {
	if existing == "" {
		return msg
	}

	return existing + "; " + msg
}

// stringValueAt renders one cell as a string for format validation and for
// carrying forward an existing row-error message; types with no natural
// string form fall back to their marshaled representation.
func stringValueAt(arr arrow.Array, row int) string {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	default:
		return fmt.Sprintf("%v", arr.GetOneForMarshal(row))
	}
}

// withRowErrorColumn returns a new record with rowErrors merged into a
// _cf_row_error column, reusing the existing column's width
// (Utf8/LargeUtf8) if rec already carries one, or appending a new Utf8
// column otherwise. An empty message means the row had no failures and is
// stored as a SQL-null, per "_cf_row_error is non-null on row r iff at
// least one check failed on r".
func withRowErrorColumn(pool memory.Allocator, rec arrow.Record, existingIdx int, rowErrors []string) arrow.Record {
	useLarge := false
	if existingIdx >= 0 {
		if _, ok := rec.Column(existingIdx).(*array.LargeString); ok {
			useLarge = true
		}
	}

	var errCol arrow.Array

	if useLarge {
		b := array.NewBuilder(pool, arrow.BinaryTypes.LargeString).(*array.LargeStringBuilder)
		for _, v := range rowErrors {
			if v == "" {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		}

		errCol = b.NewArray()
		b.Release()
	} else {
		b := array.NewStringBuilder(pool)
		for _, v := range rowErrors {
			if v == "" {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		}

		errCol = b.NewArray()
		b.Release()
	}

	fields := make([]arrow.Field, 0, rec.Schema().NumFields()+1)
	arrays := make([]arrow.Array, 0, rec.Schema().NumFields()+1)

	for i := 0; i < int(rec.NumCols()); i++ {
		if i == existingIdx {
			continue
		}

		fields = append(fields, rec.Schema().Field(i))
		arrays = append(arrays, rec.Column(i))
	}

	errType := arrow.BinaryTypes.String
	if useLarge {
		errType = arrow.BinaryTypes.LargeString
	}

	fields = append(fields, arrow.Field{Name: arrowutil.RowErrorColumn, Type: errType, Nullable: true})
	arrays = append(arrays, errCol)

	return array.NewRecord(arrow.NewSchema(fields, nil), arrays, rec.NumRows())
}
