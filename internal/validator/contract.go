// Package validator enforces a locked schema contract against Arrow record
// batches (spec component G): structural column-sequence checks, an
// Arrow-to-semantic compatibility matrix, and per-row null/format checks
// merged into a single _cf_row_error column.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/casparian-io/casparian/internal/schema"
)

// Sentinel errors. The first three are structural and always abort the
// batch; the rest are contract-parsing failures.
var (
	ErrColumnCountMismatch  = errors.New("validator: batch column count does not match contract")
	ErrColumnNameMismatch   = errors.New("validator: batch column sequence does not match contract")
	ErrIncompatibleType     = errors.New("validator: batch column type is not compatible with contract type")
	ErrInvalidContractJSON  = errors.New("validator: malformed contract JSON")
	ErrUnknownDType         = errors.New("validator: unrecognised dtype string")
	ErrMalformedDecimalSpec = errors.New("validator: malformed decimal dtype")
)

// ColumnSpec is one column of a parsed contract: its declared semantic
// type, whether it is required (non-nullable), and an optional
// strftime-like format for string-typed temporal/duration columns.
type ColumnSpec struct {
	Name     string
	Type     schema.DataType
	Required bool
	Format   string
}

// ContractSpec is a parsed contract ready to validate batches against.
type ContractSpec struct {
	Columns []ColumnSpec
}

// rawContract and rawColumn mirror the on-wire contract JSON shape. DType
// is kept as a json.RawMessage since it may be a bare string (Polars/Pandas
// style dtype) or, for List/Struct columns, a nested object.
type rawContract struct {
	Columns []rawColumn `json:"columns"`
}

type rawColumn struct {
	Name     string          `json:"name"`
	DType    json.RawMessage `json:"dtype"`
	Required bool            `json:"required"`
	Nullable bool            `json:"nullable"`
	Format   string          `json:"format"`
}

// rawNestedDType is the object form of dtype used for List/Struct columns.
type rawNestedDType struct {
	Kind   string          `json:"kind"`
	Item   json.RawMessage `json:"item"`
	Fields []rawColumn     `json:"fields"`
}

// ParseContractJSON parses a serialized contract, tolerating both
// Polars-style (`datetime(time_zone='UTC')`, `decimal(precision=10,
// scale=2)`) and Pandas-style (`datetime64[ns, UTC]`) dtype strings, as
// well as the platform's own canonical names.
func ParseContractJSON(data []byte) (ContractSpec, error) {
	var raw rawContract
	if err := json.Unmarshal(data, &raw); err != nil {
		return ContractSpec{}, fmt.Errorf("%w: %w", ErrInvalidContractJSON, err)
	}

	cols := make([]ColumnSpec, 0, len(raw.Columns))

	for _, rc := range raw.Columns {
		col, err := parseColumn(rc)
		if err != nil {
			return ContractSpec{}, err
		}

		cols = append(cols, col)
	}

	return ContractSpec{Columns: cols}, nil
}

func parseColumn(rc rawColumn) (ColumnSpec, error) {
	dt, err := parseDType(rc.DType)
	if err != nil {
		return ColumnSpec{}, fmt.Errorf("column %q: %w", rc.Name, err)
	}

	return ColumnSpec{
		Name:     rc.Name,
		Type:     dt,
		Required: rc.Required || !rc.Nullable,
		Format:   rc.Format,
	}, nil
}

var (
	decimalParensRe = regexp.MustCompile(`^decimal\(\s*(?:precision=)?(\d+)\s*,\s*(?:scale=)?(\d+)\s*\)$`)
	datetimeTzRe    = regexp.MustCompile(`^datetime\(\s*time_zone=['"]([^'"]*)['"]\s*\)$`)
	pandasTzRe      = regexp.MustCompile(`^datetime64\[\s*ns\s*,\s*([^\]]+)\]$`)
	timestampTzRe   = regexp.MustCompile(`^timestamp\[\s*\w+\s*,\s*tz=([^\]]+)\]$`)
)

// parseDType parses a dtype field that is either a bare string (the common
// case) or, for List/Struct columns, a nested JSON object.
func parseDType(raw json.RawMessage) (schema.DataType, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseDTypeString(s)
	}

	var nested rawNestedDType
	if err := json.Unmarshal(raw, &nested); err != nil {
		return schema.DataType{}, fmt.Errorf("%w: dtype is neither a string nor a nested object", ErrInvalidContractJSON)
	}

	return parseNestedDType(nested)
}

func parseNestedDType(nested rawNestedDType) (schema.DataType, error) {
	switch strings.ToLower(nested.Kind) {
	case "list":
		item, err := parseDType(nested.Item)
		if err != nil {
			return schema.DataType{}, err
		}

		return schema.DataType{Kind: schema.KindList, Item: &item}, nil
	case "struct":
		fields := make([]schema.Column, 0, len(nested.Fields))

		for _, f := range nested.Fields {
			col, err := parseColumn(f)
			if err != nil {
				return schema.DataType{}, err
			}

			fields = append(fields, schema.Column{
				Name:     col.Name,
				Type:     col.Type,
				Nullable: !col.Required,
				Format:   col.Format,
			})
		}

		return schema.DataType{Kind: schema.KindStruct, Fields: fields}, nil
	default:
		return schema.DataType{}, fmt.Errorf("%w: unknown nested dtype kind %q", ErrUnknownDType, nested.Kind)
	}
}

func parseDTypeString(s string) (schema.DataType, error) {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)

	switch lower {
	case "bool", "boolean":
		return schema.DataType{Kind: schema.KindBoolean}, nil
	case "int8", "int16", "int32", "int64", "uint8", "uint16", "uint32", "uint64", "int", "integer":
		return schema.DataType{Kind: schema.KindInt64}, nil
	case "float32", "float64", "float", "double":
		return schema.DataType{Kind: schema.KindFloat64}, nil
	case "str", "string", "utf8", "large_utf8", "object":
		return schema.DataType{Kind: schema.KindString}, nil
	case "binary", "large_binary", "bytes":
		return schema.DataType{Kind: schema.KindBinary}, nil
	case "date", "date32[day]", "date64":
		return schema.DataType{Kind: schema.KindDate}, nil
	case "time":
		return schema.DataType{Kind: schema.KindTime}, nil
	case "duration", "timedelta64[ns]":
		return schema.DataType{Kind: schema.KindDuration}, nil
	case "null", "none", "nonetype":
		return schema.DataType{Kind: schema.KindNull}, nil
	case "datetime", "timestamp", "datetime64[ns]":
		return schema.DataType{Kind: schema.KindTimestamp}, nil
	}

	if m := decimalParensRe.FindStringSubmatch(lower); m != nil {
		precision, err1 := strconv.Atoi(m[1])
		scale, err2 := strconv.Atoi(m[2])

		if err1 != nil || err2 != nil {
			return schema.DataType{}, ErrMalformedDecimalSpec
		}

		return schema.DataType{Kind: schema.KindDecimal, Precision: precision, Scale: scale}, nil
	}

	if m := datetimeTzRe.FindStringSubmatch(trimmed); m != nil {
		return schema.DataType{Kind: schema.KindTimestampTz, TZ: normalizeTZAlias(m[1])}, nil
	}

	if m := pandasTzRe.FindStringSubmatch(trimmed); m != nil {
		return schema.DataType{Kind: schema.KindTimestampTz, TZ: normalizeTZAlias(m[1])}, nil
	}

	if m := timestampTzRe.FindStringSubmatch(trimmed); m != nil {
		return schema.DataType{Kind: schema.KindTimestampTz, TZ: normalizeTZAlias(m[1])}, nil
	}

	return schema.DataType{}, fmt.Errorf("%w: %q", ErrUnknownDType, s)
}

// utcAliases are the spellings of the UTC timezone the platform treats as
// identical when comparing a contract's declared timezone against a
// batch's Arrow timestamp timezone.
var utcAliases = map[string]bool{
	"":        true,
	"utc":     true,
	"etc/utc": true,
	"zulu":    true,
	"z":       true,
}

func isUTCAlias(tz string) bool {
	return utcAliases[strings.ToLower(strings.TrimSpace(tz))]
}

func normalizeTZAlias(tz string) string {
	trimmed := strings.TrimSpace(tz)
	if isUTCAlias(trimmed) {
		return "UTC"
	}

	return trimmed
}
