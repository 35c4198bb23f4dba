package validator

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/casparian-io/casparian/internal/schema"
)

// compatible reports whether an Arrow column of type arrowType satisfies a
// contract column declared as want (with the given format, used to accept
// string-typed temporal/duration columns). A non-empty warning is returned
// alongside a true result when the match required widening or timezone
// normalisation - informational only, never a failure.
func compatible(arrowType arrow.DataType, want schema.DataType, format string) (bool, string) {
	switch want.Kind {
	case schema.KindNull:
		return true, ""
	case schema.KindBoolean:
		return arrowType.ID() == arrow.BOOL, ""
	case schema.KindInt64:
		return compatibleInteger(arrowType)
	case schema.KindFloat64:
		return compatibleFloat(arrowType)
	case schema.KindString:
		return isStringFamily(arrowType), ""
	case schema.KindBinary:
		return isBinaryFamily(arrowType), ""
	case schema.KindDate:
		return compatibleDate(arrowType, format)
	case schema.KindTime:
		return compatibleTime(arrowType, format)
	case schema.KindDuration:
		return compatibleDuration(arrowType, format)
	case schema.KindTimestamp:
		return compatibleTimestamp(arrowType, "", format)
	case schema.KindTimestampTz:
		return compatibleTimestamp(arrowType, want.TZ, format)
	case schema.KindDecimal:
		return compatibleDecimal(arrowType, want)
	case schema.KindList:
		return compatibleList(arrowType, want)
	case schema.KindStruct:
		return compatibleStruct(arrowType, want)
	default:
		return false, ""
	}
}

func isIntegerFamily(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	default:
		return false
	}
}

func isFloatFamily(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return true
	default:
		return false
	}
}

func isStringFamily(t arrow.DataType) bool {
	return t.ID() == arrow.STRING || t.ID() == arrow.LARGE_STRING
}

func isBinaryFamily(t arrow.DataType) bool {
	return t.ID() == arrow.BINARY || t.ID() == arrow.LARGE_BINARY
}

// compatibleInteger accepts any integer width, widening narrower arrow
// types up to the contract's int64 per the sink compatibility lattice in
// §4.D.
func compatibleInteger(t arrow.DataType) (bool, string) {
	if !isIntegerFamily(t) {
		return false, ""
	}

	if t.ID() != arrow.INT64 {
		return true, fmt.Sprintf("widened %s to int64", t.Name())
	}

	return true, ""
}

func compatibleFloat(t arrow.DataType) (bool, string) {
	if !isFloatFamily(t) {
		return false, ""
	}

	if t.ID() != arrow.FLOAT64 {
		return true, fmt.Sprintf("widened %s to float64", t.Name())
	}

	return true, ""
}

func compatibleDate(t arrow.DataType, format string) (bool, string) {
	if t.ID() == arrow.DATE32 || t.ID() == arrow.DATE64 {
		return true, ""
	}

	if isStringFamily(t) && format != "" {
		return true, "accepted string-typed date column by declared format"
	}

	return false, ""
}

func compatibleTime(t arrow.DataType, format string) (bool, string) {
	if t.ID() == arrow.TIME32 || t.ID() == arrow.TIME64 {
		return true, ""
	}

	if isStringFamily(t) && format != "" {
		return true, "accepted string-typed time column by declared format"
	}

	return false, ""
}

func compatibleDuration(t arrow.DataType, format string) (bool, string) {
	if t.ID() == arrow.DURATION {
		return true, ""
	}

	if isStringFamily(t) && format != "" {
		return true, "accepted string-typed duration column by declared format"
	}

	return false, ""
}

// compatibleTimestamp accepts an Arrow Timestamp column whose timezone is
// the same as wantTZ after UTC-alias normalisation, or a string-typed
// column with a declared format.
func compatibleTimestamp(t arrow.DataType, wantTZ, format string) (bool, string) {
	if ts, ok := t.(*arrow.TimestampType); ok {
		if wantTZ == "" {
			return true, ""
		}

		haveTZ := normalizeTZAlias(ts.TimeZone)
		if haveTZ == wantTZ {
			return true, ""
		}

		if isUTCAlias(wantTZ) && isUTCAlias(ts.TimeZone) {
			return true, "normalised UTC timezone alias"
		}

		return false, ""
	}

	if isStringFamily(t) && format != "" {
		return true, "accepted string-typed timestamp column by declared format"
	}

	return false, ""
}

func compatibleDecimal(t arrow.DataType, want schema.DataType) (bool, string) {
	switch d := t.(type) {
	case *arrow.Decimal128Type:
		return int(d.Precision) >= want.Precision && int(d.Scale) == want.Scale, ""
	case *arrow.Decimal256Type:
		return int(d.Precision) >= want.Precision && int(d.Scale) == want.Scale, ""
	default:
		return false, ""
	}
}

func compatibleList(t arrow.DataType, want schema.DataType) (bool, string) {
	lt, ok := t.(*arrow.ListType)
	if !ok || want.Item == nil {
		return false, ""
	}

	ok2, warn := compatible(lt.Elem(), *want.Item, "")

	return ok2, warn
}

func compatibleStruct(t arrow.DataType, want schema.DataType) (bool, string) {
	st, ok := t.(*arrow.StructType)
	if !ok || len(st.Fields()) != len(want.Fields) {
		return false, ""
	}

	for i, f := range want.Fields {
		af := st.Field(i)
		if af.Name != f.Name {
			return false, ""
		}

		ok2, _ := compatible(af.Type, f.Type, f.Format)
		if !ok2 {
			return false, ""
		}
	}

	return true, ""
}
