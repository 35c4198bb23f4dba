package typeinfer

import (
	"regexp"
	"strconv"
	"strings"
)

var durationRe = regexp.MustCompile(`^P(\d+D)?(T(\d+H)?(\d+M)?(\d+S)?)?$`)

func isBooleanLiteral(trimmed string) bool {
	switch strings.ToLower(trimmed) {
	case "true", "false":
		return true
	default:
		return false
	}
}

func isDurationLiteral(trimmed string) bool {
	return trimmed != "P" && durationRe.MatchString(trimmed)
}

func isNumeric(trimmed string) bool {
	_, err := strconv.ParseFloat(trimmed, 64)

	return err == nil
}

func hasDecimalPoint(trimmed string) bool {
	return strings.Contains(trimmed, ".")
}

// ColumnSolver tracks the still-possible types and formats for one column
// as values are observed one at a time.
type ColumnSolver struct {
	booleanPossible  bool
	integerPossible  bool
	floatPossible    bool
	durationPossible bool

	dateFormatsAlive     map[string]bool
	timeFormatsAlive     map[string]bool
	datetimeFormatsAlive map[string]bool

	sawDecimalPoint bool
	sawAnyValue     bool
	rowIndex        int

	evidence []Evidence
}

// NewColumnSolver returns a solver with every type and format alive.
func NewColumnSolver() *ColumnSolver {
	s := &ColumnSolver{
		booleanPossible:      true,
		integerPossible:      true,
		floatPossible:        true,
		durationPossible:     true,
		dateFormatsAlive:     make(map[string]bool, len(dateFormats)),
		timeFormatsAlive:     make(map[string]bool, len(timeFormats)),
		datetimeFormatsAlive: make(map[string]bool, len(datetimeFormats)),
	}

	for _, f := range dateFormats {
		s.dateFormatsAlive[f.Pattern] = true
	}

	for _, f := range timeFormats {
		s.timeFormatsAlive[f.Pattern] = true
	}

	for _, f := range datetimeFormats {
		s.datetimeFormatsAlive[f.Pattern] = true
	}

	return s
}

// ApplyConstraint narrows the solver using an external hint, recording no
// row-indexed evidence (constraints are upstream-derived, not observed).
func (s *ColumnSolver) ApplyConstraint(c Constraint) {
	switch c.Kind {
	case ConstraintMustBe:
		for _, t := range []Type{TypeBoolean, TypeInteger, TypeFloat, TypeDate, TypeDateTime, TypeTime, TypeDuration} {
			if t != c.Type {
				s.eliminate(t, -1, "", "external constraint: must be "+string(c.Type))
			}
		}
	case ConstraintCannotBe:
		s.eliminate(c.Type, -1, "", "external constraint: cannot be "+string(c.Type))
	case ConstraintFormatEliminated:
		delete(s.dateFormatsAlive, c.Format)
		delete(s.timeFormatsAlive, c.Format)
		delete(s.datetimeFormatsAlive, c.Format)
	}
}

func (s *ColumnSolver) eliminate(t Type, rowIndex int, value, reason string) {
	switch t {
	case TypeBoolean:
		s.booleanPossible = false
	case TypeInteger:
		s.integerPossible = false
	case TypeFloat:
		s.floatPossible = false
	case TypeDuration:
		s.durationPossible = false
	case TypeDate:
		for k := range s.dateFormatsAlive {
			delete(s.dateFormatsAlive, k)
		}
	case TypeDateTime:
		for k := range s.datetimeFormatsAlive {
			delete(s.datetimeFormatsAlive, k)
		}
	case TypeTime:
		for k := range s.timeFormatsAlive {
			delete(s.timeFormatsAlive, k)
		}
	}

	s.evidence = append(s.evidence, Evidence{
		EliminatedItem: string(t),
		Reason:         reason,
		RowIndex:       rowIndex,
		Value:          value,
	})
}

// Observe feeds one raw column value into the solver. Null tokens ("",
// "null", "NA") are tracked separately and never contribute evidence.
func (s *ColumnSolver) Observe(value string) {
	defer func() { s.rowIndex++ }()

	trimmed := strings.TrimSpace(value)
	if isNullToken(trimmed) {
		return
	}

	s.sawAnyValue = true

	if s.booleanPossible && !isBooleanLiteral(trimmed) {
		s.eliminate(TypeBoolean, s.rowIndex, value, "not a boolean literal")
	}

	if hasDecimalPoint(trimmed) {
		s.sawDecimalPoint = true

		if s.integerPossible {
			s.eliminate(TypeInteger, s.rowIndex, value, "decimal point present")
		}
	}

	if !isNumeric(trimmed) {
		if s.integerPossible {
			s.eliminate(TypeInteger, s.rowIndex, value, "non-numeric value")
		}

		if s.floatPossible {
			s.eliminate(TypeFloat, s.rowIndex, value, "non-numeric value")
		}
	}

	if s.durationPossible && !isDurationLiteral(trimmed) {
		s.eliminate(TypeDuration, s.rowIndex, value, "not a duration literal")
	}

	s.observeTemporal(trimmed, value)
}

func (s *ColumnSolver) observeTemporal(trimmed, raw string) {
	if len(s.dateFormatsAlive) > 0 {
		survivors := 0

		for _, f := range dateFormats {
			if !s.dateFormatsAlive[f.Pattern] {
				continue
			}

			if matchDate(f, trimmed) {
				survivors++
			} else {
				delete(s.dateFormatsAlive, f.Pattern)
			}
		}

		if survivors == 0 && len(s.dateFormatsAlive) == 0 {
			s.evidence = append(s.evidence, Evidence{EliminatedItem: string(TypeDate), Reason: "no surviving date format matched", RowIndex: s.rowIndex, Value: raw})
		}
	}

	if len(s.timeFormatsAlive) > 0 {
		for _, f := range timeFormats {
			if !s.timeFormatsAlive[f.Pattern] {
				continue
			}

			if !matchTime(f, trimmed) {
				delete(s.timeFormatsAlive, f.Pattern)
			}
		}

		if len(s.timeFormatsAlive) == 0 {
			s.evidence = append(s.evidence, Evidence{EliminatedItem: string(TypeTime), Reason: "no surviving time format matched", RowIndex: s.rowIndex, Value: raw})
		}
	}

	if len(s.datetimeFormatsAlive) > 0 {
		for _, f := range datetimeFormats {
			if !s.datetimeFormatsAlive[f.Pattern] {
				continue
			}

			if !(matchDate(f, trimmed) && matchTime(f, trimmed)) {
				delete(s.datetimeFormatsAlive, f.Pattern)
			}
		}

		if len(s.datetimeFormatsAlive) == 0 {
			s.evidence = append(s.evidence, Evidence{EliminatedItem: string(TypeDateTime), Reason: "no surviving datetime format matched", RowIndex: s.rowIndex, Value: raw})
		}
	}
}

// Resolve applies the resolution rules and returns the final Result.
//
// If exactly one non-String, non-Null type remains, it is the result. If
// only Integer and Float remain and no decimal point was ever observed,
// resolve as Integer. If none remain, fall back to String. A fully-null
// column resolves to Null. Date/DateTime/Time results additionally carry
// a surviving format pattern (arbitrary one if multiple remain).
func (s *ColumnSolver) Resolve() Result {
	if !s.sawAnyValue {
		return Result{Type: TypeNull, Evidence: s.evidence}
	}

	candidates := s.survivingTypes()

	if len(candidates) == 1 {
		return s.resolveSingle(candidates[0])
	}

	if len(candidates) == 2 && containsBoth(candidates, TypeInteger, TypeFloat) && !s.sawDecimalPoint {
		return Result{Type: TypeInteger, Evidence: s.evidence}
	}

	if len(candidates) == 0 {
		return Result{Type: TypeString, Evidence: s.evidence}
	}

	// Ambiguous with more than one surviving type and no narrowing rule
	// applies: fall back to String per the "none remain" rule extended to
	// "cannot be narrowed further".
	return Result{Type: TypeString, Evidence: s.evidence}
}

func (s *ColumnSolver) resolveSingle(t Type) Result {
	switch t {
	case TypeDate:
		return Result{Type: TypeDate, Format: anyKey(s.dateFormatsAlive), Evidence: s.evidence}
	case TypeDateTime:
		return Result{Type: TypeDateTime, Format: anyKey(s.datetimeFormatsAlive), Evidence: s.evidence}
	case TypeTime:
		return Result{Type: TypeTime, Format: anyKey(s.timeFormatsAlive), Evidence: s.evidence}
	default:
		return Result{Type: t, Evidence: s.evidence}
	}
}

func (s *ColumnSolver) survivingTypes() []Type {
	var out []Type

	if s.booleanPossible {
		out = append(out, TypeBoolean)
	}

	if s.integerPossible {
		out = append(out, TypeInteger)
	}

	if s.floatPossible {
		out = append(out, TypeFloat)
	}

	if s.durationPossible {
		out = append(out, TypeDuration)
	}

	if len(s.dateFormatsAlive) > 0 {
		out = append(out, TypeDate)
	}

	if len(s.datetimeFormatsAlive) > 0 {
		out = append(out, TypeDateTime)
	}

	if len(s.timeFormatsAlive) > 0 {
		out = append(out, TypeTime)
	}

	return out
}

func containsBoth(candidates []Type, a, b Type) bool {
	hasA, hasB := false, false

	for _, c := range candidates {
		if c == a {
			hasA = true
		}

		if c == b {
			hasB = true
		}
	}

	return hasA && hasB
}

func anyKey(m map[string]bool) string {
	for k := range m {
		return k
	}

	return ""
}
