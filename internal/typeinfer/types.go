// Package typeinfer implements a per-column constraint-elimination type
// solver: as values are observed, possibilities are eliminated with
// recorded evidence until a single type (and, for temporal types, a
// single format) remains or the column falls back to String.
package typeinfer

// Type is one of the closed set of inferable column types.
type Type string

// The closed set of inferable types.
const (
	TypeBoolean  Type = "boolean"
	TypeInteger  Type = "integer"
	TypeFloat    Type = "float"
	TypeDate     Type = "date"
	TypeDateTime Type = "datetime"
	TypeTime     Type = "time"
	TypeDuration Type = "duration"
	TypeString   Type = "string"
	TypeNull     Type = "null"
)

// ConstraintKind is the kind of an external hint driving the solver.
type ConstraintKind string

// The closed set of external constraint kinds.
const (
	ConstraintMustBe           ConstraintKind = "must_be"
	ConstraintCannotBe         ConstraintKind = "cannot_be"
	ConstraintFormatEliminated ConstraintKind = "format_eliminated"
)

// Constraint is an external hint that lets an upstream caller (e.g. a
// previously-approved schema, or an operator override) drive the solver
// without re-deriving it from raw values.
type Constraint struct {
	Kind   ConstraintKind
	Type   Type   // ConstraintMustBe, ConstraintCannotBe
	Format string // ConstraintFormatEliminated
}

// Evidence records one elimination: what was ruled out, why, and which
// observed row/value triggered it.
type Evidence struct {
	EliminatedItem string
	Reason         string
	RowIndex       int
	Value          string
}

// Result is the outcome of resolving a column's solver state.
type Result struct {
	Type     Type
	Format   string // set only when Type is TypeDate, TypeDateTime, or TypeTime
	Evidence []Evidence
}

// nullTokens are the literal strings tracked as null rather than
// contributing evidence toward any type.
var nullTokens = map[string]bool{
	"":     true,
	"null": true,
	"NA":   true,
}

func isNullToken(trimmed string) bool {
	return nullTokens[trimmed]
}
