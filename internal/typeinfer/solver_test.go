package typeinfer

import "testing"

func resolve(values ...string) Result {
	s := NewColumnSolver()
	for _, v := range values {
		s.Observe(v)
	}

	return s.Resolve()
}

func TestColumnSolver_ResolvesInteger(t *testing.T) {
	r := resolve("1", "2", "3")
	if r.Type != TypeInteger {
		t.Errorf("Resolve().Type = %v, want TypeInteger", r.Type)
	}
}

func TestColumnSolver_DecimalPointForcesFloat(t *testing.T) {
	r := resolve("1", "2.5", "3")
	if r.Type != TypeFloat {
		t.Errorf("Resolve().Type = %v, want TypeFloat", r.Type)
	}
}

func TestColumnSolver_NonNumericFallsBackToString(t *testing.T) {
	r := resolve("1", "abc", "3")
	if r.Type != TypeString {
		t.Errorf("Resolve().Type = %v, want TypeString", r.Type)
	}
}

func TestColumnSolver_ResolvesBoolean(t *testing.T) {
	r := resolve("true", "false", "TRUE")
	if r.Type != TypeBoolean {
		t.Errorf("Resolve().Type = %v, want TypeBoolean", r.Type)
	}
}

func TestColumnSolver_FullyNullResolvesToNull(t *testing.T) {
	r := resolve("", "null", "NA")
	if r.Type != TypeNull {
		t.Errorf("Resolve().Type = %v, want TypeNull", r.Type)
	}
}

func TestColumnSolver_ResolvesISODate(t *testing.T) {
	r := resolve("2023-01-15", "2023-02-28")
	if r.Type != TypeDate {
		t.Fatalf("Resolve().Type = %v, want TypeDate", r.Type)
	}

	if r.Format != "%Y-%m-%d" {
		t.Errorf("Resolve().Format = %q, want %%Y-%%m-%%d", r.Format)
	}
}

func TestColumnSolver_InvalidMonthEliminatesMMDDFormats(t *testing.T) {
	s := NewColumnSolver()
	s.Observe("13/40/2024")

	r := s.Resolve()
	if r.Type == TypeDate {
		t.Errorf("Resolve().Type = %v, want non-Date after invalid month/day", r.Type)
	}
}

func TestColumnSolver_AmbiguousDateFormatLeavesMultipleAlive(t *testing.T) {
	s := NewColumnSolver()
	s.Observe("05/06/2024")

	if len(s.dateFormatsAlive) < 2 {
		t.Errorf("len(dateFormatsAlive) = %d, want >= 2 for an ambiguous MM/DD vs DD/MM value", len(s.dateFormatsAlive))
	}
}

func TestColumnSolver_DayExceedsDaysInMonthEliminatesFormat(t *testing.T) {
	s := NewColumnSolver()
	s.Observe("2023-02-30")

	if s.dateFormatsAlive["%Y-%m-%d"] {
		t.Errorf("dateFormatsAlive[%q] still alive after an impossible Feb 30", "%Y-%m-%d")
	}
}

func TestColumnSolver_LeapYearFeb29Valid(t *testing.T) {
	s := NewColumnSolver()
	s.Observe("2024-02-29")

	if !s.dateFormatsAlive["%Y-%m-%d"] {
		t.Error("2024-02-29 should be valid in a leap year")
	}
}

func TestColumnSolver_NonLeapYearFeb29Invalid(t *testing.T) {
	s := NewColumnSolver()
	s.Observe("2023-02-29")

	if s.dateFormatsAlive["%Y-%m-%d"] {
		t.Error("2023-02-29 should be invalid in a non-leap year")
	}
}

func TestColumnSolver_ResolvesTime(t *testing.T) {
	r := resolve("13:45:00", "23:59:59")
	if r.Type != TypeTime {
		t.Errorf("Resolve().Type = %v, want TypeTime", r.Type)
	}
}

func TestColumnSolver_InvalidHourEliminatesTime(t *testing.T) {
	s := NewColumnSolver()
	s.Observe("25:00:00")

	r := s.Resolve()
	if r.Type == TypeTime {
		t.Error("Resolve().Type = TypeTime, want non-Time for an invalid hour")
	}
}

func TestColumnSolver_ResolvesDuration(t *testing.T) {
	r := resolve("P1D", "PT2H30M")
	if r.Type != TypeDuration {
		t.Errorf("Resolve().Type = %v, want TypeDuration", r.Type)
	}
}

func TestColumnSolver_ResolvesDateTime(t *testing.T) {
	r := resolve("2023-01-15T13:45:00", "2023-02-01T00:00:00")
	if r.Type != TypeDateTime {
		t.Errorf("Resolve().Type = %v, want TypeDateTime", r.Type)
	}
}

func TestColumnSolver_ApplyConstraintMustBe(t *testing.T) {
	s := NewColumnSolver()
	s.ApplyConstraint(Constraint{Kind: ConstraintMustBe, Type: TypeString})
	s.Observe("1")

	r := s.Resolve()
	if r.Type != TypeString {
		t.Errorf("Resolve().Type = %v, want TypeString after MustBe constraint", r.Type)
	}
}

func TestColumnSolver_ApplyConstraintCannotBe(t *testing.T) {
	s := NewColumnSolver()
	s.ApplyConstraint(Constraint{Kind: ConstraintCannotBe, Type: TypeInteger})
	s.Observe("1")
	s.Observe("2")

	r := s.Resolve()
	if r.Type == TypeInteger {
		t.Error("Resolve().Type = TypeInteger, want non-Integer after CannotBe constraint")
	}
}
