package schema

import "testing"

func TestColumn_ContentHashStableAndSensitive(t *testing.T) {
	a := Column{Name: "amount", Type: DataType{Kind: KindInt64}, Nullable: true}
	b := Column{Name: "amount", Type: DataType{Kind: KindInt64}, Nullable: true}

	if a.ContentHash() != b.ContentHash() {
		t.Error("ContentHash() differs for identical columns")
	}

	c := Column{Name: "amount", Type: DataType{Kind: KindFloat64}, Nullable: true}
	if a.ContentHash() == c.ContentHash() {
		t.Error("ContentHash() identical for columns with different types")
	}

	d := Column{Name: "amount", Type: DataType{Kind: KindInt64}, Nullable: true, Description: "totally different doc"}
	if a.ContentHash() != d.ContentHash() {
		t.Error("ContentHash() should ignore Description")
	}
}

func TestLockedSchema_ContentHashOrderSensitive(t *testing.T) {
	cols := []Column{
		{Name: "a", Type: DataType{Kind: KindString}},
		{Name: "b", Type: DataType{Kind: KindInt64}},
	}

	s1 := LockedSchema{Name: "orders", Columns: cols}
	s2 := LockedSchema{Name: "orders", Columns: []Column{cols[1], cols[0]}}

	if s1.ContentHash() == s2.ContentHash() {
		t.Error("ContentHash() should be sensitive to column order")
	}
}

func TestLockedSchema_DuplicateOutputColumnNames(t *testing.T) {
	s := LockedSchema{Columns: []Column{
		{Name: "id"}, {Name: "amount"}, {Name: "id"},
	}}

	dupes := s.DuplicateOutputColumnNames()
	if len(dupes) != 1 || dupes[0] != "id" {
		t.Errorf("DuplicateOutputColumnNames() = %v, want [id]", dupes)
	}
}

func TestLockedSchema_HasNestedTypes(t *testing.T) {
	flat := LockedSchema{Columns: []Column{{Name: "a", Type: DataType{Kind: KindString}}}}
	if flat.HasNestedTypes() {
		t.Error("HasNestedTypes() = true for flat schema")
	}

	nested := LockedSchema{Columns: []Column{{Name: "a", Type: DataType{Kind: KindList, Item: &DataType{Kind: KindString}}}}}
	if !nested.HasNestedTypes() {
		t.Error("HasNestedTypes() = false for schema with a List column")
	}
}

func TestScopeID_Deterministic(t *testing.T) {
	a := ScopeID("csv_parser", "1.2.0", "orders")
	b := ScopeID("csv_parser", "1.2.0", "orders")

	if a != b {
		t.Error("ScopeID() not deterministic for identical inputs")
	}

	c := ScopeID("csv_parser", "1.3.0", "orders")
	if a == c {
		t.Error("ScopeID() identical across different parser versions")
	}
}

func TestDataType_CanonicalDecimalAndTimestampTz(t *testing.T) {
	dec := DataType{Kind: KindDecimal, Precision: 10, Scale: 2}
	if dec.canonical() != "decimal(10,2)" {
		t.Errorf("canonical() = %q, want decimal(10,2)", dec.canonical())
	}

	tz := DataType{Kind: KindTimestampTz, TZ: "UTC"}
	if tz.canonical() != "timestamp_tz(UTC)" {
		t.Errorf("canonical() = %q, want timestamp_tz(UTC)", tz.canonical())
	}
}
