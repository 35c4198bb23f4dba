package schema

import (
	"context"
	"errors"
	"testing"
)

func seedContract(t *testing.T, store *memoryStore, scopeID string) LockedSchema {
	t.Helper()

	s := LockedSchema{
		Name: "orders",
		Columns: []Column{
			{Name: "id", Type: DataType{Kind: KindString}},
			{Name: "amount", Type: DataType{Kind: KindFloat64}},
		},
	}

	if err := store.SaveContract(context.Background(), Contract{ScopeID: scopeID, Version: 1, Schemas: []LockedSchema{s}}); err != nil {
		t.Fatalf("seeding contract: %v", err)
	}

	return s
}

func TestDiffSchemas_AddRemoveTypeNullability(t *testing.T) {
	current := LockedSchema{Columns: []Column{
		{Name: "id", Type: DataType{Kind: KindString}},
		{Name: "amount", Type: DataType{Kind: KindInt64}},
		{Name: "stale", Type: DataType{Kind: KindString}},
	}}

	proposed := LockedSchema{Columns: []Column{
		{Name: "id", Type: DataType{Kind: KindString}},
		{Name: "amount", Type: DataType{Kind: KindFloat64}, Nullable: true},
		{Name: "note", Type: DataType{Kind: KindString}},
	}}

	changes := diffSchemas(current, proposed)

	var kinds []ChangeKind
	for _, c := range changes {
		kinds = append(kinds, c.Kind)
	}

	wantContains := []ChangeKind{ChangeAdd, ChangeRemove, ChangeType, ChangeNullability}
	for _, want := range wantContains {
		found := false

		for _, k := range kinds {
			if k == want {
				found = true

				break
			}
		}

		if !found {
			t.Errorf("diffSchemas() missing change kind %q, got %v", want, kinds)
		}
	}
}

func TestApproveAmendment_ApproveAsProposed(t *testing.T) {
	store := newMemoryStore()
	scopeID := "scope-1"
	current := seedContract(t, store, scopeID)

	proposed := current
	proposed.Columns = append(proposed.Columns, Column{Name: "note", Type: DataType{Kind: KindString}, Nullable: true})

	proposal := ProposeAmendment("amend-1", current, ReasonColumnsAddedRemoved, proposed, 3, []string{"/data/a.csv"})
	proposal.ScopeID = scopeID

	outcome, err := ApproveAmendment(context.Background(), store, proposal, AmendmentResolution{
		Action: ActionApproveAsProposed, Approver: "bob",
	})
	if err != nil {
		t.Fatalf("ApproveAmendment() unexpected error = %v", err)
	}

	if !outcome.WroteContract || outcome.NewContract.Version != 2 {
		t.Errorf("outcome = %+v, want version 2 written", outcome)
	}

	saved, _, _ := store.GetAmendment(context.Background(), "amend-1")
	if saved.Status != StatusApproved {
		t.Errorf("saved proposal status = %q, want Approved", saved.Status)
	}
}

func TestApproveAmendment_RejectsNonPending(t *testing.T) {
	store := newMemoryStore()

	proposal := AmendmentProposal{ID: "amend-2", Status: StatusApproved}

	_, err := ApproveAmendment(context.Background(), store, proposal, AmendmentResolution{Action: ActionReject})
	if !errors.Is(err, ErrAmendmentNotPending) {
		t.Errorf("ApproveAmendment() error = %v, want ErrAmendmentNotPending", err)
	}
}

func TestApproveAmendment_Reject(t *testing.T) {
	store := newMemoryStore()

	proposal := AmendmentProposal{ID: "amend-3", ScopeID: "scope-1", Status: StatusPending}

	outcome, err := ApproveAmendment(context.Background(), store, proposal, AmendmentResolution{Action: ActionReject})
	if err != nil {
		t.Fatalf("ApproveAmendment() unexpected error = %v", err)
	}

	if outcome.WroteContract {
		t.Error("outcome.WroteContract = true, want false for Reject")
	}

	saved, _, _ := store.GetAmendment(context.Background(), "amend-3")
	if saved.Status != StatusRejected {
		t.Errorf("saved proposal status = %q, want Rejected", saved.Status)
	}
}

func TestApproveAmendment_ExcludeAffectedFiles(t *testing.T) {
	store := newMemoryStore()

	proposal := AmendmentProposal{
		ID: "amend-4", ScopeID: "scope-1", Status: StatusPending,
		SampleEvidence: []string{"/data/bad1.csv", "/data/bad2.csv"},
	}

	outcome, err := ApproveAmendment(context.Background(), store, proposal, AmendmentResolution{Action: ActionExcludeAffectedFiles})
	if err != nil {
		t.Fatalf("ApproveAmendment() unexpected error = %v", err)
	}

	if len(outcome.ExcludedFilePaths) != 2 {
		t.Errorf("ExcludedFilePaths = %v, want 2 entries", outcome.ExcludedFilePaths)
	}

	if outcome.WroteContract {
		t.Error("outcome.WroteContract = true, want false for ExcludeAffectedFiles")
	}
}

func TestApproveAmendment_CreateSeparateSchema(t *testing.T) {
	store := newMemoryStore()
	scopeID := "scope-1"
	current := seedContract(t, store, scopeID)

	proposal := ProposeAmendment("amend-5", current, ReasonNewVariant, current, 0, nil)
	proposal.ScopeID = scopeID

	outcome, err := ApproveAmendment(context.Background(), store, proposal, AmendmentResolution{
		Action: ActionCreateSeparateSchema, VariantName: "eu", ParserID: "csv_parser", ParserVersion: "1.0.0", Approver: "carol",
	})
	if err != nil {
		t.Fatalf("ApproveAmendment() unexpected error = %v", err)
	}

	if !outcome.WroteContract || outcome.NewContract.Version != 1 {
		t.Errorf("outcome = %+v, want a new version-1 contract", outcome)
	}

	if outcome.NewContract.ScopeID == scopeID {
		t.Error("separate schema should use a distinct scope_id")
	}

	original, found, err := store.GetContractForScope(context.Background(), scopeID)
	if err != nil || !found {
		t.Fatalf("original contract missing: %v", err)
	}

	if original.Version != 1 {
		t.Errorf("original contract version = %d, want unchanged 1", original.Version)
	}
}

func TestApplyChangeSet_InfeasibleRemoveRejected(t *testing.T) {
	base := LockedSchema{Columns: []Column{{Name: "id"}}}

	_, err := applyChangeSet(base, []Change{{Kind: ChangeRemove, Column: "missing"}})
	if !errors.Is(err, ErrChangeSetInfeasible) {
		t.Errorf("applyChangeSet() error = %v, want ErrChangeSetInfeasible", err)
	}
}

func TestApplyChangeSet_AddThenReorderFeasible(t *testing.T) {
	base := LockedSchema{Columns: []Column{{Name: "id"}, {Name: "amount"}}}

	changes := []Change{
		{Kind: ChangeAdd, Column: "note"},
		{Kind: ChangeReorder, Column: "note", Position: 0},
	}

	out, err := applyChangeSet(base, changes)
	if err != nil {
		t.Fatalf("applyChangeSet() unexpected error = %v", err)
	}

	if out.Columns[0].Name != "note" {
		t.Errorf("out.Columns[0].Name = %q, want note", out.Columns[0].Name)
	}
}

func TestApproveAmendment_ApproveWithModifications(t *testing.T) {
	store := newMemoryStore()
	scopeID := "scope-2"
	seedContract(t, store, scopeID)

	proposal := AmendmentProposal{ID: "amend-6", ScopeID: scopeID, Status: StatusPending}

	outcome, err := ApproveAmendment(context.Background(), store, proposal, AmendmentResolution{
		Action:            ActionApproveWithModifications,
		ModifiedChangeSet: []Change{{Kind: ChangeAdd, Column: "note"}},
		Approver:          "dana",
	})
	if err != nil {
		t.Fatalf("ApproveAmendment() unexpected error = %v", err)
	}

	if outcome.NewContract.Version != 2 {
		t.Errorf("NewContract.Version = %d, want 2", outcome.NewContract.Version)
	}

	found := false

	for _, c := range outcome.NewContract.Schemas[0].Columns {
		if c.Name == "note" {
			found = true
		}
	}

	if !found {
		t.Error("modified schema missing added column 'note'")
	}
}
