package schema

import (
	"context"
	"fmt"
	"time"
)

// Reason is the closed set of reasons an amendment can be proposed for.
type Reason string

// The closed set of amendment reasons.
const (
	ReasonNewVariant          Reason = "new_variant"
	ReasonTypeMismatch        Reason = "type_mismatch"
	ReasonNullabilityChange   Reason = "nullability_change"
	ReasonColumnsAddedRemoved Reason = "columns_added_removed"
	ReasonFormatMismatch      Reason = "format_mismatch"
	ReasonUserRequest         Reason = "user_request"
)

// Status is an amendment proposal's lifecycle state.
type Status string

// The amendment status machine: Pending -> {Approved, Rejected,
// SeparatedSchema, FilesExcluded, Superseded}. Only Pending may be
// processed.
const (
	StatusPending         Status = "pending"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusSeparatedSchema Status = "separated_schema"
	StatusFilesExcluded   Status = "files_excluded"
	StatusSuperseded      Status = "superseded"
)

// ChangeKind is one kind of column-level change between two schemas.
type ChangeKind string

// The closed set of change-set entry kinds.
const (
	ChangeAdd               ChangeKind = "add"
	ChangeRemove            ChangeKind = "remove"
	ChangeType              ChangeKind = "change_type"
	ChangeNullability       ChangeKind = "change_nullability"
	ChangeFormat            ChangeKind = "change_format"
	ChangeRename            ChangeKind = "rename"
	ChangeReorder           ChangeKind = "reorder"
)

// Change is one entry in an amendment's change-set.
type Change struct {
	Kind     ChangeKind
	Column   string
	NewName  string // ChangeRename only
	Position int    // ChangeReorder only
}

// AmendmentProposal references an existing contract and proposes a new
// schema for it.
type AmendmentProposal struct {
	ID                string
	ScopeID           string
	Reason            Reason
	ProposedSchema    LockedSchema
	ChangeSet         []Change
	AffectedFileCount int
	SampleEvidence    []string
	Status            Status
	CreatedAt         time.Time
}

// ProposeAmendment computes the change-set between current and proposed
// by diffing column sets and per-column fields, and returns a Pending
// proposal.
func ProposeAmendment(id string, current LockedSchema, reason Reason, proposed LockedSchema, affectedFileCount int, samples []string) AmendmentProposal {
	return AmendmentProposal{
		ID:                id,
		Reason:            reason,
		ProposedSchema:    proposed,
		ChangeSet:         diffSchemas(current, proposed),
		AffectedFileCount: affectedFileCount,
		SampleEvidence:    samples,
		Status:            StatusPending,
		CreatedAt:         time.Now().UTC(),
	}
}

// ProposeTypeMismatchAmendment is a specialised constructor for a
// type-mismatch proposal.
func ProposeTypeMismatchAmendment(id string, current, proposed LockedSchema, affectedFileCount int, samples []string) AmendmentProposal {
	return ProposeAmendment(id, current, ReasonTypeMismatch, proposed, affectedFileCount, samples)
}

// ProposeNullabilityAmendment is a specialised constructor for a
// nullability-change proposal.
func ProposeNullabilityAmendment(id string, current, proposed LockedSchema, affectedFileCount int, samples []string) AmendmentProposal {
	return ProposeAmendment(id, current, ReasonNullabilityChange, proposed, affectedFileCount, samples)
}

// ProposeNewColumnsAmendment is a specialised constructor for a
// columns-added/removed proposal.
func ProposeNewColumnsAmendment(id string, current, proposed LockedSchema, affectedFileCount int, samples []string) AmendmentProposal {
	return ProposeAmendment(id, current, ReasonColumnsAddedRemoved, proposed, affectedFileCount, samples)
}

func diffSchemas(current, proposed LockedSchema) []Change {
	currentByName := make(map[string]Column, len(current.Columns))
	for _, c := range current.Columns {
		currentByName[c.Name] = c
	}

	proposedByName := make(map[string]Column, len(proposed.Columns))
	for _, c := range proposed.Columns {
		proposedByName[c.Name] = c
	}

	var changes []Change

	for _, c := range proposed.Columns {
		prior, ok := currentByName[c.Name]
		if !ok {
			changes = append(changes, Change{Kind: ChangeAdd, Column: c.Name})

			continue
		}

		if prior.Type.canonical() != c.Type.canonical() {
			changes = append(changes, Change{Kind: ChangeType, Column: c.Name})
		}

		if prior.Nullable != c.Nullable {
			changes = append(changes, Change{Kind: ChangeNullability, Column: c.Name})
		}

		if prior.Format != c.Format {
			changes = append(changes, Change{Kind: ChangeFormat, Column: c.Name})
		}
	}

	for _, c := range current.Columns {
		if _, ok := proposedByName[c.Name]; !ok {
			changes = append(changes, Change{Kind: ChangeRemove, Column: c.Name})
		}
	}

	for i, c := range proposed.Columns {
		for j, prior := range current.Columns {
			if prior.Name == c.Name && i != j {
				changes = append(changes, Change{Kind: ChangeReorder, Column: c.Name, Position: i})

				break
			}
		}
	}

	return changes
}

// Action is one of the five resolutions approve_amendment may apply to a
// Pending proposal.
type Action string

// The five amendment resolution actions.
const (
	ActionApproveAsProposed      Action = "approve_as_proposed"
	ActionApproveWithModifications Action = "approve_with_modifications"
	ActionReject                  Action = "reject"
	ActionCreateSeparateSchema    Action = "create_separate_schema"
	ActionExcludeAffectedFiles    Action = "exclude_affected_files"
)

// AmendmentResolution is the input to ApproveAmendment for the two
// actions that need extra operator-supplied data.
type AmendmentResolution struct {
	Action Action

	// ActionApproveWithModifications: the change-set to apply on top of
	// the current schema, in place of the proposal's own ProposedSchema.
	ModifiedChangeSet []Change

	// ActionCreateSeparateSchema: a user-supplied variant name used to
	// derive a distinct scope for the new contract.
	VariantName string
	ParserID    string
	ParserVersion string

	Approver string
}

// AmendmentOutcome is the result of ApproveAmendment.
type AmendmentOutcome struct {
	NewContract      Contract
	WroteContract    bool
	ExcludedFilePaths []string
}

// ApproveAmendment resolves a Pending amendment proposal per one of the
// five actions described in spec component C.
func ApproveAmendment(ctx context.Context, store Store, proposal AmendmentProposal, res AmendmentResolution) (AmendmentOutcome, error) {
	if proposal.Status != StatusPending {
		return AmendmentOutcome{}, ErrAmendmentNotPending
	}

	switch res.Action {
	case ActionApproveAsProposed:
		return approveAsProposed(ctx, store, proposal, res)
	case ActionApproveWithModifications:
		return approveWithModifications(ctx, store, proposal, res)
	case ActionReject:
		proposal.Status = StatusRejected

		return AmendmentOutcome{}, store.SaveAmendment(ctx, proposal)
	case ActionCreateSeparateSchema:
		return createSeparateSchema(ctx, store, proposal, res)
	case ActionExcludeAffectedFiles:
		proposal.Status = StatusFilesExcluded
		if err := store.SaveAmendment(ctx, proposal); err != nil {
			return AmendmentOutcome{}, err
		}

		return AmendmentOutcome{ExcludedFilePaths: proposal.SampleEvidence}, nil
	default:
		return AmendmentOutcome{}, fmt.Errorf("schema: unknown amendment action %q", res.Action)
	}
}

func approveAsProposed(ctx context.Context, store Store, proposal AmendmentProposal, res AmendmentResolution) (AmendmentOutcome, error) {
	current, found, err := store.GetContractForScope(ctx, proposal.ScopeID)
	if err != nil {
		return AmendmentOutcome{}, err
	}

	if !found {
		return AmendmentOutcome{}, ErrContractNotFound
	}

	newContract := current
	newContract.Version = current.Version + 1
	newContract.Approver = res.Approver
	newContract.Schemas = []LockedSchema{proposal.ProposedSchema}

	if err := store.SaveContract(ctx, newContract); err != nil {
		return AmendmentOutcome{}, err
	}

	proposal.Status = StatusApproved
	if err := store.SaveAmendment(ctx, proposal); err != nil {
		return AmendmentOutcome{}, err
	}

	return AmendmentOutcome{NewContract: newContract, WroteContract: true}, nil
}

func approveWithModifications(ctx context.Context, store Store, proposal AmendmentProposal, res AmendmentResolution) (AmendmentOutcome, error) {
	current, found, err := store.GetContractForScope(ctx, proposal.ScopeID)
	if err != nil {
		return AmendmentOutcome{}, err
	}

	if !found {
		return AmendmentOutcome{}, ErrContractNotFound
	}

	modified, err := applyChangeSet(current.Schemas[0], res.ModifiedChangeSet)
	if err != nil {
		return AmendmentOutcome{}, err
	}

	newContract := current
	newContract.Version = current.Version + 1
	newContract.Approver = res.Approver
	newContract.Schemas = []LockedSchema{modified}

	if err := store.SaveContract(ctx, newContract); err != nil {
		return AmendmentOutcome{}, err
	}

	proposal.Status = StatusApproved
	if err := store.SaveAmendment(ctx, proposal); err != nil {
		return AmendmentOutcome{}, err
	}

	return AmendmentOutcome{NewContract: newContract, WroteContract: true}, nil
}

func createSeparateSchema(ctx context.Context, store Store, proposal AmendmentProposal, res AmendmentResolution) (AmendmentOutcome, error) {
	scopeID := ScopeID(res.ParserID, res.ParserVersion, proposal.ProposedSchema.Name+"__"+res.VariantName)

	newContract := Contract{
		ScopeID:  scopeID,
		Version:  1,
		Schemas:  []LockedSchema{proposal.ProposedSchema},
		Approver: res.Approver,
	}

	if err := store.SaveContract(ctx, newContract); err != nil {
		return AmendmentOutcome{}, err
	}

	proposal.Status = StatusSeparatedSchema
	if err := store.SaveAmendment(ctx, proposal); err != nil {
		return AmendmentOutcome{}, err
	}

	return AmendmentOutcome{NewContract: newContract, WroteContract: true}, nil
}

// applyChangeSet applies changes on top of base, enforcing structural
// feasibility: a reorder or type/nullability/format change must reference
// a column that exists (after any adds in the same change-set have been
// applied), and a rename's source column must exist.
func applyChangeSet(base LockedSchema, changes []Change) (LockedSchema, error) {
	byName := make(map[string]int, len(base.Columns))
	for i, c := range base.Columns {
		byName[c.Name] = i
	}

	columns := append([]Column(nil), base.Columns...)

	for _, ch := range changes {
		switch ch.Kind {
		case ChangeAdd:
			if _, exists := byName[ch.Column]; exists {
				continue
			}

			columns = append(columns, Column{Name: ch.Column})
			byName[ch.Column] = len(columns) - 1
		case ChangeRemove:
			idx, exists := byName[ch.Column]
			if !exists {
				return LockedSchema{}, fmt.Errorf("%w: remove %q", ErrChangeSetInfeasible, ch.Column)
			}

			columns = append(columns[:idx], columns[idx+1:]...)
			byName = reindex(columns)
		case ChangeRename:
			idx, exists := byName[ch.Column]
			if !exists {
				return LockedSchema{}, fmt.Errorf("%w: rename %q", ErrChangeSetInfeasible, ch.Column)
			}

			columns[idx].Name = ch.NewName
			byName = reindex(columns)
		case ChangeReorder:
			idx, exists := byName[ch.Column]
			if !exists || ch.Position < 0 || ch.Position >= len(columns) {
				return LockedSchema{}, fmt.Errorf("%w: reorder %q", ErrChangeSetInfeasible, ch.Column)
			}

			col := columns[idx]
			columns = append(columns[:idx], columns[idx+1:]...)
			columns = insertAt(columns, ch.Position, col)
			byName = reindex(columns)
		case ChangeType, ChangeNullability, ChangeFormat:
			if _, exists := byName[ch.Column]; !exists {
				return LockedSchema{}, fmt.Errorf("%w: %s %q", ErrChangeSetInfeasible, ch.Kind, ch.Column)
			}
		}
	}

	return LockedSchema{Name: base.Name, SourcePattern: base.SourcePattern, Columns: columns}, nil
}

func reindex(columns []Column) map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c.Name] = i
	}

	return m
}

func insertAt(columns []Column, pos int, col Column) []Column {
	out := make([]Column, 0, len(columns)+1)
	out = append(out, columns[:pos]...)
	out = append(out, col)
	out = append(out, columns[pos:]...)

	return out
}
