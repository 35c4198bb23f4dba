package schema

import (
	"context"
	"fmt"
)

// VariantColumn is one column as presented to the approval workflow,
// before it is converted into a locked Column.
type VariantColumn struct {
	Name         string
	Type         DataType
	Nullable     bool
	RenameTo     string
	DefaultValue string
	HasDefault   bool
	Description  string
	Format       string
}

// Variant is one approved output within a schema-discovery request: the
// columns destined for a single output table.
type Variant struct {
	OutputTableName string
	SourcePattern   string
	Columns         []VariantColumn
	Approved        bool
}

// ApprovalRequest is the input to approve_schema: one or more discovered
// variants, the parser identity that produced them, and whether nested
// (List/Struct) types are permitted.
type ApprovalRequest struct {
	ParserID      string
	ParserVersion string
	Variants      []Variant
	AllowNested   bool
	Approver      string
}

// ApprovalResult is the output of approve_schema: the written contract
// plus any non-fatal warnings (excluded files, renames, applied defaults).
type ApprovalResult struct {
	Contract Contract
	Warnings []string
}

// ApproveSchema validates req and, if valid, converts every approved
// variant into a locked schema and writes a new contract via store.
//
// Validation, in order: at least one variant approved; parser_id and
// parser_version non-empty; all approved variants share one
// output_table_name (multi-output approval is rejected in v1); no column
// has an empty name; no duplicate output column names; nested List/Struct
// types only when req.AllowNested.
func ApproveSchema(ctx context.Context, store Store, req ApprovalRequest) (ApprovalResult, error) {
	approved := make([]Variant, 0, len(req.Variants))

	var warnings []string

	for _, v := range req.Variants {
		if v.Approved {
			approved = append(approved, v)
		} else if v.SourcePattern != "" {
			warnings = append(warnings, fmt.Sprintf("excluded source pattern %q (variant not approved)", v.SourcePattern))
		}
	}

	if len(approved) == 0 {
		return ApprovalResult{}, ErrNoVariantApproved
	}

	if req.ParserID == "" || req.ParserVersion == "" {
		return ApprovalResult{}, ErrParserIdentityEmpty
	}

	outputTable := approved[0].OutputTableName
	for _, v := range approved[1:] {
		if v.OutputTableName != outputTable {
			return ApprovalResult{}, ErrMultiOutputUnsupported
		}
	}

	var columns []Column

	for _, v := range approved {
		for _, vc := range v.Columns {
			if vc.Name == "" {
				return ApprovalResult{}, ErrEmptyColumnName
			}

			name := vc.Name
			if vc.RenameTo != "" && vc.RenameTo != vc.Name {
				warnings = append(warnings, fmt.Sprintf("renamed column %q to %q", vc.Name, vc.RenameTo))
				name = vc.RenameTo
			}

			description := vc.Description
			if vc.HasDefault {
				warnings = append(warnings, fmt.Sprintf("applied default value %q for column %q", vc.DefaultValue, name))
			}

			columns = append(columns, Column{
				Name:        name,
				Type:        vc.Type,
				Nullable:    vc.Nullable,
				Format:      vc.Format,
				Description: description,
			})
		}
	}

	lockedSchema := LockedSchema{
		Name:          outputTable,
		Columns:       columns,
		SourcePattern: approved[0].SourcePattern,
	}

	if dupes := lockedSchema.DuplicateOutputColumnNames(); len(dupes) > 0 {
		return ApprovalResult{}, fmt.Errorf("%w: %v", ErrDuplicateColumnName, sortedCopy(dupes))
	}

	if lockedSchema.HasNestedTypes() && !req.AllowNested {
		return ApprovalResult{}, ErrNestedTypesNotAllowed
	}

	scopeID := ScopeID(req.ParserID, req.ParserVersion, outputTable)

	existing, found, err := store.GetContractForScope(ctx, scopeID)
	if err != nil {
		return ApprovalResult{}, err
	}

	version := 1
	if found {
		version = existing.Version + 1
	}

	contract := Contract{
		ScopeID:  scopeID,
		Version:  version,
		Schemas:  []LockedSchema{lockedSchema},
		Approver: req.Approver,
	}

	if err := store.SaveContract(ctx, contract); err != nil {
		return ApprovalResult{}, err
	}

	return ApprovalResult{Contract: contract, Warnings: warnings}, nil
}
