package sink

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Registry fans a run's batches out to every declared output: each output
// name is initialised with its schema exactly once, written to by name any
// number of times, then every sink is finished together.
type Registry struct {
	writers map[string]Writer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{writers: make(map[string]Writer)}
}

// Add registers w under name, replacing the Writer name was associated with.
func (r *Registry) Add(name string, w Writer) {
	r.writers[name] = w
}

// Init initializes the writer registered for name with schema.
func (r *Registry) Init(name string, schema *arrow.Schema) error {
	w, ok := r.writers[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSink, name)
	}

	return w.Init(schema)
}

// WriteBatch writes rec to the writer registered for name.
func (r *Registry) WriteBatch(name string, rec arrow.Record) (uint64, error) {
	w, ok := r.writers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNoSink, name)
	}

	return w.WriteBatch(rec)
}

// Finish finishes every registered writer. It stops and returns the first
// error encountered, leaving any later writers un-finished.
func (r *Registry) Finish() error {
	for name, w := range r.writers {
		if err := w.Finish(); err != nil {
			return fmt.Errorf("sink: finishing %q: %w", name, err)
		}
	}

	return nil
}

// Names returns the registered output names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.writers))
	for name := range r.writers {
		names = append(names, name)
	}

	return names
}

// typeCompatible reports whether an actual Arrow type may stand in for an
// expected one under the sink compatibility lattice: identical types,
// integer/float widening, Utf8<->LargeUtf8, and Timestamp columns that
// share a timezone.
func typeCompatible(actual, expected arrow.DataType) bool {
	if arrow.TypeEqual(actual, expected) {
		return true
	}

	widenInt := map[arrow.Type][]arrow.Type{
		arrow.INT8:  {arrow.INT16, arrow.INT32, arrow.INT64},
		arrow.INT16: {arrow.INT32, arrow.INT64},
		arrow.INT32: {arrow.INT64},

		arrow.UINT8:  {arrow.UINT16, arrow.UINT32, arrow.UINT64},
		arrow.UINT16: {arrow.UINT32, arrow.UINT64},
		arrow.UINT32: {arrow.UINT64},
	}

	if targets, ok := widenInt[actual.ID()]; ok {
		for _, t := range targets {
			if expected.ID() == t {
				return true
			}
		}
	}

	if actual.ID() == arrow.FLOAT32 && expected.ID() == arrow.FLOAT64 {
		return true
	}

	if (actual.ID() == arrow.STRING && expected.ID() == arrow.LARGE_STRING) ||
		(actual.ID() == arrow.LARGE_STRING && expected.ID() == arrow.STRING) {
		return true
	}

	at, aok := actual.(*arrow.TimestampType)
	et, eok := expected.(*arrow.TimestampType)
	if aok && eok {
		return at.TimeZone == et.TimeZone
	}

	return false
}

// ValidateBatchSchema checks a batch's schema against a sink's declared
// schema: field count, field names in order, and the compatibility
// lattice above. Nullability is advisory only - a batch that disallows
// nulls where the declared schema permits them is never an error.
func ValidateBatchSchema(batch arrow.Record, declared *arrow.Schema, sinkName string) error {
	batchSchema := batch.Schema()

	if batchSchema.NumFields() != declared.NumFields() {
		return fmt.Errorf("%w: sink %q expected %d columns, got %d",
			ErrSchemaMismatch, sinkName, declared.NumFields(), batchSchema.NumFields())
	}

	for i := 0; i < declared.NumFields(); i++ {
		bf := batchSchema.Field(i)
		df := declared.Field(i)

		if bf.Name != df.Name {
			return fmt.Errorf("%w: sink %q column %d: expected name %q, got %q",
				ErrSchemaMismatch, sinkName, i, df.Name, bf.Name)
		}

		if !typeCompatible(bf.Type, df.Type) {
			return fmt.Errorf("%w: sink %q column %q: expected type %s, got %s",
				ErrSchemaMismatch, sinkName, df.Name, df.Type, bf.Type)
		}
	}

	return nil
}

// OutputDescriptor names one declared output of a parser run and, for
// table-backed sinks, an optional table override.
type OutputDescriptor struct {
	Name  string
	Table string
}

// OutputPlan pairs one output's descriptor with the batches routed to it.
type OutputPlan struct {
	Name    string
	Table   string
	Batches []arrow.Record
}

// Artifact is one committed sink output: its name, final URI, and row
// count.
type Artifact struct {
	Name string
	URI  string
	Rows uint64
}

// PlanOutputs groups batches under their declared outputs. With no
// descriptors, every batch routes to a single output named defaultName.
// With descriptors, batches and descriptors must pair up 1:1 in order.
func PlanOutputs(descriptors []OutputDescriptor, batches []arrow.Record, defaultName string) ([]OutputPlan, error) {
	if len(descriptors) == 0 {
		return []OutputPlan{{Name: defaultName, Batches: batches}}, nil
	}

	if len(descriptors) != len(batches) {
		return nil, fmt.Errorf("sink: output descriptor count (%d) does not match batch count (%d)",
			len(descriptors), len(batches))
	}

	plans := make([]OutputPlan, len(descriptors))
	for i, d := range descriptors {
		plans[i] = OutputPlan{Name: d.Name, Table: d.Table, Batches: []arrow.Record{batches[i]}}
	}

	return plans, nil
}

// WriteOutputPlan creates one writer per plan from sinkURI, initializes it
// with the plan's first batch schema, writes every batch, and finishes the
// whole registry together. Plans with no batches are skipped entirely
// (never initialized, never produce an artifact).
func WriteOutputPlan(sinkURI string, plans []OutputPlan, jobID string) ([]Artifact, error) {
	parsed, err := ParseURI(sinkURI)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()

	for _, plan := range plans {
		if len(plan.Batches) == 0 {
			continue
		}

		w, err := CreateFromURI(sinkURI, plan.Name, plan.Table, jobID)
		if err != nil {
			return nil, err
		}

		registry.Add(plan.Name, w)
	}

	artifacts := make([]Artifact, 0, len(plans))

	for _, plan := range plans {
		if len(plan.Batches) == 0 {
			continue
		}

		if err := registry.Init(plan.Name, plan.Batches[0].Schema()); err != nil {
			return nil, err
		}

		var rows uint64

		for _, batch := range plan.Batches {
			n, err := registry.WriteBatch(plan.Name, batch)
			if err != nil {
				return nil, err
			}

			rows += n
		}

		uri, err := ArtifactURI(parsed, plan.Name, plan.Table, jobID)
		if err != nil {
			return nil, err
		}

		artifacts = append(artifacts, Artifact{Name: plan.Name, URI: uri, Rows: rows})
	}

	if err := registry.Finish(); err != nil {
		return nil, err
	}

	return artifacts, nil
}
