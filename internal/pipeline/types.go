// Package pipeline resolves declared ingestion intent (which files, with
// which parser, into which sinks) into deterministic, versioned plans:
// a selection spec identifies a filter set, a pipeline binds a spec to a
// plugin and sink list, and a run resolves that pipeline against the file
// discovery store for one logical date (component H).
package pipeline

import "time"

// RunStatus is the terminal or in-flight state of one pipeline run.
type RunStatus string

const (
	RunQueued RunStatus = "Queued"
	RunNoOp   RunStatus = "NoOp"
)

// Filters is the selection criteria a pipeline version locks in: which
// files are in scope and how far back to look. PathGlob and PathRegex are
// mutually exclusive; PathRegex takes precedence if both are set. Since is
// an ISO-8601-style duration subset (PnD / PTnH / PTnM / PTnS) measured
// back from the run's logical date; Watermark selects discovered files by
// modification time instead.
type Filters struct {
	PathGlob  string `json:"path_glob,omitempty"`
	PathRegex string `json:"path_regex,omitempty"`
	Since     string `json:"since,omitempty"`
	Watermark bool   `json:"watermark,omitempty"`
}

// PipelineDef is the user-authored (typically YAML) definition of one
// pipeline: its name, selection filters, parser plugin, and declared
// sinks. Applying a PipelineDef produces a new, versioned Pipeline row.
type PipelineDef struct {
	Name    string   `yaml:"name" json:"name"`
	Filters Filters  `yaml:"filters" json:"filters"`
	Plugin  string   `yaml:"plugin" json:"plugin"`
	Sinks   []string `yaml:"sinks" json:"sinks"`
}

// SelectionSpec is a content-addressed filter set: SpecID is the SHA-256
// hex digest of FiltersJSON, which is Filters serialised in its canonical
// form. Two pipeline versions with identical filters share one spec row.
type SelectionSpec struct {
	SpecID      string
	FiltersJSON string
	CreatedAt   time.Time
}

// Pipeline is one applied version of a named pipeline: the bumped version
// number, the full definition (embedding SpecID), and when it was applied.
type Pipeline struct {
	Name       string
	Version    int
	Definition PipelineDef
	SpecID     string
	CreatedAt  time.Time
}

// SelectionSnapshot is the file set a spec resolved to on one logical
// date: a deterministic SnapshotHash over SpecID, the logical date, and
// the sorted FileIDs, plus the watermark value (if any) used to resolve
// them.
type SelectionSnapshot struct {
	SpecID       string
	LogicalDate  time.Time
	SnapshotHash string
	Watermark    string
	FileIDs      []string
	CreatedAt    time.Time
}

// PipelineRun is one (pipeline, logical_date) execution record: which
// spec/snapshot it resolved against and its terminal queue status.
type PipelineRun struct {
	PipelineName string
	LogicalDate  time.Time
	SpecID       string
	SnapshotHash string
	Status       RunStatus
	CreatedAt    time.Time
}

// FileRef is one source file the discovery store reports as matching a
// selection's filters.
type FileRef struct {
	ID         string
	Path       string
	ModifiedAt time.Time
	Size       int64
}
