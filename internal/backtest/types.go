// Package backtest tracks per-scope historical failure rates so backtests
// can reorder file lists to fail fast against files that keep breaking.
package backtest

import (
	"sort"
	"time"
)

// FailureEvent is one recorded failure against a file within a scope.
type FailureEvent struct {
	Iteration     int       `json:"iteration"`
	ParserVersion int       `json:"parser_version"`
	Category      string    `json:"category"`
	Message       string    `json:"message"`
	Resolved      bool      `json:"resolved"`
	ResolvedBy    string    `json:"resolved_by,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Entry is the persisted high-failure record for one (scope, file).
type Entry struct {
	ScopeID             string         `json:"scope_id"`
	FilePath            string         `json:"file_path"`
	TotalFailureCount   int            `json:"total_failure_count"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	FirstFailureAt      time.Time      `json:"first_failure_at"`
	LastFailureAt       time.Time      `json:"last_failure_at"`
	History             []FailureEvent `json:"history"`
}

// FileInfo describes one file under consideration for a backtest run.
type FileInfo struct {
	ID                  string `json:"id"`
	Path                string `json:"path"`
	Size                int64  `json:"size"`
	Tested              bool   `json:"tested"`
	IsHighFailure       bool   `json:"is_high_failure"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// OrderFiles buckets allFiles into (high-failure desc, resolved, untested,
// passing) using entries, a stable sort within the high-failure bucket.
// Input order is otherwise preserved, matching the original Rust
// implementation's stable four-bucket ordering.
func OrderFiles(allFiles []FileInfo, entries []Entry) []FileInfo {
	byPath := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byPath[e.FilePath] = e
	}

	var highFailure, resolved, untested, passing []FileInfo

	for _, f := range allFiles {
		if e, ok := byPath[f.Path]; ok {
			f.Tested = true
			f.ConsecutiveFailures = e.ConsecutiveFailures
			f.IsHighFailure = e.ConsecutiveFailures > 0

			if e.ConsecutiveFailures > 0 {
				highFailure = append(highFailure, f)
			} else {
				resolved = append(resolved, f)
			}

			continue
		}

		if f.Tested {
			passing = append(passing, f)
		} else {
			untested = append(untested, f)
		}
	}

	sort.SliceStable(highFailure, func(i, j int) bool {
		return highFailure[i].ConsecutiveFailures > highFailure[j].ConsecutiveFailures
	})

	out := make([]FileInfo, 0, len(allFiles))
	out = append(out, highFailure...)
	out = append(out, resolved...)
	out = append(out, untested...)
	out = append(out, passing...)

	return out
}
