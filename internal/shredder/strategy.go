// Package shredder splits an append-only input file into per-key shard
// files, preserving a byte-range lineage index back to the source.
package shredder

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// FreezerKey is the shard name all non-promoted keys route to.
const FreezerKey = "_MISC"

// ErrKeyExtraction is returned when a line's shard key cannot be derived
// under the configured strategy.
var ErrKeyExtraction = errors.New("shredder: key extraction failed")

// Strategy selects how a shard key is extracted from one line of input.
// skipFirstLine reports whether row 0 is a header that both the counting
// and writing passes should treat specially rather than key off of.
type Strategy interface {
	extractKey(line string) (string, error)
	skipFirstLine() bool
}

// CSVColumnStrategy extracts the key from a fixed, 0-based column of a
// delimited line.
type CSVColumnStrategy struct {
	Delimiter byte
	ColIndex  int
	HasHeader bool
}

func (s CSVColumnStrategy) extractKey(line string) (string, error) {
	fields := strings.Split(line, string(s.Delimiter))
	if s.ColIndex < 0 || s.ColIndex >= len(fields) {
		return "", fmt.Errorf("%w: column %d not found in line", ErrKeyExtraction, s.ColIndex)
	}

	return strings.TrimSpace(fields[s.ColIndex]), nil
}

func (s CSVColumnStrategy) skipFirstLine() bool { return s.HasHeader }

// JSONKeyStrategy extracts a top-level string field from a JSON-line input.
type JSONKeyStrategy struct {
	KeyPath string
}

func (s JSONKeyStrategy) extractKey(line string) (string, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return "", fmt.Errorf("%w: JSON parse error: %w", ErrKeyExtraction, err)
	}

	v, ok := parsed[s.KeyPath]
	if !ok {
		return "", fmt.Errorf("%w: key %q not found in JSON", ErrKeyExtraction, s.KeyPath)
	}

	s2, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: key %q is not a string", ErrKeyExtraction, s.KeyPath)
	}

	return s2, nil
}

func (JSONKeyStrategy) skipFirstLine() bool { return false }

// RegexStrategy extracts a named capture group from a compiled pattern.
type RegexStrategy struct {
	Pattern  *regexp.Regexp
	KeyGroup string
}

func (s RegexStrategy) extractKey(line string) (string, error) {
	match := s.Pattern.FindStringSubmatch(line)
	if match == nil {
		return "", fmt.Errorf("%w: pattern did not match line", ErrKeyExtraction)
	}

	idx := s.Pattern.SubexpIndex(s.KeyGroup)
	if idx < 0 || idx >= len(match) || match[idx] == "" {
		return "", fmt.Errorf("%w: regex group %q not matched", ErrKeyExtraction, s.KeyGroup)
	}

	return match[idx], nil
}

func (RegexStrategy) skipFirstLine() bool { return false }

// PassthroughStrategy routes every line to a single shard.
type PassthroughStrategy struct{}

func (PassthroughStrategy) extractKey(string) (string, error) { return "_ALL", nil }
func (PassthroughStrategy) skipFirstLine() bool                { return false }
