package pipeline

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ErrInvalidSince is returned when a Filters.Since value does not match
// the supported PnD / PTnH / PTnM / PTnS subset.
var ErrInvalidSince = errors.New("pipeline: invalid since duration")

// canonicalFilters trims incidental whitespace so that two filter sets
// that differ only in formatting canonicalise to the same spec id.
func canonicalFilters(f Filters) Filters {
	return Filters{
		PathGlob:  strings.TrimSpace(f.PathGlob),
		PathRegex: strings.TrimSpace(f.PathRegex),
		Since:     strings.TrimSpace(f.Since),
		Watermark: f.Watermark,
	}
}

// CanonicalJSON serialises f deterministically: struct field order is
// fixed by Filters' declaration, so encoding/json's normal struct
// marshaling already produces a stable byte sequence across calls.
func CanonicalJSON(f Filters) ([]byte, error) {
	data, err := json.Marshal(canonicalFilters(f))
	if err != nil {
		return nil, fmt.Errorf("pipeline: canonicalising filters: %w", err)
	}

	return data, nil
}

// SpecIdentity returns a selection spec's id (the SHA-256 hex digest of
// its canonical JSON) and that canonical JSON itself. Running the same
// filters through SpecIdentity always yields the same id.
func SpecIdentity(f Filters) (id string, canonicalJSON []byte, err error) {
	canonicalJSON, err = CanonicalJSON(f)
	if err != nil {
		return "", nil, err
	}

	sum := sha256.Sum256(canonicalJSON)

	return fmt.Sprintf("%x", sum), canonicalJSON, nil
}

// SnapshotHash deterministically identifies the file set a spec resolved
// to on one logical date: BLAKE3 over the spec id, the logical date (UTC,
// date-only), and the file ids sorted for order-independence.
func SnapshotHash(specID string, logicalDate time.Time, fileIDs []string) string {
	sorted := append([]string(nil), fileIDs...)
	sort.Strings(sorted)

	h := blake3.New()
	fmt.Fprintf(h, "%s|%s|%s", specID, logicalDate.UTC().Format("2006-01-02"), strings.Join(sorted, ","))

	return fmt.Sprintf("%x", h.Sum(nil))
}

// OutputTargetKey identifies one declared output of a pipeline: a stable
// hash of the sink's topic (URI scheme), location, write mode, table
// name, and the schema it is locked to. Two sinks with the same key are
// the same materialization target for idempotence purposes.
func OutputTargetKey(topic, uri, mode, tableName, schemaHash string) string {
	h := sha256.Sum256([]byte(topic + "|" + uri + "|" + mode + "|" + tableName + "|" + schemaHash))

	return fmt.Sprintf("%x", h)
}

// MaterializationKey identifies one (file, parser, output) combination:
// BLAKE3(file_id ∥ mtime ∥ size ∥ parser_fingerprint ∥ output_target_key).
// A file already produced under this exact key does not need to be
// re-enqueued for that output target.
func MaterializationKey(fileID string, mtime time.Time, size int64, parserFingerprint, outputTargetKey string) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s",
		fileID, mtime.UTC().Format(time.RFC3339Nano), size, parserFingerprint, outputTargetKey)

	return fmt.Sprintf("%x", h.Sum(nil))
}

var sinceRe = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseSince parses the PnD / PTnH / PTnM / PTnS subset of ISO-8601
// durations used by Filters.Since (e.g. "P7D", "PT12H", "PT30M").
func ParseSince(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	m := sinceRe.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "" && m[4] == "") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSince, s)
	}

	var total time.Duration

	parts := []struct {
		raw  string
		unit time.Duration
	}{
		{m[1], 24 * time.Hour},
		{m[2], time.Hour},
		{m[3], time.Minute},
		{m[4], time.Second},
	}

	for _, p := range parts {
		if p.raw == "" {
			continue
		}

		n, err := strconv.Atoi(p.raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSince, s)
		}

		total += time.Duration(n) * p.unit
	}

	return total, nil
}
