package shredder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultMaxHandles bounds the number of concurrently open shard files.
	DefaultMaxHandles = 200
	// DefaultTopNShards is how many of the most-frequent keys get a
	// dedicated shard file; the rest route to the freezer.
	DefaultTopNShards = 5
	// DefaultBufferSize is the read buffer used while scanning the input.
	DefaultBufferSize = 64 * 1024
	// lineageBlockSize is the byte threshold that forces a lineage block flush.
	lineageBlockSize = 10 * 1024
	// checkpointIntervalBytes is how often open shard writers are flushed
	// without being evicted, bounding data loss on an unclean exit.
	checkpointIntervalBytes = 100_000_000
)

// Config configures one Shredder run.
type Config struct {
	Strategy   Strategy
	OutputDir  string
	MaxHandles int
	TopNShards int
	BufferSize int
}

// WithDefaults fills zero-valued fields with the spec's documented defaults.
func (c Config) WithDefaults() Config {
	if c.MaxHandles <= 0 {
		c.MaxHandles = DefaultMaxHandles
	}

	if c.TopNShards <= 0 {
		c.TopNShards = DefaultTopNShards
	}

	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}

	return c
}

// ShardMeta describes one finalized shard file.
type ShardMeta struct {
	Path              string
	Key               string
	RowCount          uint64
	ByteSize          uint64
	HasHeader         bool
	FirstSourceOffset uint64
	LastSourceOffset  uint64
}

// Result is the outcome of one Shred call.
type Result struct {
	Shards           []ShardMeta
	FreezerPath      string
	FreezerKeyCount  int
	TotalRows        uint64
	DurationMS       int64
	LineageIndexPath string
	SourceHash       string // BLAKE3 hex digest of the source file
}

// Shredder splits an append-only input file into per-key shard files.
type Shredder struct {
	cfg Config
}

// New builds a Shredder, applying defaults to any zero-valued Config fields.
func New(cfg Config) *Shredder {
	return &Shredder{cfg: cfg.WithDefaults()}
}

// Shred performs the two-phase split: a counting pass to determine the
// top-N promoted keys, then a writing pass that routes every line to its
// promoted shard or the freezer, recording a block-based lineage index.
func (s *Shredder) Shred(inputPath string) (Result, error) {
	start := time.Now()

	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("shredder: creating output dir: %w", err)
	}

	hasHeader := s.cfg.Strategy.skipFirstLine()

	header, err := readFirstLineIf(inputPath, hasHeader)
	if err != nil {
		return Result{}, err
	}

	keyCounts, err := s.countKeys(inputPath)
	if err != nil {
		return Result{}, err
	}

	promoted := promoteTopN(keyCounts, s.cfg.TopNShards)

	lineagePath := filepath.Join(s.cfg.OutputDir, "lineage.idx")

	lineageWriter, err := newLineageWriter(lineagePath)
	if err != nil {
		return Result{}, err
	}

	cache, err := newWriterCache(s.cfg.MaxHandles)
	if err != nil {
		return Result{}, err
	}

	sourceHash, err := hashFile(inputPath)
	if err != nil {
		return Result{}, err
	}

	shardRowCounts := make(map[string]uint64)

	f, err := os.Open(inputPath)
	if err != nil {
		return Result{}, fmt.Errorf("shredder: opening input: %w", err)
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, s.cfg.BufferSize), 1024*1024*16)

	var (
		currentOffset        uint64
		totalRows            uint64
		bytesSinceCheckpoint uint64
		firstLine            = true
	)

	for scan.Scan() {
		line := scan.Text()
		lineLen := uint64(len(line))

		if firstLine {
			firstLine = false

			if hasHeader {
				currentOffset += lineLen + 1
				continue
			}
		}

		key, err := s.cfg.Strategy.extractKey(line)
		if err != nil {
			return Result{}, err
		}

		destKey := key
		if !promoted[key] {
			destKey = FreezerKey
		}

		writer, err := cache.getOrCreate(destKey, s.cfg.OutputDir, header, hasHeader)
		if err != nil {
			return Result{}, err
		}

		shardRow := shardRowCounts[destKey]
		shardRowCounts[destKey] = shardRow + 1

		if err := writer.writeLine(line, currentOffset); err != nil {
			return Result{}, err
		}

		lineageWriter.record(currentOffset, destKey, lineLen, shardRow)

		currentOffset += lineLen + 1
		totalRows++
		bytesSinceCheckpoint += lineLen + 1

		if bytesSinceCheckpoint >= checkpointIntervalBytes {
			if err := cache.flushAll(); err != nil {
				return Result{}, err
			}

			bytesSinceCheckpoint = 0
		}
	}

	if err := scan.Err(); err != nil {
		return Result{}, fmt.Errorf("shredder: reading input: %w", err)
	}

	if err := lineageWriter.finalize(); err != nil {
		return Result{}, err
	}

	shards, err := cache.finalizeAll()
	if err != nil {
		return Result{}, err
	}

	freezerKeyCount := len(keyCounts) - s.cfg.TopNShards
	if freezerKeyCount < 0 {
		freezerKeyCount = 0
	}

	var freezerPath string

	for _, sh := range shards {
		if sh.Key == FreezerKey {
			freezerPath = sh.Path
		}
	}

	tmpDir := filepath.Join(s.cfg.OutputDir, ".tmp")
	_ = os.RemoveAll(tmpDir)

	return Result{
		Shards:           shards,
		FreezerPath:      freezerPath,
		FreezerKeyCount:  freezerKeyCount,
		TotalRows:        totalRows,
		DurationMS:       time.Since(start).Milliseconds(),
		LineageIndexPath: lineagePath,
		SourceHash:       sourceHash,
	}, nil
}

// countKeys performs the first pass: count occurrences of every distinct
// shard key so the second pass can determine the top-N promoted set.
func (s *Shredder) countKeys(inputPath string) (map[string]uint64, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("shredder: opening input: %w", err)
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, s.cfg.BufferSize), 1024*1024*16)

	counts := make(map[string]uint64)
	skipFirst := s.cfg.Strategy.skipFirstLine()

	for i := 0; scan.Scan(); i++ {
		if skipFirst && i == 0 {
			continue
		}

		key, err := s.cfg.Strategy.extractKey(scan.Text())
		if err != nil {
			return nil, err
		}

		counts[key]++
	}

	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("shredder: reading input: %w", err)
	}

	return counts, nil
}

// promoteTopN returns the set of the n keys with the highest counts,
// breaking ties by lexical key order for determinism.
func promoteTopN(counts map[string]uint64, n int) map[string]bool {
	type kv struct {
		key   string
		count uint64
	}

	sorted := make([]kv, 0, len(counts))
	for k, v := range counts {
		sorted = append(sorted, kv{k, v})
	}

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}

		return sorted[i].key < sorted[j].key
	})

	if n > len(sorted) {
		n = len(sorted)
	}

	promoted := make(map[string]bool, n)
	for _, e := range sorted[:n] {
		promoted[e.key] = true
	}

	return promoted
}

// readFirstLineIf returns the input's first line when want is true, used to
// capture the header text so it can be repeated verbatim into every
// promoted shard and the freezer.
func readFirstLineIf(path string, want bool) (string, error) {
	if !want {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("shredder: opening input for header: %w", err)
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	if scan.Scan() {
		return scan.Text(), nil
	}

	if err := scan.Err(); err != nil {
		return "", fmt.Errorf("shredder: reading header: %w", err)
	}

	return "", nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("shredder: opening input for hashing: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := bufio.NewReader(f).WriteTo(h); err != nil {
		return "", fmt.Errorf("shredder: hashing input: %w", err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
