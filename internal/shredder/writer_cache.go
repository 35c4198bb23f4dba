package shredder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// shardWriter buffers writes to one shard's tmp file, tracking enough
// metadata to finalize a ShardMeta once the shredder run completes. Its
// os.File/bufio.Writer pair may be nil between accesses: the writerCache
// closes the underlying handle on LRU eviction to bound open file
// descriptors, and reopens it in append mode (never truncating) the next
// time the shard is written to.
type shardWriter struct {
	key               string
	tmpPath           string
	finalPath         string
	header            string
	hasHeader         bool
	file              *os.File
	buf               *bufio.Writer
	rowCount          uint64
	byteSize          uint64
	firstSourceOffset uint64
	haveFirstOffset   bool
	lastSourceOffset  uint64
}

func newShardWriter(key, outputDir, header string, hasHeader bool) (*shardWriter, error) {
	safeKey := sanitizeFilename(key)
	tmpDir := filepath.Join(outputDir, ".tmp")

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("shredder: creating tmp dir: %w", err)
	}

	w := &shardWriter{
		key:       key,
		tmpPath:   filepath.Join(tmpDir, safeKey+".csv"),
		finalPath: filepath.Join(outputDir, safeKey+".csv"),
		header:    header,
		hasHeader: hasHeader,
	}

	if err := w.open(os.O_CREATE | os.O_WRONLY | os.O_TRUNC); err != nil {
		return nil, err
	}

	if hasHeader {
		if _, err := w.buf.WriteString(header + "\n"); err != nil {
			return nil, fmt.Errorf("shredder: writing shard header: %w", err)
		}

		w.byteSize += uint64(len(header)) + 1
	}

	return w, nil
}

// open (re)opens the shard's tmp file with the given flags and rebuilds its
// buffered writer. Called both on creation (truncate) and on reopening an
// evicted handle (append).
func (w *shardWriter) open(flag int) error {
	f, err := os.OpenFile(w.tmpPath, flag, 0o644)
	if err != nil {
		return fmt.Errorf("shredder: opening shard %q: %w", w.key, err)
	}

	w.file = f
	w.buf = bufio.NewWriter(f)

	return nil
}

// ensureOpen reopens the tmp file in append mode if a prior eviction closed
// it, preserving every byte already written to disk.
func (w *shardWriter) ensureOpen() error {
	if w.file != nil {
		return nil
	}

	return w.open(os.O_WRONLY | os.O_APPEND)
}

func (w *shardWriter) writeLine(line string, sourceOffset uint64) error {
	if err := w.ensureOpen(); err != nil {
		return err
	}

	if _, err := w.buf.WriteString(line); err != nil {
		return fmt.Errorf("shredder: writing shard line: %w", err)
	}

	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("shredder: writing shard line: %w", err)
	}

	w.rowCount++
	w.byteSize += uint64(len(line)) + 1

	if !w.haveFirstOffset {
		w.firstSourceOffset = sourceOffset
		w.haveFirstOffset = true
	}

	w.lastSourceOffset = sourceOffset

	return nil
}

// flush writes any buffered bytes to disk. It never truncates or closes
// the handle — closing happens only in closeHandle (LRU eviction) or
// finalize (end of run).
func (w *shardWriter) flush() error {
	if w.buf == nil {
		return nil
	}

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("shredder: flushing shard %q: %w", w.key, err)
	}

	return nil
}

// closeHandle flushes then closes the underlying file descriptor, used on
// LRU eviction to bound concurrently open handles. The shard's row/byte
// metadata survives in the shardWriter struct for the next writeLine call.
func (w *shardWriter) closeHandle() error {
	if err := w.flush(); err != nil {
		return err
	}

	if w.file == nil {
		return nil
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("shredder: closing shard %q: %w", w.key, err)
	}

	w.file = nil
	w.buf = nil

	return nil
}

func (w *shardWriter) finalize() (ShardMeta, error) {
	if err := w.closeHandle(); err != nil {
		return ShardMeta{}, err
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return ShardMeta{}, fmt.Errorf("shredder: finalizing shard %q: %w", w.key, err)
	}

	return ShardMeta{
		Path:              w.finalPath,
		Key:               w.key,
		RowCount:          w.rowCount,
		ByteSize:          w.byteSize,
		HasHeader:         w.hasHeader,
		FirstSourceOffset: w.firstSourceOffset,
		LastSourceOffset:  w.lastSourceOffset,
	}, nil
}

// writerCache bounds the number of concurrently open shard file
// descriptors to maxHandles. Accessing a key moves it to the MRU end; on
// capacity, the LRU handle is flushed and closed (never truncated) and
// evicted from the open set, while its shardWriter (and everything written
// so far) lives on in the permanent writers map until the run finalizes.
type writerCache struct {
	lru     *lru.Cache[string, *shardWriter]
	writers map[string]*shardWriter
}

func newWriterCache(maxHandles int) (*writerCache, error) {
	wc := &writerCache{writers: make(map[string]*shardWriter)}

	c, err := lru.NewWithEvict[string, *shardWriter](maxHandles, func(_ string, w *shardWriter) {
		_ = w.closeHandle()
	})
	if err != nil {
		return nil, fmt.Errorf("shredder: creating writer cache: %w", err)
	}

	wc.lru = c

	return wc, nil
}

func (c *writerCache) getOrCreate(key, outputDir, header string, hasHeader bool) (*shardWriter, error) {
	if w, ok := c.writers[key]; ok {
		c.lru.Add(key, w)

		return w, nil
	}

	w, err := newShardWriter(key, outputDir, header, hasHeader)
	if err != nil {
		return nil, err
	}

	c.writers[key] = w
	c.lru.Add(key, w)

	return w, nil
}

func (c *writerCache) flushAll() error {
	for _, w := range c.writers {
		if err := w.flush(); err != nil {
			return err
		}
	}

	return nil
}

func (c *writerCache) finalizeAll() ([]ShardMeta, error) {
	metas := make([]ShardMeta, 0, len(c.writers))

	for _, w := range c.writers {
		meta, err := w.finalize()
		if err != nil {
			return nil, err
		}

		metas = append(metas, meta)
	}

	return metas, nil
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, s)
}
