package shredder

import (
	"bufio"
	"fmt"
	"os"
)

// lineageBlock is a contiguous byte range of the source file mapped to one
// shard; blocks are flushed every ~10KB or whenever the shard key changes,
// bounding the index size independent of row count.
type lineageBlock struct {
	blockID               uint64
	sourceOffsetStart     uint64
	sourceOffsetEnd       uint64
	shardKey              string
	rowCountInBlock       uint64
	firstRowNumberInShard uint64
}

// lineageWriter accumulates lineage blocks and flushes each as a CSV line
// to lineage.idx.
type lineageWriter struct {
	w            *bufio.Writer
	file         *os.File
	current      lineageBlock
	bytesInBlock int
	haveCurrent  bool
	nextBlockID  uint64
}

func newLineageWriter(path string) (*lineageWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shredder: opening lineage index: %w", err)
	}

	return &lineageWriter{w: bufio.NewWriter(f), file: f}, nil
}

// record appends one source line's lineage, flushing the current block
// first if the shard key changed or the block has crossed the byte
// threshold.
func (l *lineageWriter) record(sourceOffset uint64, shardKey string, lineLen uint64, shardRowNumber uint64) {
	if l.haveCurrent && (l.current.shardKey != shardKey || l.bytesInBlock >= lineageBlockSize) {
		l.flushBlock()
		l.haveCurrent = false
	}

	if !l.haveCurrent {
		l.current = lineageBlock{
			blockID:               l.nextBlockID,
			sourceOffsetStart:     sourceOffset,
			shardKey:              shardKey,
			firstRowNumberInShard: shardRowNumber,
		}
		l.nextBlockID++
		l.bytesInBlock = 0
		l.haveCurrent = true
	}

	l.current.sourceOffsetEnd = sourceOffset + lineLen
	l.current.rowCountInBlock++
	l.bytesInBlock += int(lineLen)
}

func (l *lineageWriter) flushBlock() {
	if l.current.rowCountInBlock == 0 {
		return
	}

	fmt.Fprintf(l.w, "%d,%d,%d,%s,%d,%d\n",
		l.current.blockID, l.current.sourceOffsetStart, l.current.sourceOffsetEnd,
		l.current.shardKey, l.current.rowCountInBlock, l.current.firstRowNumberInShard)
}

func (l *lineageWriter) finalize() error {
	l.flushBlock()

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("shredder: flushing lineage index: %w", err)
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("shredder: closing lineage index: %w", err)
	}

	return nil
}
