package sink

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	arrowcsv "github.com/apache/arrow-go/v18/arrow/csv"
)

// CSVSink writes a header row followed by every batch's rows, partitioned
// by job the same way ParquetSink is. Writes stage to a ".tmp" file and are
// renamed into place on Finish.
type CSVSink struct {
	outputDir  string
	outputName string
	jobID      string

	tmpPath   string
	finalPath string
	file      *os.File
	writer    *arrowcsv.Writer
	rows      uint64
}

// NewCSVSink creates the output directory and returns a CSVSink ready for
// Init.
func NewCSVSink(outputDir, outputName, jobID string) (*CSVSink, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: creating csv output dir: %w", err)
	}

	return &CSVSink{outputDir: outputDir, outputName: outputName, jobID: jobID}, nil
}

func (s *CSVSink) Init(schema *arrow.Schema) error {
	filename := OutputFilename(s.outputName, s.jobID, "csv")
	s.finalPath = filepath.Join(s.outputDir, filename)
	s.tmpPath = filepath.Join(s.outputDir, "."+filename+".tmp")

	f, err := os.Create(s.tmpPath)
	if err != nil {
		return fmt.Errorf("sink: creating csv temp file: %w", err)
	}

	s.file = f
	s.writer = arrowcsv.NewWriter(f, schema, arrowcsv.WithHeader(true))

	return nil
}

func (s *CSVSink) WriteBatch(rec arrow.Record) (uint64, error) {
	if s.writer == nil {
		return 0, ErrNotInitialized
	}

	if err := s.writer.Write(rec); err != nil {
		return 0, fmt.Errorf("sink: writing csv batch: %w", err)
	}

	rows := uint64(rec.NumRows())
	s.rows += rows

	return rows, nil
}

func (s *CSVSink) Finish() error {
	if s.writer == nil {
		return ErrNotInitialized
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("sink: flushing csv writer: %w", err)
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("sink: closing csv temp file: %w", err)
	}

	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		return fmt.Errorf("sink: committing csv file: %w", err)
	}

	s.writer = nil

	return nil
}

// Abandon removes a stray temp file left behind by a CSVSink that was never
// Finished.
func (s *CSVSink) Abandon() {
	if s.tmpPath == "" {
		return
	}

	if s.file != nil {
		s.file.Close()
	}

	_ = os.Remove(s.tmpPath)
}

func (s *CSVSink) Name() string { return s.outputName }
