package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BridgeRequest is everything a runtime-specific shim needs to run one
// plugin invocation.
type BridgeRequest struct {
	JobID           string
	FilePath        string
	FileVersionID   string
	SourceCode      string
	InterpreterPath string
}

// BridgeResult is what comes back from one bridge invocation: the
// batches the plugin produced, and whatever it logged to stderr.
type BridgeResult struct {
	Batches []arrow.Record
	Logs    []string
}

// Bridge invokes an external parser and returns its batches. Abstracted
// behind an interface so runtime tests can exercise the fan-out and
// receipt logic without spawning a real subprocess.
type Bridge interface {
	Invoke(ctx context.Context, req BridgeRequest) (BridgeResult, error)
}

// bridgeRequestWire is the JSON document written to the shim's stdin.
type bridgeRequestWire struct {
	JobID         string `json:"job_id"`
	FilePath      string `json:"file_path"`
	FileVersionID string `json:"file_version_id"`
	SourceCode    string `json:"source_code"`
}

// ProcessBridge invokes a runtime-specific shim as a subprocess: the
// request is written as JSON on stdin, the shim replies with an Arrow
// IPC stream on stdout and free-form log lines on stderr.
type ProcessBridge struct {
	ShimPath string
	Pool     memory.Allocator
}

// NewProcessBridge returns a ProcessBridge invoking shimPath via the
// job's resolved interpreter, using pool for the batches it decodes.
func NewProcessBridge(shimPath string, pool memory.Allocator) *ProcessBridge {
	if pool == nil {
		pool = memory.DefaultAllocator
	}

	return &ProcessBridge{ShimPath: shimPath, Pool: pool}
}

// Invoke runs req.InterpreterPath ShimPath, feeding it req as JSON on
// stdin, and decodes its stdout as an Arrow IPC stream. The subprocess
// is killed if ctx is cancelled, so an aborted job's bridge tears down
// promptly rather than finishing unattended.
func (b *ProcessBridge) Invoke(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	payload, err := json.Marshal(bridgeRequestWire{
		JobID:         req.JobID,
		FilePath:      req.FilePath,
		FileVersionID: req.FileVersionID,
		SourceCode:    req.SourceCode,
	})
	if err != nil {
		return BridgeResult{}, fmt.Errorf("worker: encoding bridge request: %w", err)
	}

	cmd := exec.CommandContext(ctx, req.InterpreterPath, b.ShimPath)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return BridgeResult{}, fmt.Errorf("worker: bridge invocation failed: %w: %s", err, stderr.String())
	}

	batches, err := decodeArrowStream(stdout.Bytes(), b.Pool)
	if err != nil {
		return BridgeResult{}, fmt.Errorf("worker: decoding bridge output: %w", err)
	}

	return BridgeResult{Batches: batches, Logs: splitLogLines(stderr.String())}, nil
}

func decodeArrowStream(data []byte, pool memory.Allocator) ([]arrow.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}

	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(pool))
	if err != nil {
		return nil, fmt.Errorf("opening ipc stream: %w", err)
	}
	defer reader.Release()

	var batches []arrow.Record

	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		batches = append(batches, rec)
	}

	if err := reader.Err(); err != nil {
		for _, rec := range batches {
			rec.Release()
		}

		return nil, fmt.Errorf("reading ipc stream: %w", err)
	}

	return batches, nil
}

func splitLogLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	return strings.Split(s, "\n")
}
