// Package worker implements the worker runtime: it resolves an
// interpreter for a dispatched job, invokes the parser over an IPC
// bridge, routes the returned Arrow batches through lineage injection
// and the declared sinks, and reports a JobReceipt back to the
// dispatcher.
package worker

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/casparian-io/casparian/internal/dispatcher"
)

// JobRequest is a worker's local view of one dispatched job. It is built
// from a dispatcher.DispatchPayload plus whatever declared-schema
// information the caller has on hand (nil skips the schema check,
// letting a worker run ahead of a contract lookup if the caller chooses
// not to do one).
type JobRequest struct {
	JobID           string
	PluginName      string
	SourceCode      string
	FilePath        string
	FileVersionID   string
	Sinks           []string
	EnvHash         string
	LockfileContent string
	ParserVersion   string
	DeclaredSchema  *arrow.Schema
}

// JobRequestFromDispatch builds a JobRequest from the payload a
// dispatcher sends over the wire.
func JobRequestFromDispatch(payload dispatcher.DispatchPayload, parserVersion string) JobRequest {
	return JobRequest{
		JobID:           payload.JobID,
		PluginName:      payload.PluginName,
		SourceCode:      payload.SourceCode,
		FilePath:        payload.FilePath,
		FileVersionID:   payload.FileVersionID,
		Sinks:           payload.Sinks,
		EnvHash:         payload.EnvHash,
		LockfileContent: payload.LockfileContent,
		ParserVersion:   parserVersion,
	}
}

// ReceiptStatus is the terminal outcome of one job, mirroring
// dispatcher.ConcludeStatus so this package does not need to import it
// just for the string constants.
type ReceiptStatus string

const (
	ReceiptSuccess  ReceiptStatus = "Success"
	ReceiptFailed   ReceiptStatus = "Failed"
	ReceiptAborted  ReceiptStatus = "Aborted"
	ReceiptRejected ReceiptStatus = "Rejected"
)

// JobReceipt is what a worker hands back to the dispatcher once a job
// finishes, in whichever terminal state it finishes in.
type JobReceipt struct {
	JobID        string
	Status       ReceiptStatus
	Rows         int64
	Artifacts    []dispatcher.Artifact
	ErrorMessage string
}

// ToConcludePayload renders a JobReceipt as the wire payload a worker
// sends back on the Conclude message.
func (r JobReceipt) ToConcludePayload() dispatcher.ConcludePayload {
	return dispatcher.ConcludePayload{
		Status:       dispatcher.ConcludeStatus(r.Status),
		Rows:         r.Rows,
		Artifacts:    r.Artifacts,
		ErrorMessage: r.ErrorMessage,
	}
}
