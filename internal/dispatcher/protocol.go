// Package dispatcher implements Sentinel: the router between external
// clients and a variable-sized pool of workers. It tracks worker
// identity, capabilities, status, and active jobs, and speaks a
// length-delimited binary wire protocol to dispatch, abort, and heartbeat
// with connected workers.
package dispatcher

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies the kind of a wire message.
type Opcode uint8

const (
	OpIdentify Opcode = iota + 1
	OpDispatch
	OpConclude
	OpPrepareEnv
	OpEnvReady
	OpHeartbeat
	OpAbort
	OpErr
)

func (o Opcode) String() string {
	switch o {
	case OpIdentify:
		return "Identify"
	case OpDispatch:
		return "Dispatch"
	case OpConclude:
		return "Conclude"
	case OpPrepareEnv:
		return "PrepareEnv"
	case OpEnvReady:
		return "EnvReady"
	case OpHeartbeat:
		return "Heartbeat"
	case OpAbort:
		return "Abort"
	case OpErr:
		return "Err"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// maxPayloadBytes bounds a single message's JSON payload to guard
// against a corrupt length prefix exhausting memory.
const maxPayloadBytes = 64 << 20

// ErrPayloadTooLarge is returned by ReadMessage when a message's declared
// length exceeds maxPayloadBytes.
var ErrPayloadTooLarge = errors.New("dispatcher: message payload too large")

// header is the fixed portion of every wire message: a 4-byte
// big-endian total length (covering everything after itself), a 1-byte
// opcode, and an 8-byte big-endian job id.
type header struct {
	Length uint32
	Opcode Opcode
	JobID  uint64
}

const headerFixedLen = 1 + 8 // opcode + job id, not counting the length prefix itself

// Message is one frame of the Sentinel <-> Worker protocol.
type Message struct {
	Opcode  Opcode
	JobID   uint64
	Payload json.RawMessage
}

// IdentifyPayload is the body of an Identify message sent by a worker on
// first connection.
type IdentifyPayload struct {
	WorkerID     string   `json:"worker_id,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// DispatchPayload is the body of a Dispatch message sent to a worker.
type DispatchPayload struct {
	JobID           string   `json:"job_id"`
	PluginName      string   `json:"plugin_name"`
	SourceCode      string   `json:"source_code"`
	FilePath        string   `json:"file_path"`
	FileVersionID   string   `json:"file_version_id"`
	Sinks           []string `json:"sinks"`
	EnvHash         string   `json:"env_hash"`
	LockfileContent string   `json:"lockfile_content,omitempty"`
}

// ConcludeStatus is the terminal outcome a worker reports for a job.
type ConcludeStatus string

const (
	ConcludeSuccess  ConcludeStatus = "Success"
	ConcludeFailed   ConcludeStatus = "Failed"
	ConcludeAborted  ConcludeStatus = "Aborted"
	ConcludeRejected ConcludeStatus = "Rejected"
)

// ConcludePayload is the body of a Conclude message sent by a worker when
// a job finishes, is aborted, or is rejected for being over capacity.
type ConcludePayload struct {
	Status       ConcludeStatus  `json:"status"`
	Rows         int64           `json:"rows,omitempty"`
	Artifacts    []Artifact      `json:"artifacts,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResultExtra  json.RawMessage `json:"result_extra,omitempty"`
}

// Artifact is one (topic, uri) pair a worker produced while satisfying a
// job's declared sinks.
type Artifact struct {
	Topic string `json:"topic"`
	URI   string `json:"uri"`
}

// PrepareEnvPayload asks a worker to provision (or confirm cached) an
// interpreter environment ahead of dispatch.
type PrepareEnvPayload struct {
	EnvHash         string `json:"env_hash"`
	LockfileContent string `json:"lockfile_content"`
	PythonVersion   string `json:"python_version,omitempty"`
}

// EnvReadyPayload is a worker's reply to PrepareEnv.
type EnvReadyPayload struct {
	EnvHash        string `json:"env_hash"`
	InterpreterPath string `json:"interpreter_path"`
	Cached         bool   `json:"cached"`
}

// HeartbeatPayload carries a worker's current load back to the sentinel
// (or the sentinel's liveness ping to the worker).
type HeartbeatPayload struct {
	Status        WorkerStatus `json:"status"`
	ActiveJobIDs  []string     `json:"active_job_ids"`
}

// AbortPayload requests cancellation of an in-flight job.
type AbortPayload struct {
	JobID string `json:"job_id"`
}

// ErrPayload carries a protocol-level error unrelated to any one job.
type ErrPayload struct {
	Message string `json:"message"`
}

// WriteMessage frames msg as [4-byte length][1-byte opcode][8-byte job id][payload]
// and writes it to w in one call.
func WriteMessage(w io.Writer, msg Message) error {
	body := make([]byte, headerFixedLen+len(msg.Payload))
	body[0] = byte(msg.Opcode)
	binary.BigEndian.PutUint64(body[1:9], msg.JobID)
	copy(body[9:], msg.Payload)

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	copy(frame[4:], body)

	_, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("dispatcher: writing message: %w", err)
	}

	return nil
}

// ReadMessage reads one length-delimited frame from r and decodes its header.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("dispatcher: reading message length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < headerFixedLen {
		return Message{}, fmt.Errorf("dispatcher: message length %d shorter than header", length)
	}

	if length > maxPayloadBytes {
		return Message{}, ErrPayloadTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("dispatcher: reading message body: %w", err)
	}

	msg := Message{
		Opcode: Opcode(body[0]),
		JobID:  binary.BigEndian.Uint64(body[1:9]),
	}

	if len(body) > headerFixedLen {
		msg.Payload = json.RawMessage(body[headerFixedLen:])
	}

	return msg, nil
}

// DecodePayload unmarshals msg's JSON payload into v.
func DecodePayload(msg Message, v any) error {
	if len(msg.Payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("dispatcher: decoding %s payload: %w", msg.Opcode, err)
	}

	return nil
}

// EncodeMessage builds a Message from an opcode, job id, and a payload
// value that will be JSON-marshaled.
func EncodeMessage(op Opcode, jobID uint64, payload any) (Message, error) {
	if payload == nil {
		return Message{Opcode: op, JobID: jobID}, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("dispatcher: encoding %s payload: %w", op, err)
	}

	return Message{Opcode: op, JobID: jobID, Payload: raw}, nil
}
