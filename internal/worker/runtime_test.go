package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/casparian-io/casparian/internal/dispatcher"
)

// chanConn is a Conn backed by channels, standing in for a real socket so
// the event loop can be driven deterministically from a test.
type chanConn struct {
	mu   sync.Mutex
	sent []dispatcher.Message

	inbound chan dispatcher.Message
	closed  chan struct{}
}

func newChanConn() *chanConn {
	return &chanConn{
		inbound: make(chan dispatcher.Message, 8),
		closed:  make(chan struct{}),
	}
}

func (c *chanConn) Send(msg dispatcher.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, msg)

	return nil
}

func (c *chanConn) Recv() (dispatcher.Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return dispatcher.Message{}, context.Canceled
	}
}

func (c *chanConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}

	return nil
}

func (c *chanConn) sentOpcodes() []dispatcher.Opcode {
	c.mu.Lock()
	defer c.mu.Unlock()

	ops := make([]dispatcher.Opcode, len(c.sent))
	for i, m := range c.sent {
		ops[i] = m.Opcode
	}

	return ops
}

func (c *chanConn) lastOfOpcode(op dispatcher.Opcode) (dispatcher.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Opcode == op {
			return c.sent[i], true
		}
	}

	return dispatcher.Message{}, false
}

type fakeBridge struct {
	result BridgeResult
	err    error
	block  chan struct{}
}

func (b *fakeBridge) Invoke(ctx context.Context, _ BridgeRequest) (BridgeResult, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return BridgeResult{}, ctx.Err()
		}
	}

	return b.result, b.err
}

type fakeEnvCache struct{}

func (fakeEnvCache) SystemInterpreter() string { return "/usr/bin/python3" }

func (fakeEnvCache) Lookup(envHash string) (string, bool) {
	if envHash == SystemEnvHash {
		return "/usr/bin/python3", true
	}

	return "", false
}

func (fakeEnvCache) Prepare(_ context.Context, _, _, _ string) (string, error) {
	return "/tmp/venv/bin/python", nil
}

func oneRowBatch(t *testing.T) arrow.Record {
	t.Helper()

	schema := arrow.NewSchema([]arrow.Field{{Name: "value", Type: arrow.BinaryTypes.String}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	b.Field(0).(*array.StringBuilder).Append("hello")

	return b.NewRecord()
}

func waitForOpcode(t *testing.T, conn *chanConn, op dispatcher.Opcode, timeout time.Duration) dispatcher.Message {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msg, ok := conn.lastOfOpcode(op); ok {
			return msg
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for opcode %s; sent so far: %v", op, conn.sentOpcodes())

	return dispatcher.Message{}
}

func TestRuntime_Run_SendsIdentifyFirst(t *testing.T) {
	conn := newChanConn()
	rt := NewRuntime(Config{WorkerID: "w1", Capabilities: []string{"csv"}}, conn, &fakeBridge{}, fakeEnvCache{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForOpcode(t, conn, dispatcher.OpIdentify, time.Second)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestRuntime_Dispatch_RunsJobAndConcludesSuccess(t *testing.T) {
	conn := newChanConn()
	bridge := &fakeBridge{result: BridgeResult{Batches: []arrow.Record{oneRowBatch(t)}}}
	rt := NewRuntime(Config{WorkerID: "w1", Capabilities: []string{"csv"}}, conn, bridge, fakeEnvCache{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForOpcode(t, conn, dispatcher.OpIdentify, time.Second)

	dispatchMsg, err := dispatcher.EncodeMessage(dispatcher.OpDispatch, 1, dispatcher.DispatchPayload{
		JobID:      "job-1",
		PluginName: "csv",
		EnvHash:    SystemEnvHash,
		Sinks:      nil,
	})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	conn.inbound <- dispatchMsg

	concludeMsg := waitForOpcode(t, conn, dispatcher.OpConclude, time.Second)

	var payload dispatcher.ConcludePayload
	if err := dispatcher.DecodePayload(concludeMsg, &payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}

	if payload.Status != dispatcher.ConcludeSuccess {
		t.Fatalf("conclude status = %q, want Success", payload.Status)
	}

	if payload.Rows != 1 {
		t.Fatalf("conclude rows = %d, want 1", payload.Rows)
	}
}

func TestRuntime_Dispatch_RejectsOverCapacity(t *testing.T) {
	conn := newChanConn()
	block := make(chan struct{})
	bridge := &fakeBridge{block: block}
	rt := NewRuntime(Config{WorkerID: "w1", MaxConcurrentJobs: 1}, conn, bridge, fakeEnvCache{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForOpcode(t, conn, dispatcher.OpIdentify, time.Second)

	for i, jobID := range []string{"job-1", "job-2"} {
		msg, err := dispatcher.EncodeMessage(dispatcher.OpDispatch, uint64(i+1), dispatcher.DispatchPayload{
			JobID:      jobID,
			PluginName: "csv",
			EnvHash:    SystemEnvHash,
		})
		if err != nil {
			t.Fatalf("EncodeMessage() error = %v", err)
		}

		conn.inbound <- msg
	}

	concludeMsg := waitForOpcode(t, conn, dispatcher.OpConclude, time.Second)

	var payload dispatcher.ConcludePayload
	if err := dispatcher.DecodePayload(concludeMsg, &payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}

	if payload.Status != dispatcher.ConcludeRejected {
		t.Fatalf("conclude status = %q, want Rejected", payload.Status)
	}

	close(block)
}

func TestRuntime_Abort_ConcludesAborted(t *testing.T) {
	conn := newChanConn()
	block := make(chan struct{})
	bridge := &fakeBridge{block: block, err: context.Canceled}
	rt := NewRuntime(Config{WorkerID: "w1"}, conn, bridge, fakeEnvCache{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForOpcode(t, conn, dispatcher.OpIdentify, time.Second)

	dispatchMsg, _ := dispatcher.EncodeMessage(dispatcher.OpDispatch, 1, dispatcher.DispatchPayload{
		JobID:      "job-1",
		PluginName: "csv",
		EnvHash:    SystemEnvHash,
	})
	conn.inbound <- dispatchMsg

	time.Sleep(20 * time.Millisecond)

	abortMsg, _ := dispatcher.EncodeMessage(dispatcher.OpAbort, 1, dispatcher.AbortPayload{JobID: "job-1"})
	conn.inbound <- abortMsg

	close(block)

	concludeMsg := waitForOpcode(t, conn, dispatcher.OpConclude, time.Second)

	var payload dispatcher.ConcludePayload
	if err := dispatcher.DecodePayload(concludeMsg, &payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}

	if payload.Status != dispatcher.ConcludeAborted {
		t.Fatalf("conclude status = %q, want Aborted", payload.Status)
	}
}

func TestRuntime_Heartbeat_ReportsActiveJobs(t *testing.T) {
	conn := newChanConn()
	block := make(chan struct{})
	defer close(block)

	bridge := &fakeBridge{block: block}
	rt := NewRuntime(Config{WorkerID: "w1", HeartbeatInterval: 10 * time.Millisecond}, conn, bridge, fakeEnvCache{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = rt.Run(ctx) }()

	waitForOpcode(t, conn, dispatcher.OpIdentify, time.Second)

	dispatchMsg, _ := dispatcher.EncodeMessage(dispatcher.OpDispatch, 1, dispatcher.DispatchPayload{
		JobID:      "job-1",
		PluginName: "csv",
		EnvHash:    SystemEnvHash,
	})
	conn.inbound <- dispatchMsg

	deadline := time.Now().Add(time.Second)

	var payload dispatcher.HeartbeatPayload

	found := false

	for time.Now().Before(deadline) && !found {
		hbMsg, ok := conn.lastOfOpcode(dispatcher.OpHeartbeat)
		if ok {
			if err := dispatcher.DecodePayload(hbMsg, &payload); err != nil {
				t.Fatalf("DecodePayload() error = %v", err)
			}

			for _, id := range payload.ActiveJobIDs {
				if id == "job-1" {
					found = true
				}
			}
		}

		time.Sleep(5 * time.Millisecond)
	}

	if !found {
		t.Fatalf("heartbeat active_job_ids never contained job-1, last seen: %v", payload.ActiveJobIDs)
	}
}
