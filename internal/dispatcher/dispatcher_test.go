package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeSource struct {
	claimable  []ClaimedJob
	completed  map[string]string
	retried    map[string]int
	deadLetter map[string]bool
}

func newFakeSource(jobs ...ClaimedJob) *fakeSource {
	return &fakeSource{
		claimable:  jobs,
		completed:  make(map[string]string),
		retried:    make(map[string]int),
		deadLetter: make(map[string]bool),
	}
}

func (f *fakeSource) ClaimNextJob(_ context.Context, plugins []string) (ClaimedJob, bool, error) {
	for i, job := range f.claimable {
		if !pluginMatches(plugins, job.Plugin) {
			continue
		}

		f.claimable = append(f.claimable[:i], f.claimable[i+1:]...)

		return job, true, nil
	}

	return ClaimedJob{}, false, nil
}

func pluginMatches(plugins []string, plugin string) bool {
	if len(plugins) == 0 {
		return true
	}

	for _, p := range plugins {
		if p == plugin {
			return true
		}
	}

	return false
}

func (f *fakeSource) CompleteJob(_ context.Context, id string, status string, _ json.RawMessage, _ string, _ int) error {
	f.completed[id] = status

	return nil
}

func (f *fakeSource) RetryOrDeadLetter(_ context.Context, id string, maxRetries int, _ string) (bool, error) {
	f.retried[id]++

	if f.retried[id] >= maxRetries {
		f.deadLetter[id] = true

		return true, nil
	}

	return false, nil
}

type fakeConn struct {
	sent []Message
}

func (c *fakeConn) Send(msg Message) error {
	c.sent = append(c.sent, msg)

	return nil
}

func TestDispatcher_TryDispatch_SendsDispatchToCapableWorker(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	workerID := registry.Identify("w1", []string{"csv"}, 4)

	source := newFakeSource(ClaimedJob{ID: "job-1", Plugin: "csv", FilePath: "/data/a.csv", EnvHash: "system"})
	d := New(registry, source, 3)

	conn := &fakeConn{}
	d.Connect(workerID, conn)

	dispatched, err := d.TryDispatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("TryDispatch() error = %v", err)
	}

	if !dispatched {
		t.Fatal("TryDispatch() = false, want true")
	}

	if len(conn.sent) != 1 || conn.sent[0].Opcode != OpDispatch {
		t.Fatalf("conn.sent = %+v, want one Dispatch message", conn.sent)
	}

	var payload DispatchPayload
	if err := DecodePayload(conn.sent[0], &payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}

	if payload.JobID != "job-1" {
		t.Fatalf("dispatched job id = %q, want job-1", payload.JobID)
	}

	w, _ := registry.Get(workerID)
	if len(w.ActiveJobIDs) != 1 || w.ActiveJobIDs[0] != "job-1" {
		t.Fatalf("worker active jobs = %v, want [job-1]", w.ActiveJobIDs)
	}
}

func TestDispatcher_ResolveJobID_RoundTripsThroughDispatchAndConclude(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	workerID := registry.Identify("w1", []string{"csv"}, 4)

	source := newFakeSource(ClaimedJob{ID: "job-1", Plugin: "csv"})
	d := New(registry, source, 3)
	d.Connect(workerID, &fakeConn{})

	if _, ok := d.ResolveJobID(jobIDHash("job-1")); ok {
		t.Fatal("ResolveJobID() before dispatch = ok, want not found")
	}

	if _, err := d.TryDispatch(context.Background(), nil); err != nil {
		t.Fatalf("TryDispatch() error = %v", err)
	}

	id, ok := d.ResolveJobID(jobIDHash("job-1"))
	if !ok || id != "job-1" {
		t.Fatalf("ResolveJobID() after dispatch = (%q, %v), want (job-1, true)", id, ok)
	}

	if err := d.HandleConclude(context.Background(), workerID, "job-1", ConcludePayload{Status: ConcludeSuccess}); err != nil {
		t.Fatalf("HandleConclude() error = %v", err)
	}

	if _, ok := d.ResolveJobID(jobIDHash("job-1")); ok {
		t.Fatal("ResolveJobID() after conclude = ok, want cleared")
	}
}

func TestDispatcher_TryDispatch_NoClaimableJob(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	source := newFakeSource()
	d := New(registry, source, 3)

	dispatched, err := d.TryDispatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("TryDispatch() error = %v", err)
	}

	if dispatched {
		t.Fatal("TryDispatch() = true on empty queue, want false")
	}
}

func TestDispatcher_TryDispatch_NoCapableWorker(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	source := newFakeSource(ClaimedJob{ID: "job-1", Plugin: "parquet"})
	d := New(registry, source, 3)

	_, err := d.TryDispatch(context.Background(), nil)
	if err == nil {
		t.Fatal("TryDispatch() with no capable worker = nil error, want ErrNoCapableWorker")
	}
}

func TestDispatcher_HandleConclude_Success(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	workerID := registry.Identify("w1", []string{"csv"}, 4)
	registry.MarkDispatched(workerID, "job-1")

	source := newFakeSource()
	d := New(registry, source, 3)

	if err := d.HandleConclude(context.Background(), workerID, "job-1", ConcludePayload{Status: ConcludeSuccess, Rows: 100}); err != nil {
		t.Fatalf("HandleConclude() error = %v", err)
	}

	if source.completed["job-1"] != string(ConcludeSuccess) {
		t.Fatalf("completed[job-1] = %q, want Success", source.completed["job-1"])
	}

	w, _ := registry.Get(workerID)
	if len(w.ActiveJobIDs) != 0 {
		t.Fatalf("worker active jobs after conclude = %v, want empty", w.ActiveJobIDs)
	}
}

func TestDispatcher_HandleConclude_RejectedRequeues(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	workerID := registry.Identify("w1", []string{"csv"}, 1)
	registry.MarkDispatched(workerID, "job-1")

	source := newFakeSource()
	d := New(registry, source, 3)

	if err := d.HandleConclude(context.Background(), workerID, "job-1", ConcludePayload{Status: ConcludeRejected}); err != nil {
		t.Fatalf("HandleConclude() error = %v", err)
	}

	if source.retried["job-1"] != 1 {
		t.Fatalf("retried[job-1] = %d, want 1", source.retried["job-1"])
	}

	if _, completed := source.completed["job-1"]; completed {
		t.Fatal("job-1 was marked completed on Rejected, want retry path only")
	}
}

func TestDispatcher_HandleAbort_ForwardsToOwningWorker(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	workerID := registry.Identify("w1", []string{"csv"}, 4)
	registry.MarkDispatched(workerID, "job-1")

	source := newFakeSource()
	d := New(registry, source, 3)

	conn := &fakeConn{}
	d.Connect(workerID, conn)

	if err := d.HandleAbort("job-1"); err != nil {
		t.Fatalf("HandleAbort() error = %v", err)
	}

	if len(conn.sent) != 1 || conn.sent[0].Opcode != OpAbort {
		t.Fatalf("conn.sent = %+v, want one Abort message", conn.sent)
	}
}

func TestDispatcher_HandleAbort_UnknownJob(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	source := newFakeSource()
	d := New(registry, source, 3)

	if err := d.HandleAbort("ghost-job"); err == nil {
		t.Fatal("HandleAbort() on unowned job = nil error, want error")
	}
}

func TestDispatcher_HandleWorkerLost_MarksJobFailed(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	workerID := registry.Identify("w1", []string{"csv"}, 4)

	source := newFakeSource()
	d := New(registry, source, 3)
	d.Connect(workerID, &fakeConn{})

	if err := d.HandleWorkerLost(context.Background(), LostJob{WorkerID: workerID, JobID: "job-1"}); err != nil {
		t.Fatalf("HandleWorkerLost() error = %v", err)
	}

	if source.completed["job-1"] != "Failed" {
		t.Fatalf("completed[job-1] = %q, want Failed", source.completed["job-1"])
	}
}
