//go:build integration

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"

	"github.com/casparian-io/casparian/internal/config"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store := &PostgresStore{db: testDB.Connection}

	specID, canonicalJSON, err := SpecIdentity(Filters{PathGlob: "*.csv", Since: "P1D"})
	if err != nil {
		t.Fatalf("SpecIdentity() error = %v", err)
	}

	spec := SelectionSpec{SpecID: specID, FiltersJSON: string(canonicalJSON)}
	if err := store.SaveSpec(ctx, spec); err != nil {
		t.Fatalf("SaveSpec() error = %v", err)
	}

	// Re-saving an identical spec id must be a no-op, not a conflict.
	if err := store.SaveSpec(ctx, spec); err != nil {
		t.Fatalf("SaveSpec() second call error = %v", err)
	}

	got, ok, err := store.GetSpec(ctx, specID)
	if err != nil {
		t.Fatalf("GetSpec() error = %v", err)
	}

	if !ok || got.FiltersJSON != spec.FiltersJSON {
		t.Fatalf("GetSpec() = %+v, ok=%v, want %+v", got, ok, spec)
	}

	def := PipelineDef{Name: "trades", Filters: Filters{PathGlob: "*.csv", Since: "P1D"}, Plugin: "trades@1.2.3", Sinks: []string{"parquet:///out"}}

	pipe1 := Pipeline{Name: def.Name, Version: 1, Definition: def, SpecID: specID}
	if err := store.SavePipeline(ctx, pipe1); err != nil {
		t.Fatalf("SavePipeline() error = %v", err)
	}

	pipe2 := Pipeline{Name: def.Name, Version: 2, Definition: def, SpecID: specID}
	if err := store.SavePipeline(ctx, pipe2); err != nil {
		t.Fatalf("SavePipeline() error = %v", err)
	}

	if err := store.SavePipeline(ctx, pipe2); err != ErrPipelineVersionConflict {
		t.Errorf("SavePipeline() repeat version error = %v, want ErrPipelineVersionConflict", err)
	}

	latest, ok, err := store.LatestPipeline(ctx, def.Name)
	if err != nil {
		t.Fatalf("LatestPipeline() error = %v", err)
	}

	if !ok || latest.Version != 2 {
		t.Fatalf("LatestPipeline() = %+v, ok=%v, want version 2", latest, ok)
	}

	versions, err := store.ListPipelineVersions(ctx, def.Name)
	if err != nil {
		t.Fatalf("ListPipelineVersions() error = %v", err)
	}

	if len(versions) != 2 {
		t.Fatalf("ListPipelineVersions() returned %d, want 2", len(versions))
	}

	logicalDate := NormalizeLogicalDate(time.Date(2024, 10, 1, 15, 30, 0, 0, time.UTC))
	snapshotHash := SnapshotHash(specID, logicalDate, []string{"file-1", "file-2"})

	snap := SelectionSnapshot{SpecID: specID, LogicalDate: logicalDate, SnapshotHash: snapshotHash, FileIDs: []string{"file-1", "file-2"}}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	gotSnap, ok, err := store.GetSnapshot(ctx, specID, logicalDate)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}

	if !ok || gotSnap.SnapshotHash != snapshotHash || len(gotSnap.FileIDs) != 2 {
		t.Fatalf("GetSnapshot() = %+v, ok=%v", gotSnap, ok)
	}

	run := PipelineRun{PipelineName: def.Name, LogicalDate: logicalDate, SpecID: specID, SnapshotHash: snapshotHash, Status: RunQueued}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	gotRun, ok, err := store.GetRun(ctx, def.Name, logicalDate)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}

	if !ok || gotRun.Status != RunQueued || gotRun.SnapshotHash != snapshotHash {
		t.Fatalf("GetRun() = %+v, ok=%v", gotRun, ok)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
