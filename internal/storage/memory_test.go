package storage

import (
	"context"
	"testing"

	"xtalsearch/internal/model"
)

func newInitializedMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveRun(context.Background(), model.RunRecord{RunID: "r"}); err == nil {
		t.Fatal("expected error before init")
	}
}

func TestMemoryStoreRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)
	for _, run := range []model.RunRecord{
		{VersionedRecord: model.CurrentVersion(), RunID: "old", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{VersionedRecord: model.CurrentVersion(), RunID: "new", CreatedAtUTC: "2026-02-01T00:00:00Z"},
	} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "new" || runs[1].RunID != "old" {
		t.Fatalf("unexpected run order: %+v", runs)
	}
	if _, ok, _ := store.GetRun(ctx, "missing"); ok {
		t.Fatal("expected missing run")
	}
}

func TestMemoryStoreSnapshotIsCopied(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)
	snapshot := model.PopulationSnapshot{
		VersionedRecord: model.CurrentVersion(),
		RunID:           "run-1",
		BestHistory:     []float64{-1},
	}
	if err := store.SaveSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	snapshot.BestHistory[0] = 42

	loaded, ok, err := store.GetSnapshot(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get snapshot: ok=%t err=%v", ok, err)
	}
	if loaded.BestHistory[0] != -1 {
		t.Fatalf("stored snapshot aliased caller slice: %v", loaded.BestHistory)
	}
}

func TestMemoryStoreGenerationSummariesSortedAndUpserted(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)
	for _, gen := range []int{2, 0, 1, 2} {
		summary := model.GenerationSummary{VersionedRecord: model.CurrentVersion(), RunID: "run-1", Generation: gen, BestFitness: float64(-gen)}
		if err := store.SaveGenerationSummary(ctx, summary); err != nil {
			t.Fatalf("save summary: %v", err)
		}
	}
	summaries, ok, err := store.GetGenerationSummaries(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get summaries: ok=%t err=%v", ok, err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	for i, s := range summaries {
		if s.Generation != i {
			t.Fatalf("expected generation order, got %+v", summaries)
		}
	}
}

func TestMemoryStoreLineageAppendAndReplace(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)
	first := []model.LineageRecord{
		{VersionedRecord: model.CurrentVersion(), CandidateID: "a", Generation: 0, Operation: "seed", Outcome: "appended"},
		{VersionedRecord: model.CurrentVersion(), CandidateID: "b", Generation: 0, Operation: "seed", Outcome: "appended"},
	}
	if err := store.AppendLineage(ctx, "run-1", first); err != nil {
		t.Fatalf("append lineage: %v", err)
	}
	second := []model.LineageRecord{
		{VersionedRecord: model.CurrentVersion(), CandidateID: "b", Generation: 0, Operation: "seed", Outcome: "rejected_worse"},
		{VersionedRecord: model.CurrentVersion(), CandidateID: "c", Generation: 1, ParentIDs: []string{"a", "b"}, Operation: "crossover", Outcome: "replaced_worst", EvictedID: "b"},
	}
	if err := store.AppendLineage(ctx, "run-1", second); err != nil {
		t.Fatalf("append lineage: %v", err)
	}

	lineage, ok, err := store.GetLineage(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get lineage: ok=%t err=%v", ok, err)
	}
	if len(lineage) != 3 {
		t.Fatalf("expected 3 records, got %d", len(lineage))
	}
	if lineage[1].CandidateID != "b" || lineage[1].Outcome != "rejected_worse" {
		t.Fatalf("expected b replaced in place: %+v", lineage[1])
	}
	if lineage[2].CandidateID != "c" || lineage[2].EvictedID != "b" {
		t.Fatalf("unexpected last record: %+v", lineage[2])
	}
}
