package stats

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"xtalsearch/internal/config"
	"xtalsearch/internal/model"
)

func sampleArtifacts(runID string) RunArtifacts {
	cfg := config.Default()
	cfg.RunID = runID
	cfg.Composition = "Na4H4"
	cfg.PopulationSize = 4
	cfg.MaxGenerations = 2
	return RunArtifacts{
		Config: cfg,
		Summaries: []model.GenerationSummary{
			{RunID: runID, Generation: 0, Status: "running", BestFitness: -1.0, MeanFitness: -0.5, PopulationSize: 4, Evaluated: 4, Inserted: 4},
			{RunID: runID, Generation: 1, Status: "running", BestFitness: -1.5, MeanFitness: -0.9, PopulationSize: 4, Evaluated: 2, Replaced: 1},
			{RunID: runID, Generation: 2, Status: "exhausted", BestFitness: -2.0, MeanFitness: -1.1, PopulationSize: 4, Evaluated: 2, Replaced: 2, BestCandidateID: "c9"},
		},
		Population: model.PopulationSnapshot{
			VersionedRecord: model.CurrentVersion(),
			RunID:           runID,
			Generation:      2,
			Status:          "exhausted",
			Evaluations:     8,
			Capacity:        4,
			Candidates:      []model.CandidateRecord{{ID: "c9", Generation: 2, Fitness: -2, Converged: true}},
		},
		Lineage: []model.LineageRecord{{CandidateID: "c9", ParentIDs: []string{"a", "b"}, Generation: 2, Operation: "crossover", Outcome: "replaced_worst"}},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	runDir, err := WriteRunArtifacts(baseDir, sampleArtifacts(runID))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{"config.json", "fitness_history.csv", "generations.json", "population.json", "lineage.json", "summary.json"}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.RunID != runID || cfg.PopulationSize != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	history, ok, err := ReadFitnessHistory(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read history: ok=%t err=%v", ok, err)
	}
	if len(history) != 3 || history[0] != -1.0 || history[2] != -2.0 {
		t.Fatalf("unexpected history: %v", history)
	}

	population, ok, err := ReadPopulation(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read population: ok=%t err=%v", ok, err)
	}
	if len(population.Candidates) != 1 || population.Candidates[0].ID != "c9" {
		t.Fatalf("unexpected population: %+v", population)
	}

	summaries, ok, err := ReadGenerationSummaries(baseDir, runID)
	if err != nil || !ok || len(summaries) != 3 || summaries[2].Replaced != 2 {
		t.Fatalf("unexpected summaries: ok=%t err=%v %+v", ok, err, summaries)
	}
	lineage, ok, err := ReadLineage(baseDir, runID)
	if err != nil || !ok || len(lineage) != 1 || lineage[0].Outcome != "replaced_worst" {
		t.Fatalf("unexpected lineage: ok=%t err=%v %+v", ok, err, lineage)
	}

	summary, ok, err := ReadRunSummary(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read summary: ok=%t err=%v", ok, err)
	}
	if summary.Composition != "H4Na4" || summary.Status != "exhausted" || summary.Generations != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if math.Abs(summary.Improvement-1.0) > 1e-12 || summary.BestCandidateID != "c9" || summary.Evaluations != 8 {
		t.Fatalf("unexpected summary values: %+v", summary)
	}
}

func TestSummarizeRunStatistics(t *testing.T) {
	summary := SummarizeRun("Na", []model.GenerationSummary{
		{Generation: 0, BestFitness: -1},
		{Generation: 1, BestFitness: -3},
	}, 10)
	if summary.BestMean != -2 {
		t.Fatalf("expected mean -2, got %f", summary.BestMean)
	}
	if math.Abs(summary.BestStd-math.Sqrt2) > 1e-12 {
		t.Fatalf("expected sample std sqrt(2), got %f", summary.BestStd)
	}
	if empty := SummarizeRun("Na", nil, 0); empty.Generations != 0 || empty.BestStd != 0 {
		t.Fatalf("unexpected empty summary: %+v", empty)
	}
}

func TestExportRequiresRunDirectory(t *testing.T) {
	if _, err := ExportRunArtifacts(t.TempDir(), "missing", t.TempDir()); err == nil {
		t.Fatal("expected error for missing run")
	}
	if _, err := ExportRunArtifacts(t.TempDir(), "", t.TempDir()); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestRunIndexNewestFirstAndUpsert(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", Status: "running"},
		{RunID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "c", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", Status: "converged"},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append index: %v", err)
		}
	}
	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(index))
	}
	if index[0].RunID != "c" || index[1].RunID != "b" || index[2].RunID != "a" {
		t.Fatalf("unexpected order: %+v", index)
	}
	if index[2].Status != "converged" {
		t.Fatalf("expected upserted status, got %s", index[2].Status)
	}

	// Upserting the older of two same-second runs must not make it newer.
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z", Status: "exhausted"}); err != nil {
		t.Fatalf("upsert index: %v", err)
	}
	index, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if index[0].RunID != "c" || index[1].RunID != "b" || index[1].Status != "exhausted" {
		t.Fatalf("unexpected order after upsert: %+v", index)
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestWriteRunConfigRejectsMismatchedRunID(t *testing.T) {
	cfg := config.Default()
	cfg.RunID = "other"
	if err := WriteRunConfig(t.TempDir(), "run-1", cfg); err == nil {
		t.Fatal("expected run id mismatch")
	}
	cfg.RunID = ""
	baseDir := t.TempDir()
	if err := WriteRunConfig(baseDir, "run-1", cfg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loaded, ok, err := ReadRunConfig(baseDir, "run-1")
	if err != nil || !ok || loaded.RunID != "run-1" {
		t.Fatalf("unexpected loaded config: ok=%t err=%v %+v", ok, err, loaded)
	}
}
