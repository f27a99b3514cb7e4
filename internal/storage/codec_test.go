package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"xtalsearch/internal/model"
)

func TestDecodeSnapshotFixture(t *testing.T) {
	data := readFixture(t, "population_snapshot_v1.json")
	snapshot, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if snapshot.RunID != "nah-fixture" || snapshot.Generation != 2 {
		t.Fatalf("unexpected snapshot header: %+v", snapshot)
	}
	if len(snapshot.BestHistory) != snapshot.Generation+1 {
		t.Fatalf("unexpected history length: %d", len(snapshot.BestHistory))
	}
	if len(snapshot.Candidates) != 2 {
		t.Fatalf("unexpected candidate count: %d", len(snapshot.Candidates))
	}
	first := snapshot.Candidates[0]
	if first.ID != "cand-a" || !first.Converged || len(first.ParentIDs) != 2 {
		t.Fatalf("unexpected first candidate: %+v", first)
	}
	if first.Structure.Lattice[2][2] != 4.1 || first.Structure.Frac[1] != [3]float64{0.5, 0.5, 0.5} {
		t.Fatalf("unexpected structure: %+v", first.Structure)
	}
	if snapshot.Candidates[1].Converged {
		t.Fatal("expected second candidate to be unconverged")
	}
}

func TestDecodeRunFixture(t *testing.T) {
	run, err := DecodeRun(readFixture(t, "run_v1.json"))
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if run.RunID != "nah-fixture" || run.Status != "exhausted" || run.Evaluations != 110 {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestDecodeRejectsFutureSchema(t *testing.T) {
	_, err := DecodeRun(readFixture(t, "run_v2.json"))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestSnapshotCodecRoundTrip(t *testing.T) {
	input := model.PopulationSnapshot{
		VersionedRecord: model.CurrentVersion(),
		RunID:           "run-1",
		Generation:      1,
		Status:          "running",
		BestHistory:     []float64{-1, -1.25},
		Capacity:        3,
		Candidates: []model.CandidateRecord{{
			ID:        "c1",
			Fitness:   -1.25,
			Energy:    -2.5,
			Converged: true,
			Operation: "seed",
			Structure: model.StructureRecord{
				Lattice: [3][3]float64{{3, 0, 0}, {0, 3, 0}, {0, 0, 3}},
				Species: []string{"Na", "H"},
				Frac:    [][3]float64{{0, 0, 0}, {0.5, 0.5, 0.5}},
				PBC:     [3]bool{true, true, true},
			},
		}},
	}
	data, err := EncodeSnapshot(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	output, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(input, output) {
		t.Fatalf("snapshot mismatch:\nwant=%+v\ngot=%+v", input, output)
	}
}

func TestDecodeLineageChecksEveryRecord(t *testing.T) {
	data, err := EncodeLineage([]model.LineageRecord{
		{VersionedRecord: model.CurrentVersion(), CandidateID: "a"},
		{VersionedRecord: model.VersionedRecord{SchemaVersion: 9, CodecVersion: 1}, CandidateID: "b"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeLineage(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestDecodeGenerationSummaryRejectsMissingVersion(t *testing.T) {
	if _, err := DecodeGenerationSummary([]byte(`{"run_id":"r","generation":1}`)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(fixturePath(name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}
