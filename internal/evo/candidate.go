package evo

import (
	"fmt"

	"github.com/google/uuid"

	"xtalsearch/internal/model"
	"xtalsearch/internal/similarity"
	"xtalsearch/internal/structure"
)

// Candidate is a scored structure owned by a Population.
type Candidate struct {
	ID          string
	Structure   structure.Structure
	Fitness     float64
	Energy      float64
	Converged   bool
	Generation  int
	ParentIDs   []string
	Operation   string
	Fingerprint similarity.Fingerprint
}

const (
	OpSeed     = "seed"
	OpTemplate = "template"
	OpCross    = "crossover"
)

// candidateIDs derives stable identifiers from the run ID so that a resumed
// run assigns the same IDs a continuous one would.
type candidateIDs struct {
	namespace uuid.UUID
}

func newCandidateIDs(runID string) candidateIDs {
	return candidateIDs{namespace: uuid.NewSHA1(uuid.NameSpaceURL, []byte("xtalsearch:run:"+runID))}
}

func (c candidateIDs) next(generation, round, slot int) string {
	return uuid.NewSHA1(c.namespace, []byte(fmt.Sprintf("g%d-r%d-s%d", generation, round, slot))).String()
}

func StructureToRecord(s structure.Structure) model.StructureRecord {
	frac := s.Frac()
	rec := model.StructureRecord{
		Lattice: [3][3]float64(s.Lattice()),
		Species: s.Species(),
		Frac:    make([][3]float64, len(frac)),
		PBC:     s.PBC(),
	}
	for i, f := range frac {
		rec.Frac[i] = [3]float64(f)
	}
	return rec
}

func StructureFromRecord(rec model.StructureRecord) (structure.Structure, error) {
	frac := make([]structure.Vec3, len(rec.Frac))
	for i, f := range rec.Frac {
		frac[i] = structure.Vec3(f)
	}
	return structure.New(structure.Lattice(rec.Lattice), rec.Species, frac, rec.PBC)
}

func CandidateToRecord(c Candidate) model.CandidateRecord {
	return model.CandidateRecord{
		ID:         c.ID,
		Generation: c.Generation,
		Fitness:    c.Fitness,
		Energy:     c.Energy,
		Converged:  c.Converged,
		ParentIDs:  append([]string(nil), c.ParentIDs...),
		Operation:  c.Operation,
		Structure:  StructureToRecord(c.Structure),
	}
}

// CandidateFromRecord rebuilds a candidate and recomputes its fingerprint
// with oracle.
func CandidateFromRecord(rec model.CandidateRecord, oracle similarity.Oracle) (Candidate, error) {
	s, err := StructureFromRecord(rec.Structure)
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate %s: %w", rec.ID, err)
	}
	return Candidate{
		ID:          rec.ID,
		Structure:   s,
		Fitness:     rec.Fitness,
		Energy:      rec.Energy,
		Converged:   rec.Converged,
		Generation:  rec.Generation,
		ParentIDs:   append([]string(nil), rec.ParentIDs...),
		Operation:   rec.Operation,
		Fingerprint: oracle.Fingerprint(s),
	}, nil
}
