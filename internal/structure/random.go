package structure

import (
	"fmt"
	"math/rand"
)

const (
	defaultMaxLatticeAttempts = 50
	defaultMaxPlacementTries  = 200
	defaultMinAngle           = 70.0
	defaultMaxAngle           = 110.0
)

// RandomGenerator seeds populations with random structures that satisfy a
// distance table.
type RandomGenerator struct {
	Distances         DistanceTable
	MaxAttempts       int
	MaxPlacementTries int
	MinAngle          float64
	MaxAngle          float64
}

// Generate draws a fully periodic cell with lattice vector lengths in
// [max(bound/2, minimum distance), bound] and places the atoms of counts one
// at a time, discarding the lattice when an atom cannot be placed.
func (g RandomGenerator) Generate(counts Composition, latticeRadiusBound float64, rng *rand.Rand) (Structure, error) {
	if rng == nil {
		return Structure{}, fmt.Errorf("random source is required")
	}
	if err := counts.Validate(); err != nil {
		return Structure{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if latticeRadiusBound <= 0 {
		return Structure{}, fmt.Errorf("%w: lattice radius bound must be > 0", ErrGeneration)
	}

	species := counts.Species()
	minLen := g.Distances.MaxFor(species)
	if minLen > latticeRadiusBound {
		return Structure{}, fmt.Errorf("%w: minimum distance %.3f exceeds lattice bound %.3f", ErrGeneration, minLen, latticeRadiusBound)
	}
	lo := latticeRadiusBound / 2
	if minLen > lo {
		lo = minLen
	}

	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxLatticeAttempts
	}
	tries := g.MaxPlacementTries
	if tries <= 0 {
		tries = defaultMaxPlacementTries
	}
	minAngle, maxAngle := g.MinAngle, g.MaxAngle
	if minAngle <= 0 || maxAngle <= minAngle || maxAngle >= 180 {
		minAngle, maxAngle = defaultMinAngle, defaultMaxAngle
	}

	labels := make([]string, 0, counts.Total())
	for _, sp := range species {
		for i := 0; i < counts[sp]; i++ {
			labels = append(labels, sp)
		}
	}

	for attempt := 0; attempt < attempts; attempt++ {
		lattice, err := LatticeFromParameters(
			uniform(rng, lo, latticeRadiusBound),
			uniform(rng, lo, latticeRadiusBound),
			uniform(rng, lo, latticeRadiusBound),
			uniform(rng, minAngle, maxAngle),
			uniform(rng, minAngle, maxAngle),
			uniform(rng, minAngle, maxAngle),
		)
		if err != nil {
			continue
		}
		if s, ok := place(lattice, labels, g.Distances, tries, rng); ok {
			return s, nil
		}
	}
	return Structure{}, fmt.Errorf("%w: no valid %s structure after %d lattices", ErrGeneration, counts, attempts)
}

func place(lattice Lattice, labels []string, table DistanceTable, tries int, rng *rand.Rand) (Structure, bool) {
	b := NewBuilder(lattice, FullyPeriodic, table)
	if !b.CellFits(labels) {
		return Structure{}, false
	}
	for _, sp := range labels {
		placed := false
		for try := 0; try < tries; try++ {
			if b.TryAdd(sp, Vec3{rng.Float64(), rng.Float64(), rng.Float64()}) {
				placed = true
				break
			}
		}
		if !placed {
			return Structure{}, false
		}
	}
	s, err := b.Build()
	return s, err == nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
