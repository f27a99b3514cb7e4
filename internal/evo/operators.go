package evo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"

	"golang.org/x/exp/maps"

	"xtalsearch/internal/structure"
)

var (
	ErrCompositionMismatch = errors.New("composition mismatch")
	ErrMutationFailed      = fmt.Errorf("mutation failed: %w", structure.ErrGeneration)
)

const (
	MutateDisplace  = "displace"
	MutateSwap      = "swap"
	MutateStrain    = "strain"
	MutateTransmute = "transmute"

	fallbackPrefix = "fallback:"
)

const (
	defaultDisplacementSigma    = 0.3
	defaultDisplaceFraction     = 0.5
	defaultStrainSigma          = 0.05
	defaultBoundaryWidth        = 0.1
	defaultMaxReconcileAttempts = 50
	defaultMaxOperatorRetries   = 20
	minBlendedVolume            = 1e-6
)

// MutationWeights are relative probabilities of each mutation kind.
type MutationWeights struct {
	Displace  float64 `json:"displace" toml:"displace"`
	Swap      float64 `json:"swap" toml:"swap"`
	Strain    float64 `json:"strain" toml:"strain"`
	Transmute float64 `json:"transmute" toml:"transmute"`
}

func DefaultMutationWeights() MutationWeights {
	return MutationWeights{Displace: 0.5, Swap: 0.25, Strain: 0.25}
}

func (w MutationWeights) validate() error {
	total := 0.0
	for _, item := range w.policy() {
		if item.weight < 0 || math.IsNaN(item.weight) {
			return fmt.Errorf("mutation weight for %s must be >= 0", item.name)
		}
		total += item.weight
	}
	if total <= 0 {
		return fmt.Errorf("mutation weights require at least one positive weight")
	}
	return nil
}

type weightedMutation struct {
	name   string
	weight float64
}

func (w MutationWeights) policy() []weightedMutation {
	return []weightedMutation{
		{name: MutateDisplace, weight: w.Displace},
		{name: MutateSwap, weight: w.Swap},
		{name: MutateStrain, weight: w.Strain},
		{name: MutateTransmute, weight: w.Transmute},
	}
}

type OperatorConfig struct {
	Target    structure.Composition
	Distances structure.DistanceTable
	Weights   MutationWeights
	// AllowCompositionChange enables transmute; without it the transmute
	// weight is ignored.
	AllowCompositionChange bool
	// Species lists the labels transmute may assign. Defaults to the target's.
	Species              []string
	DisplacementSigma    float64
	DisplaceFraction     float64
	StrainSigma          float64
	BoundaryWidth        float64
	MaxReconcileAttempts int
	MaxRetries           int
}

// Operators produces offspring structures. It holds no mutable state and is
// safe for concurrent use.
type Operators struct {
	cfg OperatorConfig
}

func NewOperators(cfg OperatorConfig) (*Operators, error) {
	if err := cfg.Target.Validate(); err != nil {
		return nil, fmt.Errorf("target composition: %w", err)
	}
	if cfg.Weights == (MutationWeights{}) {
		cfg.Weights = DefaultMutationWeights()
	}
	if !cfg.AllowCompositionChange {
		cfg.Weights.Transmute = 0
	}
	if err := cfg.Weights.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Species) == 0 {
		cfg.Species = cfg.Target.Species()
	}
	if cfg.DisplacementSigma <= 0 {
		cfg.DisplacementSigma = defaultDisplacementSigma
	}
	if cfg.DisplaceFraction <= 0 || cfg.DisplaceFraction > 1 {
		cfg.DisplaceFraction = defaultDisplaceFraction
	}
	if cfg.StrainSigma <= 0 {
		cfg.StrainSigma = defaultStrainSigma
	}
	if cfg.BoundaryWidth <= 0 || cfg.BoundaryWidth >= 0.5 {
		cfg.BoundaryWidth = defaultBoundaryWidth
	}
	if cfg.MaxReconcileAttempts <= 0 {
		cfg.MaxReconcileAttempts = defaultMaxReconcileAttempts
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxOperatorRetries
	}
	return &Operators{cfg: cfg}, nil
}

func (o *Operators) Target() structure.Composition {
	return o.cfg.Target.Clone()
}

// Crossover cuts both parents with the same plane and splices the halves.
// When no valid child with the target composition is found, it returns a
// mutation of a instead and reports the operation with a "fallback:" prefix.
func (o *Operators) Crossover(a, b structure.Structure, rng *rand.Rand) (structure.Structure, string, error) {
	if rng == nil {
		return structure.Structure{}, "", fmt.Errorf("random source is required")
	}
	for attempt := 0; attempt < o.cfg.MaxRetries; attempt++ {
		child, err := o.splice(a, b, rng)
		if err == nil {
			return child, OpCross, nil
		}
		// ErrCompositionMismatch and distance violations are retried with a new cut.
	}
	child, op, err := o.Mutate(a, rng)
	if err != nil {
		return structure.Structure{}, "", err
	}
	return child, fallbackPrefix + op, nil
}

type splicedAtom struct {
	species  string
	frac     structure.Vec3
	boundary float64
}

func (o *Operators) splice(a, b structure.Structure, rng *rand.Rand) (structure.Structure, error) {
	w := rng.Float64()
	la, lb := a.Lattice(), b.Lattice()
	var lattice structure.Lattice
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			lattice[i][j] = w*la[i][j] + (1-w)*lb[i][j]
		}
	}
	pbc := a.PBC()
	probe, err := structure.New(lattice, []string{"X"}, []structure.Vec3{{}}, pbc)
	if err != nil || probe.Volume() < minBlendedVolume {
		lattice = la
	}

	shiftA, shiftB := o.randomShift(pbc, rng), o.randomShift(pbc, rng)
	fa, fb := a.Translate(shiftA).Frac(), b.Translate(shiftB).Frac()
	axis := rng.Intn(3)
	cut := 0.3 + 0.4*rng.Float64()
	boundary := func(x float64) float64 {
		return math.Min(math.Abs(x-cut), math.Min(math.Abs(x), math.Abs(1-x)))
	}

	var kept, spare []splicedAtom
	for i, f := range fa {
		atom := splicedAtom{species: a.SpeciesAt(i), frac: f, boundary: boundary(f[axis])}
		if f[axis] < cut {
			kept = append(kept, atom)
		} else {
			spare = append(spare, atom)
		}
	}
	for i, f := range fb {
		atom := splicedAtom{species: b.SpeciesAt(i), frac: f, boundary: boundary(f[axis])}
		if f[axis] >= cut {
			kept = append(kept, atom)
		} else {
			spare = append(spare, atom)
		}
	}

	kept = o.trimSurplus(kept, rng)
	builder := structure.NewBuilder(lattice, pbc, o.cfg.Distances)
	if !builder.CellFits(o.cfg.Target.Species()) {
		return structure.Structure{}, fmt.Errorf("%w: blended cell too small", structure.ErrTooClose)
	}
	for _, atom := range kept {
		builder.TryAdd(atom.species, atom.frac)
	}
	if err := o.fillDeficit(builder, spare, rng); err != nil {
		return structure.Structure{}, err
	}
	return builder.Build()
}

func (o *Operators) randomShift(pbc [3]bool, rng *rand.Rand) structure.Vec3 {
	var shift structure.Vec3
	for k := 0; k < 3; k++ {
		if pbc[k] {
			shift[k] = rng.Float64()
		}
	}
	return shift
}

// boundaryFirst shuffles atoms and moves those inside the boundary slab to
// the front.
func (o *Operators) boundaryFirst(atoms []splicedAtom, rng *rand.Rand) {
	rng.Shuffle(len(atoms), func(i, j int) { atoms[i], atoms[j] = atoms[j], atoms[i] })
	width := o.cfg.BoundaryWidth
	sort.SliceStable(atoms, func(i, j int) bool {
		return atoms[i].boundary < width && atoms[j].boundary >= width
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// trimSurplus drops atoms of over-represented species, boundary slab first.
func (o *Operators) trimSurplus(kept []splicedAtom, rng *rand.Rand) []splicedAtom {
	bySpecies := map[string][]splicedAtom{}
	for _, atom := range kept {
		bySpecies[atom.species] = append(bySpecies[atom.species], atom)
	}
	out := make([]splicedAtom, 0, len(kept))
	for _, sp := range sortedKeys(bySpecies) {
		atoms := bySpecies[sp]
		want := o.cfg.Target[sp]
		if surplus := len(atoms) - want; surplus > 0 {
			o.boundaryFirst(atoms, rng)
			atoms = atoms[surplus:]
		}
		out = append(out, atoms...)
	}
	return out
}

// fillDeficit adds missing atoms, trying the spare halves first and random
// positions after that, within MaxReconcileAttempts tries per atom.
func (o *Operators) fillDeficit(builder *structure.Builder, spare []splicedAtom, rng *rand.Rand) error {
	have := builder.Composition()
	spareBySpecies := map[string][]splicedAtom{}
	for _, atom := range spare {
		spareBySpecies[atom.species] = append(spareBySpecies[atom.species], atom)
	}
	for _, sp := range o.cfg.Target.Species() {
		missing := o.cfg.Target[sp] - have[sp]
		if missing <= 0 {
			continue
		}
		candidates := spareBySpecies[sp]
		o.boundaryFirst(candidates, rng)
		for _, atom := range candidates {
			if missing == 0 {
				break
			}
			if builder.TryAdd(sp, atom.frac) {
				missing--
			}
		}
		for tries := 0; missing > 0 && tries < o.cfg.MaxReconcileAttempts*missing; tries++ {
			if builder.TryAdd(sp, structure.Vec3{rng.Float64(), rng.Float64(), rng.Float64()}) {
				missing--
			}
		}
		if missing > 0 {
			return fmt.Errorf("%w: %d %s atoms could not be placed", ErrCompositionMismatch, missing, sp)
		}
	}
	if !builder.Composition().Equal(o.cfg.Target) {
		return fmt.Errorf("%w: got %s want %s", ErrCompositionMismatch, builder.Composition(), o.cfg.Target)
	}
	return nil
}

// Mutate applies one weighted-random mutation. The result keeps the atom
// count and, unless composition changes are allowed, the composition.
func (o *Operators) Mutate(s structure.Structure, rng *rand.Rand) (structure.Structure, string, error) {
	if rng == nil {
		return structure.Structure{}, "", fmt.Errorf("random source is required")
	}
	kind := o.chooseMutation(rng)
	if kind == MutateSwap && len(s.Composition()) < 2 {
		kind = MutateDisplace
	}
	if kind == MutateTransmute && len(o.cfg.Species) < 2 {
		kind = MutateDisplace
	}
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxRetries; attempt++ {
		var (
			child structure.Structure
			err   error
		)
		switch kind {
		case MutateSwap:
			child, err = o.swap(s, rng)
		case MutateStrain:
			child, err = o.strain(s, rng)
		case MutateTransmute:
			child, err = o.transmute(s, rng)
		default:
			child, err = o.displace(s, rng)
		}
		if err == nil {
			err = structure.CheckDistances(child, o.cfg.Distances)
		}
		if err == nil {
			return child, kind, nil
		}
		lastErr = err
	}
	return structure.Structure{}, "", fmt.Errorf("%w: %s after %d attempts: %v", ErrMutationFailed, kind, o.cfg.MaxRetries, lastErr)
}

func (o *Operators) chooseMutation(rng *rand.Rand) string {
	policy := o.cfg.Weights.policy()
	total := 0.0
	for _, item := range policy {
		total += item.weight
	}
	pick := rng.Float64() * total
	acc := 0.0
	for _, item := range policy {
		if item.weight <= 0 {
			continue
		}
		acc += item.weight
		if pick <= acc {
			return item.name
		}
	}
	return MutateDisplace
}

func (o *Operators) displace(s structure.Structure, rng *rand.Rand) (structure.Structure, error) {
	cart := s.Cartesian()
	moved := 0
	for i := range cart {
		if rng.Float64() >= o.cfg.DisplaceFraction {
			continue
		}
		for k := 0; k < 3; k++ {
			cart[i][k] += rng.NormFloat64() * o.cfg.DisplacementSigma
		}
		moved++
	}
	if moved == 0 {
		i := rng.Intn(len(cart))
		for k := 0; k < 3; k++ {
			cart[i][k] += rng.NormFloat64() * o.cfg.DisplacementSigma
		}
	}
	frac, err := s.Lattice().ToFractional(cart)
	if err != nil {
		return structure.Structure{}, err
	}
	return s.WithPositions(frac)
}

func (o *Operators) swap(s structure.Structure, rng *rand.Rand) (structure.Structure, error) {
	species := s.Species()
	i := rng.Intn(len(species))
	var others []int
	for j, sp := range species {
		if sp != species[i] {
			others = append(others, j)
		}
	}
	if len(others) == 0 {
		return structure.Structure{}, fmt.Errorf("no atom of a different species to swap with")
	}
	j := others[rng.Intn(len(others))]
	species[i], species[j] = species[j], species[i]
	return s.WithSpecies(species)
}

func (o *Operators) strain(s structure.Structure, rng *rand.Rand) (structure.Structure, error) {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		m[i][i] = 1 + rng.NormFloat64()*o.cfg.StrainSigma
		for j := i + 1; j < 3; j++ {
			e := rng.NormFloat64() * o.cfg.StrainSigma / 2
			m[i][j], m[j][i] = e, e
		}
	}
	return s.WithLattice(s.Lattice().Mul(m))
}

func (o *Operators) transmute(s structure.Structure, rng *rand.Rand) (structure.Structure, error) {
	species := s.Species()
	i := rng.Intn(len(species))
	var choices []string
	for _, sp := range o.cfg.Species {
		if sp != species[i] {
			choices = append(choices, sp)
		}
	}
	if len(choices) == 0 {
		return structure.Structure{}, fmt.Errorf("no alternative species for %s", species[i])
	}
	species[i] = choices[rng.Intn(len(choices))]
	return s.WithSpecies(species)
}
