package fitness

import (
	"context"
	"fmt"
	"math"

	"xtalsearch/internal/structure"
)

const (
	defaultLJEpsilon    = 0.1
	defaultLJSigmaScale = 1.2
	ljCutoffFactor      = 2.5
	maxStepLength       = 0.1
	minStepScale        = 1e-8
)

// LennardJones is a reference back-end: a pairwise 12-6 potential whose
// equilibrium distance for each species pair is SigmaScale times the pair's
// minimum distance, relaxed by steepest descent on atomic positions with a
// fixed cell.
type LennardJones struct {
	Distances  structure.DistanceTable
	Epsilon    float64
	SigmaScale float64
}

func (LennardJones) Name() string {
	return "lennard_jones"
}

func (lj LennardJones) params() (float64, float64) {
	eps, scale := lj.Epsilon, lj.SigmaScale
	if eps <= 0 {
		eps = defaultLJEpsilon
	}
	if scale <= 0 {
		scale = defaultLJSigmaScale
	}
	return eps, scale
}

func (lj LennardJones) sigma(a, b string) float64 {
	_, scale := lj.params()
	return lj.Distances.Min(a, b) * scale / math.Pow(2, 1.0/6.0)
}

func (lj LennardJones) Relax(ctx context.Context, s structure.Structure, maxIterations int, tolerance float64) (Relaxation, error) {
	energy, forces := lj.energyAndForces(s)
	if math.IsNaN(energy) || math.IsInf(energy, 0) {
		return Relaxation{}, fmt.Errorf("initial energy is not finite")
	}
	n := float64(s.Len())
	step := 0.01
	converged := false
	iterations := 0

	for iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return Relaxation{}, err
		}
		iterations++

		maxForce := 0.0
		for _, f := range forces {
			if l := structure.Norm(f); l > maxForce {
				maxForce = l
			}
		}
		if maxForce < tolerance {
			converged = true
			break
		}

		scale := step
		if scale*maxForce > maxStepLength {
			scale = maxStepLength / maxForce
		}
		cart := s.Cartesian()
		trial := make([]structure.Vec3, len(cart))
		for i := range cart {
			for k := 0; k < 3; k++ {
				trial[i][k] = cart[i][k] + scale*forces[i][k]
			}
		}
		candidate, err := withCartesian(s, trial)
		if err != nil {
			return Relaxation{}, err
		}
		trialEnergy, trialForces := lj.energyAndForces(candidate)
		if trialEnergy < energy {
			delta := energy - trialEnergy
			s, energy, forces = candidate, trialEnergy, trialForces
			step *= 1.2
			if delta/n < tolerance {
				converged = true
				break
			}
			continue
		}
		step *= 0.5
		if step < minStepScale {
			break
		}
	}

	return Relaxation{Structure: s, Energy: energy, Converged: converged, Iterations: iterations}, nil
}

func withCartesian(s structure.Structure, cart []structure.Vec3) (structure.Structure, error) {
	frac, err := s.Lattice().ToFractional(cart)
	if err != nil {
		return structure.Structure{}, err
	}
	return s.WithPositions(frac)
}

// energyAndForces sums the potential over all pairs and periodic images
// within the cutoff. Forces are -dE/dr per atom.
func (lj LennardJones) energyAndForces(s structure.Structure) (float64, []structure.Vec3) {
	eps, _ := lj.params()
	lattice := s.Lattice()
	species := s.Species()
	frac := s.Frac()
	pbc := s.PBC()
	sigmaMax := 0.0
	for i := range species {
		for j := i; j < len(species); j++ {
			if sg := lj.sigma(species[i], species[j]); sg > sigmaMax {
				sigmaMax = sg
			}
		}
	}
	cutoff := ljCutoffFactor * sigmaMax
	ranges := s.ImageRanges(cutoff)

	energy := 0.0
	forces := make([]structure.Vec3, len(frac))
	for i := range frac {
		for j := i; j < len(frac); j++ {
			sg := lj.sigma(species[i], species[j])
			rc := ljCutoffFactor * sg
			var df structure.Vec3
			for k := 0; k < 3; k++ {
				df[k] = frac[j][k] - frac[i][k]
				if pbc[k] {
					df[k] -= math.Round(df[k])
				}
			}
			base := lattice.ToCartesian(df)
			for n0 := -ranges[0]; n0 <= ranges[0]; n0++ {
				for n1 := -ranges[1]; n1 <= ranges[1]; n1++ {
					for n2 := -ranges[2]; n2 <= ranges[2]; n2++ {
						self := i == j
						if self && n0 == 0 && n1 == 0 && n2 == 0 {
							continue
						}
						shift := lattice.ToCartesian(structure.Vec3{float64(n0), float64(n1), float64(n2)})
						rij := structure.Vec3{
							base[0] + shift[0],
							base[1] + shift[1],
							base[2] + shift[2],
						}
						r := structure.Norm(rij)
						if r > rc {
							continue
						}
						sr6 := math.Pow(sg/r, 6)
						e := 4 * eps * (sr6*sr6 - sr6)
						if self {
							energy += 0.5 * e
							continue
						}
						energy += e
						dEdr := 4 * eps * (-12*sr6*sr6 + 6*sr6) / r
						for k := 0; k < 3; k++ {
							f := dEdr * rij[k] / r
							forces[i][k] += f
							forces[j][k] -= f
						}
					}
				}
			}
		}
	}
	return energy, forces
}
