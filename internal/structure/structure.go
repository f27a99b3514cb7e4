package structure

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Lattice holds the three lattice vectors a, b, c as rows, in Angstrom.
type Lattice [3][3]float64

// Vec3 is a point or displacement in fractional or Cartesian space.
type Vec3 [3]float64

var (
	ErrInvalidStructure = errors.New("invalid structure")
	ErrGeneration       = errors.New("structure generation failed")
)

const degenerateVolume = 1e-8

// Structure is an immutable periodic atomic structure. Values are built through
// New and the With* helpers; no method mutates the receiver.
type Structure struct {
	lattice Lattice
	species []string
	frac    []Vec3
	pbc     [3]bool
}

// FullyPeriodic is the periodicity of a bulk crystal.
var FullyPeriodic = [3]bool{true, true, true}

// New validates its inputs and returns a structure owning copies of them.
// Fractional coordinates along periodic axes are wrapped into [0,1).
func New(lattice Lattice, species []string, frac []Vec3, pbc [3]bool) (Structure, error) {
	if len(species) == 0 {
		return Structure{}, fmt.Errorf("%w: structure has no atoms", ErrInvalidStructure)
	}
	if len(species) != len(frac) {
		return Structure{}, fmt.Errorf("%w: species count %d != coordinate count %d", ErrInvalidStructure, len(species), len(frac))
	}
	for i, sp := range species {
		if sp == "" {
			return Structure{}, fmt.Errorf("%w: empty species label at index %d", ErrInvalidStructure, i)
		}
	}
	for i := range lattice {
		for j := range lattice[i] {
			if math.IsNaN(lattice[i][j]) || math.IsInf(lattice[i][j], 0) {
				return Structure{}, fmt.Errorf("%w: non-finite lattice component", ErrInvalidStructure)
			}
		}
	}
	if math.Abs(latticeDet(lattice)) <= degenerateVolume {
		return Structure{}, fmt.Errorf("%w: degenerate lattice", ErrInvalidStructure)
	}

	s := Structure{
		lattice: lattice,
		species: append([]string(nil), species...),
		frac:    make([]Vec3, len(frac)),
		pbc:     pbc,
	}
	for i, p := range frac {
		for k := 0; k < 3; k++ {
			if math.IsNaN(p[k]) || math.IsInf(p[k], 0) {
				return Structure{}, fmt.Errorf("%w: non-finite coordinate at atom %d", ErrInvalidStructure, i)
			}
			if pbc[k] {
				p[k] = wrapUnit(p[k])
			}
		}
		s.frac[i] = p
	}
	return s, nil
}

// MustNew is New for fixtures whose validity is known statically.
func MustNew(lattice Lattice, species []string, frac []Vec3, pbc [3]bool) Structure {
	s, err := New(lattice, species, frac, pbc)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Structure) Len() int { return len(s.species) }

func (s Structure) Lattice() Lattice { return s.lattice }

func (s Structure) PBC() [3]bool { return s.pbc }

func (s Structure) Species() []string { return append([]string(nil), s.species...) }

func (s Structure) SpeciesAt(i int) string { return s.species[i] }

func (s Structure) Frac() []Vec3 { return append([]Vec3(nil), s.frac...) }

func (s Structure) FracAt(i int) Vec3 { return s.frac[i] }

func (s Structure) Composition() Composition {
	c := make(Composition, 4)
	for _, sp := range s.species {
		c[sp]++
	}
	return c
}

// Volume is the absolute cell volume in cubic Angstrom.
func (s Structure) Volume() float64 {
	return math.Abs(latticeDet(s.lattice))
}

func (s Structure) Cartesian() []Vec3 {
	out := make([]Vec3, len(s.frac))
	for i, f := range s.frac {
		out[i] = s.lattice.ToCartesian(f)
	}
	return out
}

// WithLattice keeps fractional coordinates and replaces the cell.
func (s Structure) WithLattice(lattice Lattice) (Structure, error) {
	return New(lattice, s.species, s.frac, s.pbc)
}

func (s Structure) WithPositions(frac []Vec3) (Structure, error) {
	return New(s.lattice, s.species, frac, s.pbc)
}

func (s Structure) WithSpecies(species []string) (Structure, error) {
	return New(s.lattice, species, s.frac, s.pbc)
}

// Translate shifts every atom by the same fractional offset.
func (s Structure) Translate(shift Vec3) Structure {
	frac := make([]Vec3, len(s.frac))
	for i, f := range s.frac {
		for k := 0; k < 3; k++ {
			f[k] += shift[k]
			if s.pbc[k] {
				f[k] = wrapUnit(f[k])
			}
		}
		frac[i] = f
	}
	return Structure{lattice: s.lattice, species: append([]string(nil), s.species...), frac: frac, pbc: s.pbc}
}

// Distance is the minimum-image distance between atoms i and j.
func (s Structure) Distance(i, j int) float64 {
	d := s.minImageDelta(s.frac[i], s.frac[j])
	return norm(d)
}

func (s Structure) minImageDelta(a, b Vec3) Vec3 {
	var df Vec3
	for k := 0; k < 3; k++ {
		df[k] = b[k] - a[k]
		if s.pbc[k] {
			df[k] -= math.Round(df[k])
		}
	}
	best := s.lattice.ToCartesian(df)
	bestLen := norm(best)
	ranges := s.imageRanges(1)
	for n0 := -ranges[0]; n0 <= ranges[0]; n0++ {
		for n1 := -ranges[1]; n1 <= ranges[1]; n1++ {
			for n2 := -ranges[2]; n2 <= ranges[2]; n2++ {
				if n0 == 0 && n1 == 0 && n2 == 0 {
					continue
				}
				shifted := Vec3{df[0] + float64(n0), df[1] + float64(n1), df[2] + float64(n2)}
				cart := s.lattice.ToCartesian(shifted)
				if l := norm(cart); l < bestLen {
					best, bestLen = cart, l
				}
			}
		}
	}
	return best
}

func (s Structure) imageRanges(n int) [3]int {
	var out [3]int
	for k := 0; k < 3; k++ {
		if s.pbc[k] {
			out[k] = n
		}
	}
	return out
}

// ShortestTranslation is the length of the shortest non-zero lattice
// translation along periodic axes, or +Inf for a non-periodic cell.
func (s Structure) ShortestTranslation() float64 {
	best := math.Inf(1)
	ranges := s.imageRanges(1)
	for n0 := -ranges[0]; n0 <= ranges[0]; n0++ {
		for n1 := -ranges[1]; n1 <= ranges[1]; n1++ {
			for n2 := -ranges[2]; n2 <= ranges[2]; n2++ {
				if n0 == 0 && n1 == 0 && n2 == 0 {
					continue
				}
				l := norm(s.lattice.ToCartesian(Vec3{float64(n0), float64(n1), float64(n2)}))
				if l < best {
					best = l
				}
			}
		}
	}
	return best
}

// ImageRanges is the number of periodic images per axis that can lie within
// cutoff of any atom in the cell, based on the interplanar spacing V/|b×c|.
// Non-periodic axes get zero.
func (s Structure) ImageRanges(cutoff float64) [3]int {
	volume := s.Volume()
	var out [3]int
	for k := 0; k < 3; k++ {
		if !s.pbc[k] {
			continue
		}
		spacing := volume / norm(Cross(s.lattice[(k+1)%3], s.lattice[(k+2)%3]))
		out[k] = int(math.Ceil(cutoff/spacing + 0.5))
	}
	return out
}

// ToCartesian maps fractional coordinates into Cartesian space.
func (l Lattice) ToCartesian(f Vec3) Vec3 {
	var out Vec3
	for j := 0; j < 3; j++ {
		out[j] = f[0]*l[0][j] + f[1]*l[1][j] + f[2]*l[2][j]
	}
	return out
}

// ToFractional maps Cartesian coordinates into the lattice basis.
func (l Lattice) ToFractional(cart []Vec3) ([]Vec3, error) {
	m := l.dense()
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: invert lattice: %v", ErrInvalidStructure, err)
	}
	out := make([]Vec3, len(cart))
	for i, c := range cart {
		row := mat.NewDense(1, 3, []float64{c[0], c[1], c[2]})
		var f mat.Dense
		f.Mul(row, &inv)
		out[i] = Vec3{f.At(0, 0), f.At(0, 1), f.At(0, 2)}
	}
	return out, nil
}

// Lengths returns |a|, |b|, |c|.
func (l Lattice) Lengths() Vec3 {
	return Vec3{norm(l[0]), norm(l[1]), norm(l[2])}
}

// Mul returns l·m, used to apply strain and rotations to row vectors.
func (l Lattice) Mul(m [3][3]float64) Lattice {
	var out Lattice
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = l[i][0]*m[0][j] + l[i][1]*m[1][j] + l[i][2]*m[2][j]
		}
	}
	return out
}

func (l Lattice) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		l[0][0], l[0][1], l[0][2],
		l[1][0], l[1][1], l[1][2],
		l[2][0], l[2][1], l[2][2],
	})
}

// LatticeFromParameters builds a lattice with a along x and b in the xy plane.
// Angles are in degrees.
func LatticeFromParameters(a, b, c, alpha, beta, gamma float64) (Lattice, error) {
	ar, br, gr := alpha*math.Pi/180, beta*math.Pi/180, gamma*math.Pi/180
	cosA, cosB, cosG, sinG := math.Cos(ar), math.Cos(br), math.Cos(gr), math.Sin(gr)
	if math.Abs(sinG) < 1e-12 {
		return Lattice{}, fmt.Errorf("%w: gamma must not be 0 or 180 degrees", ErrInvalidStructure)
	}
	cx := c * cosB
	cy := c * (cosA - cosB*cosG) / sinG
	cz2 := c*c - cx*cx - cy*cy
	if cz2 <= 0 {
		return Lattice{}, fmt.Errorf("%w: inconsistent lattice angles", ErrInvalidStructure)
	}
	return Lattice{
		{a, 0, 0},
		{b * cosG, b * sinG, 0},
		{cx, cy, math.Sqrt(cz2)},
	}, nil
}

func latticeDet(l Lattice) float64 {
	return mat.Det(l.dense())
}

func wrapUnit(x float64) float64 {
	x -= math.Floor(x)
	if x >= 1 {
		x = 0
	}
	return x
}

func norm(v Vec3) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Cross returns a × b.
func Cross(a, b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func Norm(v Vec3) float64 { return norm(v) }
