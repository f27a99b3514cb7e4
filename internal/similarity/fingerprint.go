// Package similarity decides whether two structures describe the same
// arrangement of atoms. Fingerprints are built from interatomic distances
// only, so they do not change under translation, rotation, or reordering of
// atoms of the same species.
package similarity

import (
	"math"

	"xtalsearch/internal/structure"
)

const (
	DefaultTolerance = 0.01
	DefaultCutoff    = 6.0
	DefaultBinWidth  = 0.1
	DefaultSigma     = 0.05
)

// Fingerprint is a per-species-pair radial distribution signature.
type Fingerprint struct {
	Composition string    `json:"composition"`
	Pairs       []string  `json:"pairs"`
	Vector      []float64 `json:"vector"`
}

// Oracle compares structures through their fingerprints.
type Oracle struct {
	Tolerance float64
	Cutoff    float64
	BinWidth  float64
	Sigma     float64
}

func NewOracle(tolerance float64) Oracle {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Oracle{Tolerance: tolerance, Cutoff: DefaultCutoff, BinWidth: DefaultBinWidth, Sigma: DefaultSigma}
}

func (o Oracle) params() (cutoff, width, sigma float64) {
	cutoff, width, sigma = o.Cutoff, o.BinWidth, o.Sigma
	if cutoff <= 0 {
		cutoff = DefaultCutoff
	}
	if width <= 0 {
		width = DefaultBinWidth
	}
	if sigma <= 0 {
		sigma = DefaultSigma
	}
	return cutoff, width, sigma
}

// Fingerprint computes, for every unordered species pair, the smeared
// pair-distance histogram normalised like g(r)-1.
func (o Oracle) Fingerprint(s structure.Structure) Fingerprint {
	cutoff, width, sigma := o.params()
	bins := int(math.Ceil(cutoff / width))
	comp := s.Composition()
	species := comp.Species()
	lattice := s.Lattice()
	volume := s.Volume()
	frac := s.Frac()
	ranges := s.ImageRanges(cutoff)

	indices := map[string][]int{}
	for i := 0; i < s.Len(); i++ {
		sp := s.SpeciesAt(i)
		indices[sp] = append(indices[sp], i)
	}

	fp := Fingerprint{Composition: comp.String()}
	for ai, a := range species {
		for _, b := range species[ai:] {
			hist := make([]float64, bins)
			for _, i := range indices[a] {
				for _, j := range indices[b] {
					var df structure.Vec3
					for k := 0; k < 3; k++ {
						df[k] = frac[j][k] - frac[i][k]
						if s.PBC()[k] {
							df[k] -= math.Round(df[k])
						}
					}
					base := lattice.ToCartesian(df)
					for n0 := -ranges[0]; n0 <= ranges[0]; n0++ {
						for n1 := -ranges[1]; n1 <= ranges[1]; n1++ {
							for n2 := -ranges[2]; n2 <= ranges[2]; n2++ {
								shift := lattice.ToCartesian(structure.Vec3{float64(n0), float64(n1), float64(n2)})
								d := structure.Norm(structure.Vec3{base[0] + shift[0], base[1] + shift[1], base[2] + shift[2]})
								if d < 1e-8 || d > cutoff {
									continue
								}
								smear(hist, d, width, sigma)
							}
						}
					}
				}
			}
			na, nb := float64(len(indices[a])), float64(len(indices[b]))
			density := na * nb / volume
			for k := range hist {
				r := (float64(k) + 0.5) * width
				shell := 4 * math.Pi * r * r * width * density
				hist[k] = hist[k]/shell - 1
			}
			fp.Pairs = append(fp.Pairs, structure.PairKey(a, b))
			fp.Vector = append(fp.Vector, hist...)
		}
	}
	return fp
}

// Distance is the cosine distance between two fingerprints, in [0,1].
// Fingerprints of different compositions are always at distance 1.
func (o Oracle) Distance(a, b Fingerprint) float64 {
	if a.Composition != b.Composition || len(a.Vector) != len(b.Vector) {
		return 1
	}
	var dot, na, nb float64
	for i := range a.Vector {
		dot += a.Vector[i] * b.Vector[i]
		na += a.Vector[i] * a.Vector[i]
		nb += b.Vector[i] * b.Vector[i]
	}
	if na == 0 && nb == 0 {
		return 0
	}
	if na == 0 || nb == 0 {
		return 1
	}
	cos := dot / math.Sqrt(na*nb)
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return 0.5 * (1 - cos)
}

func (o Oracle) tolerance() float64 {
	if o.Tolerance <= 0 {
		return DefaultTolerance
	}
	return o.Tolerance
}

func (o Oracle) EquivalentFingerprints(a, b Fingerprint) bool {
	return o.Distance(a, b) <= o.tolerance()
}

// Equivalent reports whether s1 and s2 are the same structure within the
// oracle's tolerance.
func (o Oracle) Equivalent(s1, s2 structure.Structure) bool {
	if !s1.Composition().Equal(s2.Composition()) {
		return false
	}
	return o.EquivalentFingerprints(o.Fingerprint(s1), o.Fingerprint(s2))
}

func smear(hist []float64, d, width, sigma float64) {
	lo := int(math.Floor((d - 3*sigma) / width))
	hi := int(math.Ceil((d + 3*sigma) / width))
	if lo < 0 {
		lo = 0
	}
	if hi > len(hist)-1 {
		hi = len(hist) - 1
	}
	norm := width / (sigma * math.Sqrt(2*math.Pi))
	for k := lo; k <= hi; k++ {
		x := (float64(k) + 0.5) * width
		z := (x - d) / sigma
		hist[k] += norm * math.Exp(-0.5*z*z)
	}
}
