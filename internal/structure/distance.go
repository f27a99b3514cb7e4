package structure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrTooClose = errors.New("atoms closer than minimum distance")

// DefaultMinDistance applies when a DistanceTable has no default of its own.
const DefaultMinDistance = 1.0

// DistanceTable gives the minimum allowed interatomic distance per unordered
// species pair.
type DistanceTable struct {
	Default float64
	Pairs   map[string]float64
}

// PairKey is the canonical "A-B" key for an unordered species pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "-" + b
}

// ParseDistanceTable accepts "default" plus "A-B" keys in any order.
func ParseDistanceTable(raw map[string]float64) (DistanceTable, error) {
	table := DistanceTable{Default: DefaultMinDistance, Pairs: map[string]float64{}}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := raw[key]
		if value < 0 {
			return DistanceTable{}, fmt.Errorf("min distance %s must be >= 0", key)
		}
		if key == "default" {
			table.Default = value
			continue
		}
		parts := strings.Split(key, "-")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return DistanceTable{}, fmt.Errorf("invalid species pair key %q (want A-B)", key)
		}
		table.Pairs[PairKey(parts[0], parts[1])] = value
	}
	return table, nil
}

func (t DistanceTable) Min(a, b string) float64 {
	if v, ok := t.Pairs[PairKey(a, b)]; ok {
		return v
	}
	return t.Default
}

// MaxFor is the largest minimum distance involving any pair drawn from species.
func (t DistanceTable) MaxFor(species []string) float64 {
	best := 0.0
	for i, a := range species {
		for _, b := range species[i:] {
			if d := t.Min(a, b); d > best {
				best = d
			}
		}
	}
	return best
}

// CheckDistances verifies every atom pair, and every atom against its own
// periodic images, respects the table.
func CheckDistances(s Structure, table DistanceTable) error {
	shortest := s.ShortestTranslation()
	seen := map[string]struct{}{}
	for _, sp := range s.species {
		if _, ok := seen[sp]; ok {
			continue
		}
		seen[sp] = struct{}{}
		if limit := table.Min(sp, sp); shortest < limit {
			return fmt.Errorf("%w: %s self-image at %.3f < %.3f", ErrTooClose, sp, shortest, limit)
		}
	}
	for i := 0; i < len(s.frac); i++ {
		if err := checkAtom(s, table, i, i); err != nil {
			return err
		}
	}
	return nil
}

// checkAtom compares atom i against atoms [0, upto).
func checkAtom(s Structure, table DistanceTable, i, upto int) error {
	for j := 0; j < upto; j++ {
		limit := table.Min(s.species[i], s.species[j])
		if d := norm(s.minImageDelta(s.frac[i], s.frac[j])); d < limit {
			return fmt.Errorf("%w: %s[%d]-%s[%d] at %.3f < %.3f", ErrTooClose, s.species[i], i, s.species[j], j, d, limit)
		}
	}
	return nil
}

// Fits reports whether adding an atom of species sp at fractional position f
// would keep s valid under table.
func Fits(s Structure, table DistanceTable, sp string, f Vec3) bool {
	for j := range s.frac {
		if norm(s.minImageDelta(f, s.frac[j])) < table.Min(sp, s.species[j]) {
			return false
		}
	}
	return true
}
