package structure

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func cubic(a float64) Lattice {
	return Lattice{{a, 0, 0}, {0, a, 0}, {0, 0, a}}
}

func TestParseFormula(t *testing.T) {
	cases := []struct {
		in   string
		want Composition
		str  string
	}{
		{in: "Na4H4", want: Composition{"Na": 4, "H": 4}, str: "H4Na4"},
		{in: "CuAl2", want: Composition{"Cu": 1, "Al": 2}, str: "Al2Cu"},
		{in: "Cu8Al8", want: Composition{"Cu": 8, "Al": 8}, str: "Al8Cu8"},
		{in: "HHO", want: Composition{"H": 2, "O": 1}, str: "H2O"},
	}
	for _, tc := range cases {
		got, err := ParseFormula(tc.in)
		require.NoError(t, err, tc.in)
		require.True(t, got.Equal(tc.want), "formula %s parsed as %v", tc.in, got)
		require.Equal(t, tc.str, got.String())
	}

	for _, bad := range []string{"", "4Na", "na4", "Na0"} {
		_, err := ParseFormula(bad)
		require.Error(t, err, bad)
	}
}

func TestCompositionSpeciesSorted(t *testing.T) {
	comp := Composition{"Na": 4, "H": 4, "Cl": 1}
	require.Equal(t, []string{"Cl", "H", "Na"}, comp.Species())
	require.Empty(t, Composition{}.Species())
}

func TestNewValidatesInvariants(t *testing.T) {
	_, err := New(cubic(4), []string{"Na", "H"}, []Vec3{{0, 0, 0}}, FullyPeriodic)
	require.ErrorIs(t, err, ErrInvalidStructure)

	_, err = New(cubic(4), nil, nil, FullyPeriodic)
	require.ErrorIs(t, err, ErrInvalidStructure)

	_, err = New(Lattice{{1, 0, 0}, {2, 0, 0}, {0, 0, 1}}, []string{"Na"}, []Vec3{{0, 0, 0}}, FullyPeriodic)
	require.ErrorIs(t, err, ErrInvalidStructure)

	_, err = New(cubic(4), []string{""}, []Vec3{{0, 0, 0}}, FullyPeriodic)
	require.ErrorIs(t, err, ErrInvalidStructure)
}

func TestNewWrapsPeriodicCoordinatesAndCopiesInputs(t *testing.T) {
	species := []string{"Na", "H"}
	frac := []Vec3{{1.25, -0.25, 0.5}, {0.1, 0.2, 0.3}}
	s, err := New(cubic(4), species, frac, [3]bool{true, true, false})
	require.NoError(t, err)

	got := s.FracAt(0)
	require.InDelta(t, 0.25, got[0], 1e-12)
	require.InDelta(t, 0.75, got[1], 1e-12)

	species[0] = "Cl"
	frac[1] = Vec3{0.9, 0.9, 0.9}
	require.Equal(t, "Na", s.SpeciesAt(0))
	require.InDelta(t, 0.1, s.FracAt(1)[0], 1e-12)

	out := s.Species()
	out[0] = "Cl"
	require.Equal(t, "Na", s.SpeciesAt(0))
}

func TestDistanceUsesMinimumImage(t *testing.T) {
	s := MustNew(cubic(4), []string{"Na", "Na"}, []Vec3{{0.05, 0, 0}, {0.95, 0, 0}}, FullyPeriodic)
	require.InDelta(t, 0.4, s.Distance(0, 1), 1e-9)

	open := MustNew(cubic(4), []string{"Na", "Na"}, []Vec3{{0.05, 0, 0}, {0.95, 0, 0}}, [3]bool{false, true, true})
	require.InDelta(t, 3.6, open.Distance(0, 1), 1e-9)
}

func TestCheckDistancesReportsViolations(t *testing.T) {
	table := DistanceTable{Default: 1.0, Pairs: map[string]float64{PairKey("Na", "H"): 1.5}}
	ok := MustNew(cubic(4), []string{"Na", "H"}, []Vec3{{0, 0, 0}, {0.5, 0.5, 0.5}}, FullyPeriodic)
	require.NoError(t, CheckDistances(ok, table))

	tooClose := MustNew(cubic(4), []string{"Na", "H"}, []Vec3{{0, 0, 0}, {0.3, 0, 0}}, FullyPeriodic)
	require.ErrorIs(t, CheckDistances(tooClose, table), ErrTooClose)

	tiny := MustNew(cubic(0.8), []string{"Na"}, []Vec3{{0, 0, 0}}, FullyPeriodic)
	require.ErrorIs(t, CheckDistances(tiny, table), ErrTooClose)
}

func TestParseDistanceTable(t *testing.T) {
	table, err := ParseDistanceTable(map[string]float64{"default": 0.8, "Na-H": 1.2, "H-H": 0.7})
	require.NoError(t, err)
	require.Equal(t, 0.8, table.Min("Na", "Na"))
	require.Equal(t, 1.2, table.Min("H", "Na"))
	require.Equal(t, 0.7, table.Min("H", "H"))

	_, err = ParseDistanceTable(map[string]float64{"NaH": 1})
	require.Error(t, err)
}

func TestRandomGeneratorRespectsMinimumDistances(t *testing.T) {
	table := DistanceTable{Default: 1.0, Pairs: map[string]float64{PairKey("Na", "H"): 1.5}}
	gen := RandomGenerator{Distances: table}
	counts := Composition{"Na": 4, "H": 4}

	for seed := int64(1); seed <= 20; seed++ {
		s, err := gen.Generate(counts, 6, rand.New(rand.NewSource(seed)))
		require.NoError(t, err, "seed %d", seed)
		require.True(t, s.Composition().Equal(counts))
		for _, l := range s.Lattice().Lengths() {
			require.LessOrEqual(t, l, 6+1e-9)
			require.GreaterOrEqual(t, l, 3-1e-9)
		}
		for i := 0; i < s.Len(); i++ {
			for j := i + 1; j < s.Len(); j++ {
				require.GreaterOrEqual(t, s.Distance(i, j), table.Min(s.SpeciesAt(i), s.SpeciesAt(j)), "seed %d pair %d-%d", seed, i, j)
			}
		}
	}
}

func TestRandomGeneratorIsDeterministicPerSeed(t *testing.T) {
	gen := RandomGenerator{Distances: DistanceTable{Default: 1.0}}
	a, err := gen.Generate(Composition{"Cu": 2, "Al": 2}, 5, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := gen.Generate(Composition{"Cu": 2, "Al": 2}, 5, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.Equal(t, a.Lattice(), b.Lattice())
	require.Equal(t, a.Frac(), b.Frac())
}

func TestRandomGeneratorFailsWhenOverConstrained(t *testing.T) {
	gen := RandomGenerator{Distances: DistanceTable{Default: 1.5}, MaxAttempts: 3, MaxPlacementTries: 20}
	_, err := gen.Generate(Composition{"Na": 50}, 2, rand.New(rand.NewSource(1)))
	require.True(t, errors.Is(err, ErrGeneration), "got %v", err)

	_, err = gen.Generate(Composition{"Na": 1}, 1, rand.New(rand.NewSource(1)))
	require.ErrorIs(t, err, ErrGeneration)
}

func TestToFractionalInvertsToCartesian(t *testing.T) {
	lattice, err := LatticeFromParameters(4, 5, 6, 80, 95, 105)
	require.NoError(t, err)
	lengths := lattice.Lengths()
	require.InDelta(t, 4, lengths[0], 1e-9)
	require.InDelta(t, 5, lengths[1], 1e-9)
	require.InDelta(t, 6, lengths[2], 1e-9)

	frac := []Vec3{{0.1, 0.2, 0.3}, {0.9, 0.5, 0.05}}
	cart := []Vec3{lattice.ToCartesian(frac[0]), lattice.ToCartesian(frac[1])}
	back, err := lattice.ToFractional(cart)
	require.NoError(t, err)
	for i := range frac {
		for k := 0; k < 3; k++ {
			require.InDelta(t, frac[i][k], back[i][k], 1e-9)
		}
	}
}

func TestPOSCARRoundTrip(t *testing.T) {
	lattice, err := LatticeFromParameters(4, 4.5, 5, 90, 90, 120)
	require.NoError(t, err)
	s := MustNew(lattice, []string{"Na", "H", "Na", "H"}, []Vec3{{0, 0, 0}, {0.5, 0.5, 0.5}, {0.5, 0, 0}, {0, 0.5, 0.5}}, FullyPeriodic)

	var buf bytes.Buffer
	require.NoError(t, WritePOSCAR(&buf, s, ""))
	require.True(t, strings.HasPrefix(buf.String(), "H2Na2\n"))

	back, err := ReadPOSCAR(&buf)
	require.NoError(t, err)
	require.True(t, back.Composition().Equal(s.Composition()))
	require.Equal(t, []string{"Na", "Na", "H", "H"}, back.Species())
	require.InDelta(t, s.Volume(), back.Volume(), 1e-6)
}

func TestReadPOSCARCartesian(t *testing.T) {
	src := `NaCl
2.0
  2.0 0.0 0.0
  0.0 2.0 0.0
  0.0 0.0 2.0
Na Cl
1 1
Selective dynamics
Cartesian
  0.0 0.0 0.0 T T T
  1.0 1.0 1.0 T T T
`
	s, err := ReadPOSCAR(strings.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
	require.InDelta(t, 64.0, s.Volume(), 1e-9)
	f := s.FracAt(1)
	require.InDelta(t, 0.5, f[0], 1e-9)
	require.InDelta(t, math.Sqrt(3)*2, s.Distance(0, 1), 1e-9)
}
