package fitness

import (
	"context"
	"errors"
	"math"
	"os/exec"
	"testing"

	"xtalsearch/internal/structure"
)

type stubRelaxer struct {
	energy     float64
	converged  bool
	iterations int
	err        error
	replace    *structure.Structure
}

func (stubRelaxer) Name() string { return "stub" }

func (r stubRelaxer) Relax(_ context.Context, s structure.Structure, maxIterations int, _ float64) (Relaxation, error) {
	if r.err != nil {
		return Relaxation{}, r.err
	}
	out := s
	if r.replace != nil {
		out = *r.replace
	}
	iterations := r.iterations
	if iterations == 0 {
		iterations = maxIterations
	}
	return Relaxation{Structure: out, Energy: r.energy, Converged: r.converged, Iterations: iterations}, nil
}

func pair(species ...string) structure.Structure {
	return structure.MustNew(
		structure.Lattice{{5, 0, 0}, {0, 5, 0}, {0, 0, 5}},
		species,
		[]structure.Vec3{{0, 0, 0}, {0.5, 0.5, 0.5}},
		structure.FullyPeriodic,
	)
}

func TestNewEvaluatorValidates(t *testing.T) {
	if _, err := NewEvaluator(nil, 10, 1e-3, true); err == nil {
		t.Fatal("expected relaxer required error")
	}
	if _, err := NewEvaluator(stubRelaxer{}, 0, 1e-3, true); err == nil {
		t.Fatal("expected max iterations error")
	}
	if _, err := NewEvaluator(stubRelaxer{}, 10, 0, true); err == nil {
		t.Fatal("expected tolerance error")
	}
}

func TestEvaluatorNormalizesPerAtom(t *testing.T) {
	eval, err := NewEvaluator(stubRelaxer{energy: -6, converged: true}, 10, 1e-3, true)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	res, err := eval.Evaluate(context.Background(), pair("Na", "H"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Energy != -6 || res.Fitness != -3 || !res.Converged {
		t.Fatalf("unexpected result: %+v", res)
	}

	total, err := NewEvaluator(stubRelaxer{energy: -6, converged: true}, 10, 1e-3, false)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	res, err = total.Evaluate(context.Background(), pair("Na", "H"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Fitness != -6 {
		t.Fatalf("expected total-energy fitness, got %f", res.Fitness)
	}
}

func TestEvaluatorKeepsNonConvergedResults(t *testing.T) {
	eval, _ := NewEvaluator(stubRelaxer{energy: -2, converged: false}, 7, 1e-3, true)
	res, err := eval.Evaluate(context.Background(), pair("Na", "H"))
	if err != nil {
		t.Fatalf("non-convergence must not be an error: %v", err)
	}
	if res.Converged || res.Iterations != 7 || res.Fitness != -1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEvaluatorSurfacesEvaluationFailures(t *testing.T) {
	other := pair("Na", "Na")
	cases := []struct {
		name    string
		relaxer stubRelaxer
	}{
		{name: "oracle error", relaxer: stubRelaxer{err: errors.New("diverged")}},
		{name: "nan energy", relaxer: stubRelaxer{energy: math.NaN()}},
		{name: "inf energy", relaxer: stubRelaxer{energy: math.Inf(-1)}},
		{name: "composition change", relaxer: stubRelaxer{energy: -1, replace: &other}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eval, _ := NewEvaluator(tc.relaxer, 10, 1e-3, true)
			_, err := eval.Evaluate(context.Background(), pair("Na", "H"))
			if !errors.Is(err, ErrEvaluationFailure) {
				t.Fatalf("expected evaluation failure, got %v", err)
			}
		})
	}
}

func TestLennardJonesRelaxesDimerTowardEquilibrium(t *testing.T) {
	open := [3]bool{false, false, false}
	start := structure.MustNew(
		structure.Lattice{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		[]string{"Ar", "Ar"},
		[]structure.Vec3{{0.40, 0.5, 0.5}, {0.55, 0.5, 0.5}},
		open,
	)
	lj := LennardJones{Distances: structure.DistanceTable{Default: 1.0}}
	initial, _ := lj.energyAndForces(start)

	relaxation, err := lj.Relax(context.Background(), start, 2000, 1e-7)
	if err != nil {
		t.Fatalf("relax: %v", err)
	}
	if !relaxation.Converged {
		t.Fatalf("expected convergence within budget, iterations=%d", relaxation.Iterations)
	}
	if relaxation.Energy >= initial {
		t.Fatalf("expected energy to decrease: initial=%f final=%f", initial, relaxation.Energy)
	}
	if d := relaxation.Structure.Distance(0, 1); math.Abs(d-1.2) > 0.05 {
		t.Fatalf("expected dimer near 1.2 A, got %f", d)
	}
}

func TestLennardJonesStepCollapseIsNotConvergence(t *testing.T) {
	start := structure.MustNew(
		structure.Lattice{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		[]string{"Ar", "Ar"},
		[]structure.Vec3{{0.40, 0.5, 0.5}, {0.55, 0.5, 0.5}},
		[3]bool{},
	)
	lj := LennardJones{Distances: structure.DistanceTable{Default: 1.0}}
	// A zero tolerance is never met, so the search stops only when the step
	// shrinks below its floor.
	const budget = 200000
	relaxation, err := lj.Relax(context.Background(), start, budget, 0)
	if err != nil {
		t.Fatalf("relax: %v", err)
	}
	if relaxation.Iterations >= budget {
		t.Fatalf("expected the line search to stop before the budget, iterations=%d", relaxation.Iterations)
	}
	if relaxation.Converged {
		t.Fatal("expected a collapsed line search to report non-convergence")
	}
	if d := relaxation.Structure.Distance(0, 1); math.Abs(d-1.2) > 0.05 {
		t.Fatalf("expected dimer near 1.2 A, got %f", d)
	}
}

func TestLennardJonesReturnsBestSoFarWhenBudgetExhausted(t *testing.T) {
	start := structure.MustNew(
		structure.Lattice{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		[]string{"Ar", "Ar"},
		[]structure.Vec3{{0.40, 0.5, 0.5}, {0.55, 0.5, 0.5}},
		[3]bool{},
	)
	lj := LennardJones{Distances: structure.DistanceTable{Default: 1.0}}
	relaxation, err := lj.Relax(context.Background(), start, 1, 1e-9)
	if err != nil {
		t.Fatalf("relax: %v", err)
	}
	if relaxation.Converged {
		t.Fatal("expected non-converged relaxation with a one-step budget")
	}
	if relaxation.Iterations != 1 {
		t.Fatalf("expected one iteration, got %d", relaxation.Iterations)
	}
	if relaxation.Structure.Len() != 2 {
		t.Fatalf("expected relaxed structure to keep both atoms")
	}
}

func TestCommandRelaxerParsesOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := Command{Path: "sh", Args: []string{"-c", `cat >/dev/null; echo '{"energy": -4.5, "converged": true, "iterations": 12}'`}}
	eval, err := NewEvaluator(cmd, 50, 1e-4, true)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	res, err := eval.Evaluate(context.Background(), pair("Na", "H"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Energy != -4.5 || res.Fitness != -2.25 || !res.Converged || res.Iterations != 12 {
		t.Fatalf("unexpected result: %+v", res)
	}

	failing := Command{Path: "sh", Args: []string{"-c", "exit 3"}}
	eval, _ = NewEvaluator(failing, 50, 1e-4, true)
	if _, err := eval.Evaluate(context.Background(), pair("Na", "H")); !errors.Is(err, ErrEvaluationFailure) {
		t.Fatalf("expected evaluation failure, got %v", err)
	}
}
