package fitness

import (
	"context"
	"errors"
	"fmt"
	"math"

	"xtalsearch/internal/structure"
)

// ErrEvaluationFailure marks a structure the oracle rejected outright.
var ErrEvaluationFailure = errors.New("evaluation failure")

// Relaxer is the physics back-end contract. Implementations must not share
// mutable state between concurrent calls. Exhausting maxIterations is not an
// error: the best structure and energy found so far are returned with
// Converged set to false.
type Relaxer interface {
	Name() string
	Relax(ctx context.Context, s structure.Structure, maxIterations int, tolerance float64) (Relaxation, error)
}

type Relaxation struct {
	Structure  structure.Structure
	Energy     float64
	Converged  bool
	Iterations int
}

// Result is a normalized oracle outcome. Fitness is energy per atom unless
// the evaluator was configured for total energy; lower is better.
type Result struct {
	Relaxed    structure.Structure
	Energy     float64
	Fitness    float64
	Converged  bool
	Iterations int
}

type Evaluator struct {
	relaxer       Relaxer
	maxIterations int
	tolerance     float64
	perAtom       bool
}

func NewEvaluator(relaxer Relaxer, maxIterations int, tolerance float64, perAtom bool) (*Evaluator, error) {
	if relaxer == nil {
		return nil, fmt.Errorf("relaxer is required")
	}
	if maxIterations <= 0 {
		return nil, fmt.Errorf("max relaxation iterations must be > 0")
	}
	if tolerance <= 0 {
		return nil, fmt.Errorf("convergence tolerance must be > 0")
	}
	return &Evaluator{relaxer: relaxer, maxIterations: maxIterations, tolerance: tolerance, perAtom: perAtom}, nil
}

func (e *Evaluator) RelaxerName() string {
	return e.relaxer.Name()
}

func (e *Evaluator) Evaluate(ctx context.Context, s structure.Structure) (Result, error) {
	relaxation, err := e.relaxer.Relax(ctx, s, e.maxIterations, e.tolerance)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrEvaluationFailure, e.relaxer.Name(), err)
	}
	if math.IsNaN(relaxation.Energy) || math.IsInf(relaxation.Energy, 0) {
		return Result{}, fmt.Errorf("%w: %s returned non-finite energy", ErrEvaluationFailure, e.relaxer.Name())
	}

	relaxed := relaxation.Structure
	if relaxed.Len() == 0 {
		relaxed = s
	}
	if !relaxed.Composition().Equal(s.Composition()) {
		return Result{}, fmt.Errorf("%w: %s changed composition %s -> %s", ErrEvaluationFailure, e.relaxer.Name(), s.Composition(), relaxed.Composition())
	}

	fitness := relaxation.Energy
	if e.perAtom {
		fitness /= float64(relaxed.Len())
	}
	return Result{
		Relaxed:    relaxed,
		Energy:     relaxation.Energy,
		Fitness:    fitness,
		Converged:  relaxation.Converged,
		Iterations: relaxation.Iterations,
	}, nil
}
