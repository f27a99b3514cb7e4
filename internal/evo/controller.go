package evo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/stat"

	"xtalsearch/internal/fitness"
	"xtalsearch/internal/model"
	"xtalsearch/internal/similarity"
	"xtalsearch/internal/structure"
)

const (
	defaultMaxDuplicateRetries = 3
	defaultMaxSeedRounds       = 5
)

var (
	ErrInvalidSpeciesCount = errors.New("invalid species count")
	ErrRunFinished         = errors.New("run finished")
	ErrNotSeeded           = errors.New("population not seeded")
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusConverged Status = "converged"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusConverged || s == StatusExhausted || s == StatusFailed
}

func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusIdle, StatusRunning, StatusConverged, StatusExhausted, StatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status: %q", raw)
	}
}

// Evaluator scores one structure. *fitness.Evaluator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, s structure.Structure) (fitness.Result, error)
}

type ControllerConfig struct {
	RunID                 string
	Target                structure.Composition
	LatticeRadiusBound    float64
	NumOffspring          int
	PMutate               float64
	MaxGenerations        int
	StagnationGenerations int
	ImprovementThreshold  float64
	// FailureTolerance is the number of generation errors plus evaluation
	// failures one call may absorb. Zero means half the batch, at least one;
	// a negative value tolerates none.
	FailureTolerance    int
	MaxDuplicateRetries int
	MaxSeedRounds       int
	Workers             int
	Seed                int64
	Template            *structure.Structure
	Generator           structure.RandomGenerator
	Operators           *Operators
	Evaluator           Evaluator
	Population          *Population
	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
}

// GenerationReport is returned by Seed and every Evolve call.
type GenerationReport struct {
	model.GenerationSummary
	Population []Candidate
	Lineage    []model.LineageRecord
}

// Controller drives one evolutionary run. Its methods serialize on an
// internal lock; evaluations inside one call run in a bounded pool.
type Controller struct {
	mu          sync.Mutex
	cfg         ControllerConfig
	log         zerolog.Logger
	ids         candidateIDs
	status      Status
	generation  int
	stagnant    int
	evaluations int
	bestHistory []float64
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if err := cfg.Target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpeciesCount, err)
	}
	if cfg.Operators == nil {
		return nil, fmt.Errorf("operators are required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.Population == nil {
		return nil, fmt.Errorf("population is required")
	}
	if !cfg.Operators.Target().Equal(cfg.Target) || !cfg.Population.cfg.Target.Equal(cfg.Target) {
		return nil, fmt.Errorf("%w: operators and population must share target %s", ErrInvalidSpeciesCount, cfg.Target)
	}
	if cfg.Template != nil && !cfg.Template.Composition().Equal(cfg.Target) {
		return nil, fmt.Errorf("%w: template is %s, target is %s", ErrInvalidSpeciesCount, cfg.Template.Composition(), cfg.Target)
	}
	if cfg.LatticeRadiusBound <= 0 {
		return nil, fmt.Errorf("lattice radius bound must be > 0")
	}
	if cfg.NumOffspring <= 0 {
		return nil, fmt.Errorf("num offsprings must be > 0")
	}
	if cfg.PMutate < 0 || cfg.PMutate > 1 {
		return nil, fmt.Errorf("p_mutate must be in [0, 1]")
	}
	if cfg.MaxGenerations < 0 || cfg.StagnationGenerations < 0 {
		return nil, fmt.Errorf("generation limits must be >= 0")
	}
	if cfg.MaxGenerations == 0 && cfg.StagnationGenerations == 0 {
		return nil, fmt.Errorf("max generations or stagnation generations must be set")
	}
	if cfg.ImprovementThreshold < 0 {
		return nil, fmt.Errorf("improvement threshold must be >= 0")
	}
	switch {
	case cfg.FailureTolerance == 0:
		cfg.FailureTolerance = max(1, cfg.NumOffspring/2)
	case cfg.FailureTolerance < 0:
		cfg.FailureTolerance = 0
	}
	if cfg.MaxDuplicateRetries <= 0 {
		cfg.MaxDuplicateRetries = defaultMaxDuplicateRetries
	}
	if cfg.MaxSeedRounds <= 0 {
		cfg.MaxSeedRounds = defaultMaxSeedRounds
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Generator.Distances.Default <= 0 {
		cfg.Generator.Distances = cfg.Operators.cfg.Distances
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Controller{
		cfg:    cfg,
		log:    logger,
		ids:    newCandidateIDs(cfg.RunID),
		status: StatusIdle,
	}, nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Controller) Population() *Population { return c.cfg.Population }

// streamRNG derives an independent source for one (generation, round) of the
// run so that trajectories do not depend on how many draws earlier calls made.
func (c *Controller) streamRNG(generation, round int) *rand.Rand {
	x := uint64(c.cfg.Seed)
	x = splitmix64(x ^ splitmix64(uint64(generation)+0x9e3779b97f4a7c15))
	x = splitmix64(x ^ uint64(round))
	return rand.New(rand.NewSource(int64(x >> 1)))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

type offspring struct {
	slot        int
	structure   structure.Structure
	fingerprint similarity.Fingerprint
	parents     []string
	operation   string
	genErr      error
	duplicate   bool
	result      fitness.Result
	evalErr     error
}

type batchCounts struct {
	evaluated    int
	inserted     int
	replaced     int
	duplicates   int
	rejected     int
	nonConverged int
	genErrors    int
	evalFailures int
}

// Seed fills generation 0 with random structures, or with the template and
// its mutations when a template is configured.
func (c *Controller) Seed(ctx context.Context) (GenerationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return GenerationReport{}, err
	}
	if c.status != StatusIdle {
		return GenerationReport{}, fmt.Errorf("seed requires an idle controller, status=%s", c.status)
	}

	pop := c.cfg.Population
	var counts batchCounts
	var lineage []model.LineageRecord
	for round := 0; round < c.cfg.MaxSeedRounds && pop.Len() < pop.Capacity(); round++ {
		need := pop.Capacity() - pop.Len()
		rng := c.streamRNG(0, round)
		batch := make([]*offspring, need)
		for slot := range batch {
			batch[slot] = c.seedChild(rand.New(rand.NewSource(rng.Int63())), round, slot, batch[:slot])
		}
		c.evaluateBatch(ctx, batch)
		roundLineage, roundCounts := c.insertBatch(batch, 0, round)
		lineage = append(lineage, roundLineage...)
		counts.add(roundCounts)
	}
	c.evaluations += counts.evaluated

	if pop.Len() == 0 {
		c.status = StatusFailed
		c.log.Error().Str("run_id", c.cfg.RunID).Int("generation_errors", counts.genErrors).
			Int("evaluation_failures", counts.evalFailures).Msg("seeding produced no candidates")
		return c.report(counts, lineage), fmt.Errorf("%w: seeding produced no candidates", structure.ErrGeneration)
	}
	if pop.Len() < pop.Capacity() {
		c.log.Warn().Str("run_id", c.cfg.RunID).Int("size", pop.Len()).Int("capacity", pop.Capacity()).
			Msg("population partially seeded")
	}
	best, _ := pop.Best()
	c.bestHistory = append(c.bestHistory, best.Fitness)
	c.status = StatusRunning
	c.log.Info().Str("run_id", c.cfg.RunID).Int("size", pop.Len()).Float64("best_fitness", best.Fitness).
		Int("evaluated", counts.evaluated).Msg("population seeded")
	return c.report(counts, lineage), nil
}

func (c *Controller) seedChild(rng *rand.Rand, round, slot int, siblings []*offspring) *offspring {
	child := &offspring{slot: slot, operation: OpSeed}
	switch {
	case c.cfg.Template != nil && round == 0 && slot == 0:
		child.structure, child.operation = *c.cfg.Template, OpTemplate
	case c.cfg.Template != nil && slot%2 == 1:
		s, op, err := c.cfg.Operators.Mutate(*c.cfg.Template, rng)
		child.structure, child.operation, child.genErr = s, OpTemplate+":"+op, err
	default:
		s, err := c.cfg.Generator.Generate(c.cfg.Target, c.cfg.LatticeRadiusBound, rng)
		child.structure, child.genErr = s, err
	}
	if child.genErr == nil {
		c.markDuplicate(child, siblings)
	}
	return child
}

// markDuplicate fingerprints child and flags it when it matches a population
// member or an earlier sibling.
func (c *Controller) markDuplicate(child *offspring, siblings []*offspring) {
	oracle := c.cfg.Population.Oracle()
	child.fingerprint = oracle.Fingerprint(child.structure)
	child.duplicate = c.cfg.Population.ContainsEquivalent(child.fingerprint)
	for _, sib := range siblings {
		if child.duplicate {
			return
		}
		if sib.genErr == nil && !sib.duplicate && oracle.EquivalentFingerprints(child.fingerprint, sib.fingerprint) {
			child.duplicate = true
		}
	}
}

// Evolve produces, evaluates and inserts numOffspring children, then
// advances the generation counter by one.
func (c *Controller) Evolve(ctx context.Context, numOffspring int) (GenerationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return GenerationReport{}, err
	}
	if c.status.Terminal() {
		return GenerationReport{}, fmt.Errorf("%w: status=%s", ErrRunFinished, c.status)
	}
	if c.status == StatusIdle || c.cfg.Population.Len() == 0 {
		return GenerationReport{}, ErrNotSeeded
	}
	if numOffspring <= 0 {
		return GenerationReport{}, fmt.Errorf("num offsprings must be > 0")
	}
	c.status = StatusRunning

	generation := c.generation + 1
	rng := c.streamRNG(generation, 0)
	batch := make([]*offspring, numOffspring)
	for slot := range batch {
		batch[slot] = c.breed(rand.New(rand.NewSource(rng.Int63())), slot, batch[:slot])
	}
	c.evaluateBatch(ctx, batch)
	lineage, counts := c.insertBatch(batch, generation, 0)

	c.generation = generation
	c.evaluations += counts.evaluated
	best, _ := c.cfg.Population.Best()
	if c.stagnationReference()-best.Fitness > c.cfg.ImprovementThreshold {
		c.stagnant = 0
	} else {
		c.stagnant++
	}
	c.bestHistory = append(c.bestHistory, best.Fitness)

	switch {
	case counts.genErrors+counts.evalFailures > c.cfg.FailureTolerance:
		c.status = StatusFailed
	case c.cfg.StagnationGenerations > 0 && c.stagnant >= c.cfg.StagnationGenerations:
		c.status = StatusConverged
	case c.cfg.MaxGenerations > 0 && c.generation >= c.cfg.MaxGenerations:
		c.status = StatusExhausted
	}

	report := c.report(counts, lineage)
	event := c.log.Info()
	if c.status == StatusFailed {
		event = c.log.Error()
	}
	event.Str("run_id", c.cfg.RunID).
		Int("generation", c.generation).
		Str("status", string(c.status)).
		Float64("best_fitness", best.Fitness).
		Int("inserted", counts.inserted).
		Int("replaced", counts.replaced).
		Int("duplicates", counts.duplicates).
		Int("generation_errors", counts.genErrors).
		Int("evaluation_failures", counts.evalFailures).
		Msg("generation complete")
	return report, nil
}

// breed builds one child, regenerating it while it duplicates a member or
// an earlier sibling.
func (c *Controller) breed(rng *rand.Rand, slot int, siblings []*offspring) *offspring {
	var child *offspring
	for attempt := 0; attempt <= c.cfg.MaxDuplicateRetries; attempt++ {
		child = &offspring{slot: slot}
		if c.cfg.Population.Len() < 2 {
			parents, err := c.cfg.Population.SelectParents(rng, 1)
			if err != nil {
				child.genErr = err
				return child
			}
			child.parents = []string{parents[0].ID}
			child.structure, child.operation, child.genErr = c.cfg.Operators.Mutate(parents[0].Structure, rng)
		} else {
			parents, err := c.cfg.Population.SelectParents(rng, 2)
			if err != nil {
				child.genErr = err
				return child
			}
			child.parents = []string{parents[0].ID, parents[1].ID}
			child.structure, child.operation, child.genErr = c.cfg.Operators.Crossover(parents[0].Structure, parents[1].Structure, rng)
			if child.genErr == nil && rng.Float64() < c.cfg.PMutate {
				mutated, op, err := c.cfg.Operators.Mutate(child.structure, rng)
				if err == nil {
					child.structure, child.operation = mutated, child.operation+"+"+op
				}
			}
		}
		if child.genErr != nil {
			return child
		}
		c.markDuplicate(child, siblings)
		if !child.duplicate {
			return child
		}
	}
	return child
}

// evaluateBatch runs every pending evaluation in a bounded pool. Started
// evaluations are not cancelled by ctx.
func (c *Controller) evaluateBatch(ctx context.Context, batch []*offspring) {
	ctx = context.WithoutCancel(ctx)
	p := pool.New().WithMaxGoroutines(c.cfg.Workers)
	for _, child := range batch {
		if child.genErr != nil || child.duplicate {
			continue
		}
		p.Go(func() {
			child.result, child.evalErr = c.cfg.Evaluator.Evaluate(ctx, child.structure)
		})
	}
	p.Wait()
}

// insertBatch inserts children one at a time in slot order.
func (c *Controller) insertBatch(batch []*offspring, generation, round int) ([]model.LineageRecord, batchCounts) {
	var counts batchCounts
	lineage := make([]model.LineageRecord, 0, len(batch))
	for _, child := range batch {
		id := c.ids.next(generation, round, child.slot)
		rec := model.LineageRecord{
			VersionedRecord: model.CurrentVersion(),
			CandidateID:     id,
			ParentIDs:       child.parents,
			Generation:      generation,
			Operation:       child.operation,
		}
		switch {
		case child.genErr != nil:
			counts.genErrors++
			rec.Outcome = "generation_error"
			c.log.Debug().Err(child.genErr).Int("slot", child.slot).Msg("offspring generation failed")
		case child.duplicate:
			counts.duplicates++
			rec.Outcome = string(OutcomeRejectedDuplicate)
		case child.evalErr != nil:
			counts.evaluated++
			counts.evalFailures++
			rec.Outcome = "evaluation_failure"
			c.log.Debug().Err(child.evalErr).Int("slot", child.slot).Msg("offspring evaluation failed")
		default:
			counts.evaluated++
			if !child.result.Converged {
				counts.nonConverged++
			}
			rec.Fitness = child.result.Fitness
			res := c.cfg.Population.Insert(Candidate{
				ID:         id,
				Structure:  child.result.Relaxed,
				Fitness:    child.result.Fitness,
				Energy:     child.result.Energy,
				Converged:  child.result.Converged,
				Generation: generation,
				ParentIDs:  child.parents,
				Operation:  child.operation,
			})
			rec.Outcome, rec.EvictedID = string(res.Outcome), res.EvictedID
			switch res.Outcome {
			case OutcomeAppended:
				counts.inserted++
			case OutcomeReplacedWorst, OutcomeReplacedDuplicate:
				counts.replaced++
			case OutcomeRejectedDuplicate:
				counts.duplicates++
			default:
				counts.rejected++
			}
		}
		lineage = append(lineage, rec)
	}
	return lineage, counts
}

func (b *batchCounts) add(o batchCounts) {
	b.evaluated += o.evaluated
	b.inserted += o.inserted
	b.replaced += o.replaced
	b.duplicates += o.duplicates
	b.rejected += o.rejected
	b.nonConverged += o.nonConverged
	b.genErrors += o.genErrors
	b.evalFailures += o.evalFailures
}

func (c *Controller) report(counts batchCounts, lineage []model.LineageRecord) GenerationReport {
	members := c.cfg.Population.Members()
	summary := model.GenerationSummary{
		VersionedRecord:    model.CurrentVersion(),
		RunID:              c.cfg.RunID,
		Generation:         c.generation,
		Status:             string(c.status),
		PopulationSize:     len(members),
		Offspring:          len(lineage),
		Evaluated:          counts.evaluated,
		Inserted:           counts.inserted,
		Replaced:           counts.replaced,
		Duplicates:         counts.duplicates,
		Rejected:           counts.rejected,
		NonConverged:       counts.nonConverged,
		GenerationErrors:   counts.genErrors,
		EvaluationFailures: counts.evalFailures,
		Stagnant:           c.stagnant,
	}
	if len(members) > 0 {
		values := make([]float64, len(members))
		for i, m := range members {
			values[i] = m.Fitness
		}
		summary.BestFitness = values[0]
		summary.WorstFitness = values[len(values)-1]
		summary.BestCandidateID = members[0].ID
		summary.MeanFitness = stat.Mean(values, nil)
		if len(values) > 1 {
			summary.StdFitness = stat.StdDev(values, nil)
		}
	}
	return GenerationReport{GenerationSummary: summary, Population: members, Lineage: lineage}
}

// Run seeds an idle controller and evolves until a terminal status. The
// callback sees every report, including the seeding one; a callback error
// stops the run. Cancelling ctx stops the loop between generations.
func (c *Controller) Run(ctx context.Context, onGeneration func(GenerationReport) error) (GenerationReport, error) {
	var last GenerationReport
	if c.Status() == StatusIdle {
		report, err := c.Seed(ctx)
		if err != nil {
			return report, err
		}
		last = report
		if onGeneration != nil {
			if err := onGeneration(report); err != nil {
				return last, err
			}
		}
	}
	for !c.Status().Terminal() {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		report, err := c.Evolve(ctx, c.cfg.NumOffspring)
		if err != nil {
			return last, err
		}
		last = report
		if onGeneration != nil {
			if err := onGeneration(report); err != nil {
				return last, err
			}
		}
	}
	return last, nil
}

// stagnationReference is the best fitness recorded when the stagnation
// counter was last reset.
func (c *Controller) stagnationReference() float64 {
	return c.bestHistory[len(c.bestHistory)-1-c.stagnant]
}

// BestHistory is the best fitness after seeding and after each generation.
func (c *Controller) BestHistory() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.bestHistory...)
}

func (c *Controller) Snapshot() model.PopulationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	members := c.cfg.Population.Members()
	records := make([]model.CandidateRecord, len(members))
	for i, m := range members {
		records[i] = CandidateToRecord(m)
	}
	return model.PopulationSnapshot{
		VersionedRecord: model.CurrentVersion(),
		RunID:           c.cfg.RunID,
		Generation:      c.generation,
		Status:          string(c.status),
		Stagnant:        c.stagnant,
		Evaluations:     c.evaluations,
		BestHistory:     append([]float64(nil), c.bestHistory...),
		Capacity:        c.cfg.Population.Capacity(),
		Candidates:      records,
	}
}

// Restore loads a snapshot into an idle controller. Evolving afterwards
// reproduces the run the snapshot was taken from.
func (c *Controller) Restore(snapshot model.PopulationSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusIdle {
		return fmt.Errorf("restore requires an idle controller, status=%s", c.status)
	}
	if snapshot.SchemaVersion != model.SchemaVersion {
		return fmt.Errorf("unsupported snapshot schema version: %d", snapshot.SchemaVersion)
	}
	if snapshot.RunID != c.cfg.RunID {
		return fmt.Errorf("snapshot run id %q does not match %q", snapshot.RunID, c.cfg.RunID)
	}
	if snapshot.Generation < 0 || len(snapshot.BestHistory) != snapshot.Generation+1 {
		return fmt.Errorf("snapshot history length %d does not match generation %d", len(snapshot.BestHistory), snapshot.Generation)
	}
	if snapshot.Stagnant < 0 || snapshot.Stagnant > snapshot.Generation {
		return fmt.Errorf("snapshot stagnation %d out of range for generation %d", snapshot.Stagnant, snapshot.Generation)
	}
	status, err := ParseStatus(snapshot.Status)
	if err != nil {
		return err
	}
	if status == StatusIdle || len(snapshot.Candidates) == 0 {
		return fmt.Errorf("snapshot has no seeded population")
	}
	candidates := make([]Candidate, len(snapshot.Candidates))
	for i, rec := range snapshot.Candidates {
		cand, err := CandidateFromRecord(rec, c.cfg.Population.Oracle())
		if err != nil {
			return err
		}
		if math.IsNaN(cand.Fitness) || math.IsInf(cand.Fitness, 0) {
			return fmt.Errorf("candidate %s has non-finite fitness", cand.ID)
		}
		candidates[i] = cand
	}
	if err := c.cfg.Population.Restore(candidates); err != nil {
		return err
	}
	c.status = status
	c.generation = snapshot.Generation
	c.stagnant = snapshot.Stagnant
	c.evaluations = snapshot.Evaluations
	c.bestHistory = append([]float64(nil), snapshot.BestHistory...)
	return nil
}

// Reopen clears a terminal status so a restored run can continue with new
// limits. Only exhausted and converged runs can be reopened.
func (c *Controller) Reopen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case StatusExhausted, StatusConverged:
		if c.cfg.MaxGenerations > 0 && c.generation >= c.cfg.MaxGenerations {
			return fmt.Errorf("%w: generation %d already reached max generations %d", ErrRunFinished, c.generation, c.cfg.MaxGenerations)
		}
		c.status = StatusRunning
		c.stagnant = 0
		return nil
	default:
		return fmt.Errorf("cannot reopen run with status %s", c.status)
	}
}
