package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"xtalsearch/internal/evo"
	"xtalsearch/internal/similarity"
	"xtalsearch/internal/structure"
)

const (
	OracleLennardJones = "lj"
	OracleCommand      = "command"
)

// RunConfig is the recognized run configuration. Keys are shared by the JSON
// and TOML forms.
//
// failure_tolerance 0 absorbs half of each offspring batch, at least one
// failure; a negative value fails the run on its first failure.
type RunConfig struct {
	RunID                      string              `json:"run_id,omitempty" toml:"run_id"`
	SpeciesCounts              map[string]int      `json:"species_counts,omitempty" toml:"species_counts"`
	Composition                string              `json:"composition,omitempty" toml:"composition"`
	LatticeRadiusBound         float64             `json:"lattice_radius_bound" toml:"lattice_radius_bound"`
	PopulationSize             int                 `json:"population_size" toml:"population_size"`
	NumOffsprings              int                 `json:"num_offsprings" toml:"num_offsprings"`
	PMutate                    float64             `json:"p_mutate" toml:"p_mutate"`
	SimilarityTolerance        float64             `json:"similarity_tolerance" toml:"similarity_tolerance"`
	MinInteratomicDistance     map[string]float64  `json:"min_interatomic_distance,omitempty" toml:"min_interatomic_distance"`
	MaxRelaxationIterations    int                 `json:"max_relaxation_iterations" toml:"max_relaxation_iterations"`
	ConvergenceEnergyTolerance float64             `json:"convergence_energy_tolerance" toml:"convergence_energy_tolerance"`
	StagnationGenerations      int                 `json:"stagnation_generations" toml:"stagnation_generations"`
	ImprovementThreshold       float64             `json:"improvement_threshold" toml:"improvement_threshold"`
	MaxGenerations             int                 `json:"max_generations" toml:"max_generations"`
	RandomSeed                 int64               `json:"random_seed" toml:"random_seed"`
	Workers                    int                 `json:"workers" toml:"workers"`
	FailureTolerance           int                 `json:"failure_tolerance" toml:"failure_tolerance"`
	NonConvergedPenalty        float64             `json:"nonconverged_penalty" toml:"nonconverged_penalty"`
	FitnessPerAtom             bool                `json:"fitness_per_atom" toml:"fitness_per_atom"`
	MutationWeights            evo.MutationWeights `json:"mutation_weights" toml:"mutation_weights"`
	AllowCompositionChange     bool                `json:"allow_composition_change" toml:"allow_composition_change"`
	Selection                  string              `json:"selection" toml:"selection"`
	TournamentSize             int                 `json:"tournament_size" toml:"tournament_size"`
	TemplatePath               string              `json:"template_path,omitempty" toml:"template_path"`
	Oracle                     string              `json:"oracle" toml:"oracle"`
	OracleCommand              string              `json:"oracle_command,omitempty" toml:"oracle_command"`
	LJEpsilon                  float64             `json:"lj_epsilon" toml:"lj_epsilon"`
	LJSigmaScale               float64             `json:"lj_sigma_scale" toml:"lj_sigma_scale"`
}

func Default() RunConfig {
	return RunConfig{
		PopulationSize:             20,
		NumOffsprings:              10,
		PMutate:                    0.3,
		SimilarityTolerance:        similarity.DefaultTolerance,
		MaxRelaxationIterations:    200,
		ConvergenceEnergyTolerance: 1e-5,
		StagnationGenerations:      10,
		ImprovementThreshold:       1e-4,
		MaxGenerations:             50,
		RandomSeed:                 1,
		Workers:                    runtime.NumCPU(),
		FitnessPerAtom:             true,
		MutationWeights:            evo.DefaultMutationWeights(),
		Selection:                  "tournament",
		TournamentSize:             3,
		Oracle:                     OracleLennardJones,
		LJEpsilon:                  1,
		LJSigmaScale:               1,
	}
}

// LoadFile overlays the keys present in a .json or .toml file onto Default.
// Unknown keys are rejected.
func LoadFile(path string) (RunConfig, error) {
	var (
		raw     RunConfig
		defined func(key string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return RunConfig{}, fmt.Errorf("load run config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return RunConfig{}, fmt.Errorf("load run config: unknown key %q", undecoded[0].String())
		}
		defined = func(key string) bool { return meta.IsDefined(key) }
	case ".json", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return RunConfig{}, fmt.Errorf("load run config: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return RunConfig{}, fmt.Errorf("load run config: %w", err)
		}
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err != nil {
			return RunConfig{}, fmt.Errorf("load run config: %w", err)
		}
		defined = func(key string) bool {
			_, ok := keys[key]
			return ok
		}
	default:
		return RunConfig{}, fmt.Errorf("load run config: unsupported extension %q", filepath.Ext(path))
	}

	cfg := Default()
	cfg.overlay(raw, defined)
	return cfg, nil
}

func (c *RunConfig) overlay(raw RunConfig, defined func(string) bool) {
	if defined("run_id") {
		c.RunID = strings.TrimSpace(raw.RunID)
	}
	if defined("species_counts") {
		c.SpeciesCounts = raw.SpeciesCounts
	}
	if defined("composition") {
		c.Composition = strings.TrimSpace(raw.Composition)
	}
	if defined("lattice_radius_bound") {
		c.LatticeRadiusBound = raw.LatticeRadiusBound
	}
	if defined("population_size") {
		c.PopulationSize = raw.PopulationSize
	}
	if defined("num_offsprings") {
		c.NumOffsprings = raw.NumOffsprings
	}
	if defined("p_mutate") {
		c.PMutate = raw.PMutate
	}
	if defined("similarity_tolerance") {
		c.SimilarityTolerance = raw.SimilarityTolerance
	}
	if defined("min_interatomic_distance") {
		c.MinInteratomicDistance = raw.MinInteratomicDistance
	}
	if defined("max_relaxation_iterations") {
		c.MaxRelaxationIterations = raw.MaxRelaxationIterations
	}
	if defined("convergence_energy_tolerance") {
		c.ConvergenceEnergyTolerance = raw.ConvergenceEnergyTolerance
	}
	if defined("stagnation_generations") {
		c.StagnationGenerations = raw.StagnationGenerations
	}
	if defined("improvement_threshold") {
		c.ImprovementThreshold = raw.ImprovementThreshold
	}
	if defined("max_generations") {
		c.MaxGenerations = raw.MaxGenerations
	}
	if defined("random_seed") {
		c.RandomSeed = raw.RandomSeed
	}
	if defined("workers") {
		c.Workers = raw.Workers
	}
	if defined("failure_tolerance") {
		c.FailureTolerance = raw.FailureTolerance
	}
	if defined("nonconverged_penalty") {
		c.NonConvergedPenalty = raw.NonConvergedPenalty
	}
	if defined("fitness_per_atom") {
		c.FitnessPerAtom = raw.FitnessPerAtom
	}
	// A weights table replaces the defaults as a whole.
	if defined("mutation_weights") {
		c.MutationWeights = raw.MutationWeights
	}
	if defined("allow_composition_change") {
		c.AllowCompositionChange = raw.AllowCompositionChange
	}
	if defined("selection") {
		c.Selection = strings.TrimSpace(raw.Selection)
	}
	if defined("tournament_size") {
		c.TournamentSize = raw.TournamentSize
	}
	if defined("template_path") {
		c.TemplatePath = strings.TrimSpace(raw.TemplatePath)
	}
	if defined("oracle") {
		c.Oracle = strings.TrimSpace(raw.Oracle)
	}
	if defined("oracle_command") {
		c.OracleCommand = strings.TrimSpace(raw.OracleCommand)
	}
	if defined("lj_epsilon") {
		c.LJEpsilon = raw.LJEpsilon
	}
	if defined("lj_sigma_scale") {
		c.LJSigmaScale = raw.LJSigmaScale
	}
}

// Target resolves the target composition from species_counts or the
// composition formula. When both are given they must agree.
func (c RunConfig) Target() (structure.Composition, error) {
	var fromCounts, fromFormula structure.Composition
	if len(c.SpeciesCounts) > 0 {
		if err := structure.Composition(c.SpeciesCounts).Validate(); err != nil {
			return nil, fmt.Errorf("%w: species_counts: %v", evo.ErrInvalidSpeciesCount, err)
		}
		fromCounts = structure.Composition(c.SpeciesCounts).Clone()
	}
	if c.Composition != "" {
		parsed, err := structure.ParseFormula(c.Composition)
		if err != nil {
			return nil, fmt.Errorf("%w: composition: %v", evo.ErrInvalidSpeciesCount, err)
		}
		fromFormula = parsed
	}
	switch {
	case fromCounts != nil && fromFormula != nil:
		if !fromCounts.Equal(fromFormula) {
			return nil, fmt.Errorf("%w: species_counts %s disagrees with composition %s", evo.ErrInvalidSpeciesCount, fromCounts, fromFormula)
		}
		return fromCounts, nil
	case fromCounts != nil:
		return fromCounts, nil
	case fromFormula != nil:
		return fromFormula, nil
	default:
		return nil, fmt.Errorf("%w: species_counts or composition is required", evo.ErrInvalidSpeciesCount)
	}
}

func (c RunConfig) Distances() (structure.DistanceTable, error) {
	return structure.ParseDistanceTable(c.MinInteratomicDistance)
}

// EffectiveLatticeRadiusBound returns lattice_radius_bound, or when it is
// unset a bound that leaves room for every atom at its largest minimum
// distance.
func (c RunConfig) EffectiveLatticeRadiusBound(target structure.Composition, table structure.DistanceTable) float64 {
	if c.LatticeRadiusBound > 0 {
		return c.LatticeRadiusBound
	}
	d := table.MaxFor(target.Species())
	return math.Max(2*d, 2.5*d*math.Cbrt(float64(target.Total())))
}

// Validate checks every key that can be checked without touching the file
// system or the oracle.
func (c RunConfig) Validate() error {
	target, err := c.Target()
	if err != nil {
		return err
	}
	if _, err := c.Distances(); err != nil {
		return fmt.Errorf("min_interatomic_distance: %w", err)
	}
	switch {
	case c.LatticeRadiusBound < 0:
		return fmt.Errorf("lattice_radius_bound must be >= 0")
	case c.PopulationSize <= 0:
		return fmt.Errorf("population_size must be > 0")
	case c.NumOffsprings <= 0:
		return fmt.Errorf("num_offsprings must be > 0")
	case c.PMutate < 0 || c.PMutate > 1:
		return fmt.Errorf("p_mutate must be in [0, 1]")
	case c.SimilarityTolerance < 0 || c.SimilarityTolerance >= 1:
		return fmt.Errorf("similarity_tolerance must be in [0, 1)")
	case c.MaxRelaxationIterations <= 0:
		return fmt.Errorf("max_relaxation_iterations must be > 0")
	case c.ConvergenceEnergyTolerance <= 0:
		return fmt.Errorf("convergence_energy_tolerance must be > 0")
	case c.StagnationGenerations < 0:
		return fmt.Errorf("stagnation_generations must be >= 0")
	case c.MaxGenerations < 0:
		return fmt.Errorf("max_generations must be >= 0")
	case c.MaxGenerations == 0 && c.StagnationGenerations == 0:
		return fmt.Errorf("max_generations or stagnation_generations must be set")
	case c.ImprovementThreshold < 0:
		return fmt.Errorf("improvement_threshold must be >= 0")
	case c.Workers <= 0:
		return fmt.Errorf("workers must be > 0")
	case c.NonConvergedPenalty < 0:
		return fmt.Errorf("nonconverged_penalty must be >= 0")
	case c.TournamentSize < 0:
		return fmt.Errorf("tournament_size must be >= 0")
	}
	if c.PopulationSize < 2 {
		return fmt.Errorf("population_size must be >= 2 to select two parents")
	}
	if c.AllowCompositionChange && len(target) < 2 && c.MutationWeights.Transmute > 0 {
		return fmt.Errorf("transmute requires at least two species")
	}
	if _, err := evo.SelectorFromName(c.Selection); err != nil {
		return err
	}
	switch c.Oracle {
	case OracleLennardJones:
		if c.LJEpsilon < 0 || c.LJSigmaScale < 0 {
			return fmt.Errorf("lj_epsilon and lj_sigma_scale must be >= 0")
		}
	case OracleCommand:
		if len(strings.Fields(c.OracleCommand)) == 0 {
			return fmt.Errorf("oracle_command is required for the command oracle")
		}
	default:
		return fmt.Errorf("unsupported oracle: %s", c.Oracle)
	}
	return nil
}
