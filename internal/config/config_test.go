package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"xtalsearch/internal/evo"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, "run.json", `{
  "run_id": "nah",
  "species_counts": {"Na": 4, "H": 4},
  "population_size": 10,
  "p_mutate": 0,
  "min_interatomic_distance": {"default": 1.2, "Na-H": 1.1},
  "mutation_weights": {"swap": 1}
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RunID != "nah" || cfg.PopulationSize != 10 {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if cfg.PMutate != 0 {
		t.Fatalf("expected explicit zero p_mutate to override default, got %f", cfg.PMutate)
	}
	if cfg.NumOffsprings != Default().NumOffsprings {
		t.Fatalf("expected default num_offsprings, got %d", cfg.NumOffsprings)
	}
	if cfg.MutationWeights != (evo.MutationWeights{Swap: 1}) {
		t.Fatalf("expected weights table to replace defaults, got %+v", cfg.MutationWeights)
	}
	target, err := cfg.Target()
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if target.String() != "H4Na4" {
		t.Fatalf("unexpected target: %s", target)
	}
	table, err := cfg.Distances()
	if err != nil {
		t.Fatalf("distances: %v", err)
	}
	if table.Min("H", "Na") != 1.1 || table.Min("Na", "Na") != 1.2 {
		t.Fatalf("unexpected distance table: %+v", table)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "run.toml", `
run_id = "cual"
composition = "Cu8Al8"
lattice_radius_bound = 10.0
max_generations = 5
workers = 2
oracle = "command"
oracle_command = "relax --fast"

[mutation_weights]
displace = 1.0
strain = 1.0

[min_interatomic_distance]
default = 2.0
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RunID != "cual" || cfg.LatticeRadiusBound != 10 || cfg.MaxGenerations != 5 || cfg.Workers != 2 {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if cfg.MutationWeights != (evo.MutationWeights{Displace: 1, Strain: 1}) {
		t.Fatalf("unexpected weights: %+v", cfg.MutationWeights)
	}
	if cfg.StagnationGenerations != Default().StagnationGenerations {
		t.Fatalf("expected default stagnation, got %d", cfg.StagnationGenerations)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNegativeFailureToleranceValidates(t *testing.T) {
	path := writeConfig(t, "strict.toml", `
composition = "Na4H4"
failure_tolerance = -1
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FailureTolerance != -1 {
		t.Fatalf("expected failure_tolerance -1, got %d", cfg.FailureTolerance)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for name, body := range map[string]string{
		"run.json": `{"composition": "Na1", "populaton_size": 3}`,
		"run.toml": "composition = \"Na1\"\npopulaton_size = 3\n",
	} {
		if _, err := LoadFile(writeConfig(t, name, body)); err == nil {
			t.Fatalf("%s: expected unknown key error", name)
		}
	}
	if _, err := LoadFile(writeConfig(t, "run.yaml", "x: 1")); err == nil {
		t.Fatal("expected unsupported extension error")
	}
}

func TestTargetResolution(t *testing.T) {
	cases := []struct {
		name    string
		cfg     RunConfig
		want    string
		wantErr bool
	}{
		{name: "counts", cfg: RunConfig{SpeciesCounts: map[string]int{"Na": 2}}, want: "Na2"},
		{name: "formula", cfg: RunConfig{Composition: "NaCl"}, want: "ClNa"},
		{name: "agree", cfg: RunConfig{SpeciesCounts: map[string]int{"Na": 1, "Cl": 1}, Composition: "ClNa"}, want: "ClNa"},
		{name: "disagree", cfg: RunConfig{SpeciesCounts: map[string]int{"Na": 2}, Composition: "Na1"}, wantErr: true},
		{name: "zero count", cfg: RunConfig{SpeciesCounts: map[string]int{"Na": 0}}, wantErr: true},
		{name: "missing", cfg: RunConfig{}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cfg.Target()
			if tc.wantErr {
				if !errors.Is(err, evo.ErrInvalidSpeciesCount) {
					t.Fatalf("expected invalid species count, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("target: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
		})
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Default()
	base.Composition = "Na4H4"
	if err := base.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cases := map[string]func(*RunConfig){
		"p_mutate":           func(c *RunConfig) { c.PMutate = 1.5 },
		"population_size":    func(c *RunConfig) { c.PopulationSize = 1 },
		"num_offsprings":     func(c *RunConfig) { c.NumOffsprings = 0 },
		"workers":            func(c *RunConfig) { c.Workers = 0 },
		"termination":        func(c *RunConfig) { c.MaxGenerations, c.StagnationGenerations = 0, 0 },
		"selection":          func(c *RunConfig) { c.Selection = "roulette" },
		"oracle":             func(c *RunConfig) { c.Oracle = "vasp" },
		"oracle_command":     func(c *RunConfig) { c.Oracle = OracleCommand },
		"similarity":         func(c *RunConfig) { c.SimilarityTolerance = 1 },
		"min_distance":       func(c *RunConfig) { c.MinInteratomicDistance = map[string]float64{"Na": 1} },
		"convergence":        func(c *RunConfig) { c.ConvergenceEnergyTolerance = 0 },
		"relax_iterations":   func(c *RunConfig) { c.MaxRelaxationIterations = 0 },
		"nonconverged":       func(c *RunConfig) { c.NonConvergedPenalty = -1 },
		"lattice_bound_sign": func(c *RunConfig) { c.LatticeRadiusBound = -2 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEffectiveLatticeRadiusBound(t *testing.T) {
	cfg := RunConfig{Composition: "Na4H4"}
	target, _ := cfg.Target()
	table, _ := cfg.Distances()
	if got := cfg.EffectiveLatticeRadiusBound(target, table); got != 5 {
		t.Fatalf("expected derived bound 5, got %f", got)
	}
	cfg.LatticeRadiusBound = 7
	if got := cfg.EffectiveLatticeRadiusBound(target, table); got != 7 {
		t.Fatalf("expected explicit bound, got %f", got)
	}
}
