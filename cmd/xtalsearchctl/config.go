package main

import (
	"flag"

	"xtalsearch/internal/config"
)

// runOverrides holds the run flags that replace config file values when set
// explicitly on the command line.
type runOverrides struct {
	runID         string
	composition   string
	latticeBound  float64
	population    int
	offsprings    int
	pMutate       float64
	generations   int
	stagnation    int
	seed          int64
	workers       int
	selection     string
	template      string
	oracle        string
	oracleCommand string
}

func (o *runOverrides) register(fs *flag.FlagSet) {
	d := config.Default()
	fs.StringVar(&o.runID, "run-id", "", "explicit run id (optional)")
	fs.StringVar(&o.composition, "composition", "", "target formula, e.g. Na4H4")
	fs.Float64Var(&o.latticeBound, "lattice-bound", 0, "lattice radius bound in angstrom (0 derives it from the distance table)")
	fs.IntVar(&o.population, "pop", d.PopulationSize, "population size")
	fs.IntVar(&o.offsprings, "offspring", d.NumOffsprings, "offspring per generation")
	fs.Float64Var(&o.pMutate, "p-mutate", d.PMutate, "probability of mutating a crossover child")
	fs.IntVar(&o.generations, "gens", d.MaxGenerations, "max generations (0 disables)")
	fs.IntVar(&o.stagnation, "stagnation", d.StagnationGenerations, "stagnation generations before convergence (0 disables)")
	fs.Int64Var(&o.seed, "seed", d.RandomSeed, "rng seed")
	fs.IntVar(&o.workers, "workers", d.Workers, "concurrent evaluations")
	fs.StringVar(&o.selection, "selection", d.Selection, "parent selection: tournament|rank")
	fs.StringVar(&o.template, "template", "", "POSCAR template for seeding")
	fs.StringVar(&o.oracle, "oracle", d.Oracle, "relaxation oracle: lj|command")
	fs.StringVar(&o.oracleCommand, "oracle-command", "", "external relaxer command line for oracle=command")
}

func (o runOverrides) apply(cfg *config.RunConfig, set map[string]bool) {
	if set["run-id"] {
		cfg.RunID = o.runID
	}
	if set["composition"] {
		cfg.Composition = o.composition
	}
	if set["lattice-bound"] {
		cfg.LatticeRadiusBound = o.latticeBound
	}
	if set["pop"] {
		cfg.PopulationSize = o.population
	}
	if set["offspring"] {
		cfg.NumOffsprings = o.offsprings
	}
	if set["p-mutate"] {
		cfg.PMutate = o.pMutate
	}
	if set["gens"] {
		cfg.MaxGenerations = o.generations
	}
	if set["stagnation"] {
		cfg.StagnationGenerations = o.stagnation
	}
	if set["seed"] {
		cfg.RandomSeed = o.seed
	}
	if set["workers"] {
		cfg.Workers = o.workers
	}
	if set["selection"] {
		cfg.Selection = o.selection
	}
	if set["template"] {
		cfg.TemplatePath = o.template
	}
	if set["oracle"] {
		cfg.Oracle = o.oracle
	}
	if set["oracle-command"] {
		cfg.OracleCommand = o.oracleCommand
	}
}

func loadRunConfig(path string) (config.RunConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

func visitedFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}
