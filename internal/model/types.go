package model

const (
	SchemaVersion = 1
	CodecVersion  = 1
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

func CurrentVersion() VersionedRecord {
	return VersionedRecord{SchemaVersion: SchemaVersion, CodecVersion: CodecVersion}
}

type StructureRecord struct {
	Lattice [3][3]float64 `json:"lattice"`
	Species []string      `json:"species"`
	Frac    [][3]float64  `json:"frac"`
	PBC     [3]bool       `json:"pbc"`
}

type CandidateRecord struct {
	ID         string          `json:"id"`
	Generation int             `json:"generation"`
	Fitness    float64         `json:"fitness"`
	Energy     float64         `json:"energy"`
	Converged  bool            `json:"converged"`
	ParentIDs  []string        `json:"parent_ids,omitempty"`
	Operation  string          `json:"operation"`
	Structure  StructureRecord `json:"structure"`
}

// PopulationSnapshot is everything needed to resume a run at Generation.
type PopulationSnapshot struct {
	VersionedRecord
	RunID       string            `json:"run_id"`
	Generation  int               `json:"generation"`
	Status      string            `json:"status"`
	Stagnant    int               `json:"stagnant"`
	Evaluations int               `json:"evaluations"`
	BestHistory []float64         `json:"best_history"`
	Capacity    int               `json:"capacity"`
	Candidates  []CandidateRecord `json:"candidates"`
}

type GenerationSummary struct {
	VersionedRecord
	RunID              string  `json:"run_id"`
	Generation         int     `json:"generation"`
	Status             string  `json:"status"`
	BestFitness        float64 `json:"best_fitness"`
	MeanFitness        float64 `json:"mean_fitness"`
	StdFitness         float64 `json:"std_fitness"`
	WorstFitness       float64 `json:"worst_fitness"`
	BestCandidateID    string  `json:"best_candidate_id"`
	PopulationSize     int     `json:"population_size"`
	Offspring          int     `json:"offspring"`
	Evaluated          int     `json:"evaluated"`
	Inserted           int     `json:"inserted"`
	Replaced           int     `json:"replaced"`
	Duplicates         int     `json:"duplicates"`
	Rejected           int     `json:"rejected"`
	NonConverged       int     `json:"non_converged"`
	GenerationErrors   int     `json:"generation_errors"`
	EvaluationFailures int     `json:"evaluation_failures"`
	Stagnant           int     `json:"stagnant"`
}

type LineageRecord struct {
	VersionedRecord
	CandidateID string   `json:"candidate_id"`
	ParentIDs   []string `json:"parent_ids,omitempty"`
	Generation  int      `json:"generation"`
	Operation   string   `json:"operation"`
	Outcome     string   `json:"outcome"`
	EvictedID   string   `json:"evicted_id,omitempty"`
	Fitness     float64  `json:"fitness"`
}

type RunRecord struct {
	VersionedRecord
	RunID        string  `json:"run_id"`
	Composition  string  `json:"composition"`
	Oracle       string  `json:"oracle"`
	Seed         int64   `json:"seed"`
	Status       string  `json:"status"`
	Generation   int     `json:"generation"`
	BestFitness  float64 `json:"best_fitness"`
	Evaluations  int     `json:"evaluations"`
	ConfigJSON   string  `json:"config_json,omitempty"`
	CreatedAtUTC string  `json:"created_at_utc"`
	UpdatedAtUTC string  `json:"updated_at_utc"`
}
