package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"xtalsearch/internal/config"
	"xtalsearch/internal/model"
)

const (
	runIndexFile       = "run_index.json"
	configFile         = "config.json"
	fitnessHistoryFile = "fitness_history.csv"
	populationFile     = "population.json"
	lineageFile        = "lineage.json"
	generationsFile    = "generations.json"
	summaryFile        = "summary.json"
)

var fitnessHistoryHeader = []string{
	"generation", "best_fitness", "mean_fitness", "std_fitness", "worst_fitness",
	"population_size", "evaluated", "inserted", "replaced", "duplicates", "rejected",
	"nonconverged", "generation_errors", "evaluation_failures", "status",
}

type RunArtifacts struct {
	Config     config.RunConfig
	Summaries  []model.GenerationSummary
	Population model.PopulationSnapshot
	Lineage    []model.LineageRecord
}

// RunSummary condenses a run's fitness history.
type RunSummary struct {
	RunID           string  `json:"run_id"`
	Composition     string  `json:"composition"`
	Status          string  `json:"status"`
	Generations     int     `json:"generations"`
	Evaluations     int     `json:"evaluations"`
	InitialBest     float64 `json:"initial_best"`
	FinalBest       float64 `json:"final_best"`
	Improvement     float64 `json:"improvement"`
	BestMean        float64 `json:"best_mean"`
	BestStd         float64 `json:"best_std"`
	BestCandidateID string  `json:"best_candidate_id,omitempty"`
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	Composition      string  `json:"composition"`
	Oracle           string  `json:"oracle"`
	PopulationSize   int     `json:"population_size"`
	MaxGenerations   int     `json:"max_generations"`
	Seed             int64   `json:"seed"`
	Workers          int     `json:"workers"`
	Status           string  `json:"status"`
	Generation       int     `json:"generation"`
	FinalBestFitness float64 `json:"final_best_fitness"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

// SummarizeRun reduces the per-generation summaries of one run.
func SummarizeRun(composition string, summaries []model.GenerationSummary, evaluations int) RunSummary {
	out := RunSummary{Composition: composition, Evaluations: evaluations}
	if len(summaries) == 0 {
		return out
	}
	first, last := summaries[0], summaries[len(summaries)-1]
	best := make([]float64, len(summaries))
	for i, s := range summaries {
		best[i] = s.BestFitness
	}
	out.RunID = last.RunID
	out.Status = last.Status
	out.Generations = last.Generation
	out.InitialBest = first.BestFitness
	out.FinalBest = last.BestFitness
	out.Improvement = first.BestFitness - last.BestFitness
	out.BestCandidateID = last.BestCandidateID
	out.BestMean = stat.Mean(best, nil)
	if len(best) > 1 {
		out.BestStd = stat.StdDev(best, nil)
	}
	return out
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	runID := strings.TrimSpace(artifacts.Config.RunID)
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := WriteFitnessHistory(runDir, artifacts.Summaries); err != nil {
		return "", err
	}
	summaries := artifacts.Summaries
	if summaries == nil {
		summaries = []model.GenerationSummary{}
	}
	if err := writeJSON(filepath.Join(runDir, generationsFile), summaries); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, populationFile), artifacts.Population); err != nil {
		return "", err
	}
	lineage := artifacts.Lineage
	if lineage == nil {
		lineage = []model.LineageRecord{}
	}
	if err := writeJSON(filepath.Join(runDir, lineageFile), lineage); err != nil {
		return "", err
	}
	composition := artifacts.Config.Composition
	if target, err := artifacts.Config.Target(); err == nil {
		composition = target.String()
	}
	summary := SummarizeRun(composition, artifacts.Summaries, artifacts.Population.Evaluations)
	if err := writeJSON(filepath.Join(runDir, summaryFile), summary); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	// Upserts keep file positions, which order runs sharing a timestamp.
	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win on equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory's files into outDir/runID.
// summary.json is optional.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, fitnessHistoryFile, generationsFile, populationFile, lineageFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	summaryPath := filepath.Join(src, summaryFile)
	if _, err := os.Stat(summaryPath); err == nil {
		if err := copyFile(summaryPath, filepath.Join(dst, summaryFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (config.RunConfig, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return config.RunConfig{}, false, nil
		}
		return config.RunConfig{}, false, err
	}

	var cfg config.RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return config.RunConfig{}, false, err
	}
	return cfg, true, nil
}

func WriteRunConfig(baseDir, runID string, cfg config.RunConfig) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = runID
	}
	if cfg.RunID != runID {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, runID)
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadPopulation(baseDir, runID string) (model.PopulationSnapshot, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, populationFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.PopulationSnapshot{}, false, nil
		}
		return model.PopulationSnapshot{}, false, err
	}
	var snapshot model.PopulationSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.PopulationSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func ReadGenerationSummaries(baseDir, runID string) ([]model.GenerationSummary, bool, error) {
	var summaries []model.GenerationSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, generationsFile), &summaries)
	return summaries, ok, err
}

func ReadLineage(baseDir, runID string) ([]model.LineageRecord, bool, error) {
	var lineage []model.LineageRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, lineageFile), &lineage)
	return lineage, ok, err
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, summaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RunSummary{}, false, nil
		}
		return RunSummary{}, false, err
	}
	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return RunSummary{}, false, err
	}
	return summary, true, nil
}

// WriteFitnessHistory writes one CSV row per generation.
func WriteFitnessHistory(runDir string, summaries []model.GenerationSummary) error {
	file, err := os.Create(filepath.Join(runDir, fitnessHistoryFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(fitnessHistoryHeader); err != nil {
		return err
	}
	for _, s := range summaries {
		if err := writer.Write([]string{
			strconv.Itoa(s.Generation),
			formatFloat(s.BestFitness),
			formatFloat(s.MeanFitness),
			formatFloat(s.StdFitness),
			formatFloat(s.WorstFitness),
			strconv.Itoa(s.PopulationSize),
			strconv.Itoa(s.Evaluated),
			strconv.Itoa(s.Inserted),
			strconv.Itoa(s.Replaced),
			strconv.Itoa(s.Duplicates),
			strconv.Itoa(s.Rejected),
			strconv.Itoa(s.NonConverged),
			strconv.Itoa(s.GenerationErrors),
			strconv.Itoa(s.EvaluationFailures),
			s.Status,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadFitnessHistory returns the best fitness column indexed by row.
func ReadFitnessHistory(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, fitnessHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 || header[1] != "best_fitness" {
		return nil, false, fmt.Errorf("fitness history header must start with generation,best_fitness")
	}

	series := make([]float64, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
