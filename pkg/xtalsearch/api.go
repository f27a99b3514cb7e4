package xtalsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"
	"github.com/rs/zerolog"

	"xtalsearch/internal/config"
	"xtalsearch/internal/evo"
	"xtalsearch/internal/fitness"
	"xtalsearch/internal/model"
	"xtalsearch/internal/similarity"
	"xtalsearch/internal/stats"
	"xtalsearch/internal/storage"
	"xtalsearch/internal/structure"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "xtalsearch.db"
	runIDLayout       = "%Y%m%dT%H%M%S"
	structuresDir     = "structures"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *zerolog.Logger
	Now        func() time.Time
}

type Client struct {
	store      storage.Store
	runsDir    string
	exportsDir string
	logger     zerolog.Logger
	now        func() time.Time

	initMu      sync.Mutex
	initialized bool
}

type RunRequest struct {
	Config config.RunConfig
	// OnGeneration sees the seeding report and every generation report.
	OnGeneration func(model.GenerationSummary)
}

type ResumeRequest struct {
	RunID  string
	Latest bool
	// AdditionalGenerations raises max_generations past the snapshot and
	// reopens exhausted or converged runs. Zero continues an unfinished run
	// under its stored limits.
	AdditionalGenerations int
	// Workers overrides the stored worker count; results do not depend on it.
	Workers      int
	OnGeneration func(model.GenerationSummary)
}

type RunSummary struct {
	RunID            string
	Composition      string
	Status           string
	Generation       int
	BestFitness      float64
	BestCandidateID  string
	Evaluations      int
	BestByGeneration []float64
	ArtifactsDir     string
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID            string
	CreatedAtUTC     string
	Composition      string
	Oracle           string
	Seed             int64
	Population       int
	MaxGenerations   int
	Status           string
	Generation       int
	FinalBestFitness float64
}

type ReportsRequest struct {
	RunID  string
	Latest bool
	// Limit keeps the most recent generations.
	Limit int
}

type PopulationRequest struct {
	RunID  string
	Latest bool
	// Limit keeps the best members.
	Limit int
}

type LineageRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
	// Best is the number of top candidates written as POSCAR files. Zero
	// writes the whole population.
	Best int
}

type ExportSummary struct {
	RunID      string
	Directory  string
	Structures []string
}

// ErrRunNotFound is returned when neither the store nor the runs directory
// knows a run id.
var ErrRunNotFound = errors.New("run not found")

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		runsDir:    runsDir,
		exportsDir: exportsDir,
		logger:     logger,
		now:        now,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Run seeds a new population and evolves it until the run reaches a terminal
// status. Artifacts are written even when the run fails.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	if strings.TrimSpace(cfg.RunID) == "" {
		runID, err := c.defaultRunID(cfg)
		if err != nil {
			return RunSummary{}, err
		}
		cfg.RunID = runID
	}
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	if _, ok, err := c.store.GetRun(ctx, cfg.RunID); err != nil {
		return RunSummary{}, err
	} else if ok {
		return RunSummary{}, fmt.Errorf("run %s already exists, use resume", cfg.RunID)
	}
	if _, err := os.Stat(filepath.Join(c.runsDir, cfg.RunID)); err == nil {
		return RunSummary{}, fmt.Errorf("run %s already has artifacts in %s", cfg.RunID, c.runsDir)
	}

	ctrl, err := newController(cfg, c.logger)
	if err != nil {
		return RunSummary{}, err
	}
	session := &runSession{
		client:       c,
		cfg:          cfg,
		ctrl:         ctrl,
		createdAt:    c.now().UTC().Format(time.RFC3339),
		onGeneration: req.OnGeneration,
	}
	c.logger.Info().Str("run_id", cfg.RunID).Int64("seed", cfg.RandomSeed).Int("workers", cfg.Workers).Msg("run started")
	_, runErr := ctrl.Run(ctx, session.record)
	return session.finish(ctx, runErr)
}

// Resume restores the latest snapshot of a run and evolves it further.
func (c *Client) Resume(ctx context.Context, req ResumeRequest) (RunSummary, error) {
	if req.AdditionalGenerations < 0 {
		return RunSummary{}, errors.New("additional generations must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return RunSummary{}, err
	}
	state, err := c.loadRun(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}

	cfg := state.cfg
	if req.AdditionalGenerations > 0 {
		cfg.MaxGenerations = state.snapshot.Generation + req.AdditionalGenerations
	}
	if req.Workers > 0 {
		cfg.Workers = req.Workers
	}
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	ctrl, err := newController(cfg, c.logger)
	if err != nil {
		return RunSummary{}, err
	}
	if err := ctrl.Restore(state.snapshot); err != nil {
		return RunSummary{}, fmt.Errorf("restore run %s: %w", runID, err)
	}
	if ctrl.Status().Terminal() {
		if req.AdditionalGenerations == 0 {
			return RunSummary{}, fmt.Errorf("%w: run %s is %s", evo.ErrRunFinished, runID, ctrl.Status())
		}
		if err := ctrl.Reopen(); err != nil {
			return RunSummary{}, err
		}
	}

	session := &runSession{
		client:       c,
		cfg:          cfg,
		ctrl:         ctrl,
		createdAt:    state.createdAt,
		summaries:    state.summaries,
		onGeneration: req.OnGeneration,
	}
	c.logger.Info().Str("run_id", runID).Int("generation", ctrl.Generation()).Int("max_generations", cfg.MaxGenerations).Msg("run resumed")
	_, runErr := ctrl.Run(ctx, session.record)
	return session.finish(ctx, runErr)
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:            e.RunID,
			CreatedAtUTC:     e.CreatedAtUTC,
			Composition:      e.Composition,
			Oracle:           e.Oracle,
			Seed:             e.Seed,
			Population:       e.PopulationSize,
			MaxGenerations:   e.MaxGenerations,
			Status:           e.Status,
			Generation:       e.Generation,
			FinalBestFitness: e.FinalBestFitness,
		})
	}
	return out, nil
}

func (c *Client) Reports(ctx context.Context, req ReportsRequest) ([]model.GenerationSummary, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	state, err := c.loadRequested(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	summaries := state.summaries
	if req.Limit > 0 && len(summaries) > req.Limit {
		summaries = summaries[len(summaries)-req.Limit:]
	}
	return summaries, nil
}

func (c *Client) Population(ctx context.Context, req PopulationRequest) (model.PopulationSnapshot, error) {
	if req.Limit < 0 {
		return model.PopulationSnapshot{}, errors.New("limit must be >= 0")
	}
	state, err := c.loadRequested(ctx, req.RunID, req.Latest)
	if err != nil {
		return model.PopulationSnapshot{}, err
	}
	snapshot := state.snapshot
	if req.Limit > 0 && len(snapshot.Candidates) > req.Limit {
		snapshot.Candidates = snapshot.Candidates[:req.Limit]
	}
	return snapshot, nil
}

func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]model.LineageRecord, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	state, err := c.loadRequested(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	lineage := state.lineage
	if req.Limit > 0 && len(lineage) > req.Limit {
		lineage = lineage[:req.Limit]
	}
	return lineage, nil
}

// Export copies a run's artifacts to OutDir/<run id> and writes the best
// candidates as POSCAR files under structures/.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.Best < 0 {
		return ExportSummary{}, errors.New("best must be >= 0")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	snapshot, ok, err := stats.ReadPopulation(c.runsDir, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	if !ok {
		return ExportSummary{}, fmt.Errorf("%w: no population for %s", ErrRunNotFound, runID)
	}
	candidates := snapshot.Candidates
	if req.Best > 0 && len(candidates) > req.Best {
		candidates = candidates[:req.Best]
	}
	paths, err := writeStructures(filepath.Join(exportedDir, structuresDir), candidates)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir), Structures: paths}, nil
}

func writeStructures(dir string, candidates []model.CandidateRecord) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(candidates))
	for rank, cand := range candidates {
		s, err := evo.StructureFromRecord(cand.Structure)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", cand.ID, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%02d_%s.vasp", rank+1, cand.ID))
		file, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		comment := fmt.Sprintf("%s fitness=%g energy=%g converged=%t", cand.ID, cand.Fitness, cand.Energy, cand.Converged)
		if err := structure.WritePOSCAR(file, s, comment); err != nil {
			file.Close()
			return nil, err
		}
		if err := file.Close(); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (c *Client) defaultRunID(cfg config.RunConfig) (string, error) {
	target, err := cfg.Target()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-s%d", strftime.Format(runIDLayout, c.now().UTC()), target, cfg.RandomSeed), nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if !latest {
		if runID == "" {
			return "", errors.New("run id or latest is required")
		}
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

type runState struct {
	cfg       config.RunConfig
	createdAt string
	snapshot  model.PopulationSnapshot
	summaries []model.GenerationSummary
	lineage   []model.LineageRecord
}

func (c *Client) loadRequested(ctx context.Context, runID string, latest bool) (runState, error) {
	if err := c.Init(ctx); err != nil {
		return runState{}, err
	}
	resolved, err := c.resolveRunID(runID, latest)
	if err != nil {
		return runState{}, err
	}
	return c.loadRun(ctx, resolved)
}

// loadRun reads a run from the store, falling back to its artifacts
// directory. Runs found only on disk are copied into the store.
func (c *Client) loadRun(ctx context.Context, runID string) (runState, error) {
	rec, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return runState{}, err
	}
	if ok {
		return c.loadStoredRun(ctx, rec)
	}

	cfg, ok, err := stats.ReadRunConfig(c.runsDir, runID)
	if err != nil {
		return runState{}, err
	}
	if !ok {
		return runState{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	snapshot, ok, err := stats.ReadPopulation(c.runsDir, runID)
	if err != nil {
		return runState{}, err
	}
	if !ok {
		return runState{}, fmt.Errorf("%w: no population for %s", ErrRunNotFound, runID)
	}
	if snapshot.SchemaVersion != storage.CurrentSchemaVersion {
		return runState{}, fmt.Errorf("%w: population schema %d", storage.ErrVersionMismatch, snapshot.SchemaVersion)
	}
	summaries, _, err := stats.ReadGenerationSummaries(c.runsDir, runID)
	if err != nil {
		return runState{}, err
	}
	lineage, _, err := stats.ReadLineage(c.runsDir, runID)
	if err != nil {
		return runState{}, err
	}
	state := runState{cfg: cfg, snapshot: snapshot, summaries: summaries, lineage: lineage}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return runState{}, err
	}
	for _, e := range entries {
		if e.RunID == runID {
			state.createdAt = e.CreatedAtUTC
			break
		}
	}
	if err := c.hydrate(ctx, state); err != nil {
		return runState{}, err
	}
	return state, nil
}

func (c *Client) loadStoredRun(ctx context.Context, rec model.RunRecord) (runState, error) {
	var cfg config.RunConfig
	if err := json.Unmarshal([]byte(rec.ConfigJSON), &cfg); err != nil {
		return runState{}, fmt.Errorf("decode stored config for %s: %w", rec.RunID, err)
	}
	snapshot, ok, err := c.store.GetSnapshot(ctx, rec.RunID)
	if err != nil {
		return runState{}, err
	}
	if !ok {
		return runState{}, fmt.Errorf("%w: no snapshot for %s", ErrRunNotFound, rec.RunID)
	}
	summaries, _, err := c.store.GetGenerationSummaries(ctx, rec.RunID)
	if err != nil {
		return runState{}, err
	}
	lineage, _, err := c.store.GetLineage(ctx, rec.RunID)
	if err != nil {
		return runState{}, err
	}
	return runState{cfg: cfg, createdAt: rec.CreatedAtUTC, snapshot: snapshot, summaries: summaries, lineage: lineage}, nil
}

func (c *Client) hydrate(ctx context.Context, state runState) error {
	session := runSession{client: c, cfg: state.cfg, createdAt: state.createdAt}
	if err := c.store.SaveRun(ctx, session.runRecord(state.snapshot)); err != nil {
		return err
	}
	if err := c.store.SaveSnapshot(ctx, state.snapshot); err != nil {
		return err
	}
	for _, summary := range state.summaries {
		if err := c.store.SaveGenerationSummary(ctx, summary); err != nil {
			return err
		}
	}
	if len(state.lineage) > 0 {
		return c.store.AppendLineage(ctx, state.cfg.RunID, state.lineage)
	}
	return nil
}

// runSession persists every report of one Run or Resume call.
type runSession struct {
	client       *Client
	cfg          config.RunConfig
	ctrl         *evo.Controller
	createdAt    string
	summaries    []model.GenerationSummary
	onGeneration func(model.GenerationSummary)
}

func (s *runSession) record(report evo.GenerationReport) error {
	ctx := context.Background()
	store := s.client.store
	if err := store.SaveGenerationSummary(ctx, report.GenerationSummary); err != nil {
		return err
	}
	if len(report.Lineage) > 0 {
		if err := store.AppendLineage(ctx, s.cfg.RunID, report.Lineage); err != nil {
			return err
		}
	}
	snapshot := s.ctrl.Snapshot()
	if err := store.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}
	if err := store.SaveRun(ctx, s.runRecord(snapshot)); err != nil {
		return err
	}
	s.summaries = append(s.summaries, report.GenerationSummary)
	if s.onGeneration != nil {
		s.onGeneration(report.GenerationSummary)
	}
	return nil
}

func (s *runSession) runRecord(snapshot model.PopulationSnapshot) model.RunRecord {
	rec := model.RunRecord{
		VersionedRecord: model.CurrentVersion(),
		RunID:           s.cfg.RunID,
		Oracle:          s.cfg.Oracle,
		Seed:            s.cfg.RandomSeed,
		Status:          snapshot.Status,
		Generation:      snapshot.Generation,
		Evaluations:     snapshot.Evaluations,
		CreatedAtUTC:    s.createdAt,
		UpdatedAtUTC:    s.client.now().UTC().Format(time.RFC3339),
	}
	if target, err := s.cfg.Target(); err == nil {
		rec.Composition = target.String()
	}
	if n := len(snapshot.BestHistory); n > 0 {
		rec.BestFitness = snapshot.BestHistory[n-1]
	}
	if data, err := json.Marshal(s.cfg); err == nil {
		rec.ConfigJSON = string(data)
	}
	return rec
}

// finish writes the final snapshot, the artifacts directory and the run
// index entry, then reports runErr if the run itself failed.
func (s *runSession) finish(ctx context.Context, runErr error) (RunSummary, error) {
	ctx = context.WithoutCancel(ctx)
	c := s.client
	snapshot := s.ctrl.Snapshot()
	rec := s.runRecord(snapshot)
	if err := c.store.SaveSnapshot(ctx, snapshot); err != nil {
		return RunSummary{}, errors.Join(runErr, err)
	}
	if err := c.store.SaveRun(ctx, rec); err != nil {
		return RunSummary{}, errors.Join(runErr, err)
	}
	lineage, _, err := c.store.GetLineage(ctx, s.cfg.RunID)
	if err != nil {
		return RunSummary{}, errors.Join(runErr, err)
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config:     s.cfg,
		Summaries:  s.summaries,
		Population: snapshot,
		Lineage:    lineage,
	})
	if err != nil {
		return RunSummary{}, errors.Join(runErr, err)
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:            s.cfg.RunID,
		Composition:      rec.Composition,
		Oracle:           s.cfg.Oracle,
		PopulationSize:   s.cfg.PopulationSize,
		MaxGenerations:   s.cfg.MaxGenerations,
		Seed:             s.cfg.RandomSeed,
		Workers:          s.cfg.Workers,
		Status:           rec.Status,
		Generation:       rec.Generation,
		FinalBestFitness: rec.BestFitness,
		CreatedAtUTC:     s.createdAt,
	}); err != nil {
		return RunSummary{}, errors.Join(runErr, err)
	}

	summary := RunSummary{
		RunID:            s.cfg.RunID,
		Composition:      rec.Composition,
		Status:           rec.Status,
		Generation:       rec.Generation,
		BestFitness:      rec.BestFitness,
		Evaluations:      rec.Evaluations,
		BestByGeneration: append([]float64(nil), snapshot.BestHistory...),
		ArtifactsDir:     runDir,
	}
	if len(snapshot.Candidates) > 0 {
		summary.BestCandidateID = snapshot.Candidates[0].ID
	}
	event := c.logger.Info()
	if runErr != nil {
		event = c.logger.Error().Err(runErr)
	}
	event.Str("run_id", summary.RunID).Str("status", summary.Status).Int("generation", summary.Generation).
		Float64("best_fitness", summary.BestFitness).Str("artifacts", runDir).Msg("run finished")
	return summary, runErr
}

func newController(cfg config.RunConfig, logger zerolog.Logger) (*evo.Controller, error) {
	target, err := cfg.Target()
	if err != nil {
		return nil, err
	}
	table, err := cfg.Distances()
	if err != nil {
		return nil, err
	}
	evaluator, err := newEvaluator(cfg, table)
	if err != nil {
		return nil, err
	}
	selector, err := newSelector(cfg)
	if err != nil {
		return nil, err
	}
	operators, err := evo.NewOperators(evo.OperatorConfig{
		Target:                 target,
		Distances:              table,
		Weights:                cfg.MutationWeights,
		AllowCompositionChange: cfg.AllowCompositionChange,
	})
	if err != nil {
		return nil, err
	}
	population, err := evo.NewPopulation(evo.PopulationConfig{
		Capacity:               cfg.PopulationSize,
		Target:                 target,
		Oracle:                 similarity.NewOracle(cfg.SimilarityTolerance),
		Selector:               selector,
		NonConvergedPenalty:    cfg.NonConvergedPenalty,
		AllowCompositionChange: cfg.AllowCompositionChange,
	})
	if err != nil {
		return nil, err
	}
	var template *structure.Structure
	if cfg.TemplatePath != "" {
		s, err := readTemplate(cfg.TemplatePath)
		if err != nil {
			return nil, err
		}
		template = &s
	}
	return evo.NewController(evo.ControllerConfig{
		RunID:                 cfg.RunID,
		Target:                target,
		LatticeRadiusBound:    cfg.EffectiveLatticeRadiusBound(target, table),
		NumOffspring:          cfg.NumOffsprings,
		PMutate:               cfg.PMutate,
		MaxGenerations:        cfg.MaxGenerations,
		StagnationGenerations: cfg.StagnationGenerations,
		ImprovementThreshold:  cfg.ImprovementThreshold,
		FailureTolerance:      cfg.FailureTolerance,
		Workers:               cfg.Workers,
		Seed:                  cfg.RandomSeed,
		Template:              template,
		Generator:             structure.RandomGenerator{Distances: table},
		Operators:             operators,
		Evaluator:             evaluator,
		Population:            population,
		Logger:                &logger,
	})
}

func newEvaluator(cfg config.RunConfig, table structure.DistanceTable) (*fitness.Evaluator, error) {
	var relaxer fitness.Relaxer
	switch cfg.Oracle {
	case config.OracleLennardJones:
		relaxer = fitness.LennardJones{Distances: table, Epsilon: cfg.LJEpsilon, SigmaScale: cfg.LJSigmaScale}
	case config.OracleCommand:
		fields := strings.Fields(cfg.OracleCommand)
		if len(fields) == 0 {
			return nil, errors.New("oracle_command is required for the command oracle")
		}
		relaxer = fitness.Command{Path: fields[0], Args: fields[1:]}
	default:
		return nil, fmt.Errorf("unsupported oracle: %s", cfg.Oracle)
	}
	return fitness.NewEvaluator(relaxer, cfg.MaxRelaxationIterations, cfg.ConvergenceEnergyTolerance, cfg.FitnessPerAtom)
}

func newSelector(cfg config.RunConfig) (evo.Selector, error) {
	selector, err := evo.SelectorFromName(cfg.Selection)
	if err != nil {
		return nil, err
	}
	if _, ok := selector.(evo.TournamentSelector); ok {
		return evo.TournamentSelector{Size: cfg.TournamentSize}, nil
	}
	return selector, nil
}

func readTemplate(path string) (structure.Structure, error) {
	file, err := os.Open(path)
	if err != nil {
		return structure.Structure{}, fmt.Errorf("open template: %w", err)
	}
	defer file.Close()
	s, err := structure.ReadPOSCAR(file)
	if err != nil {
		return structure.Structure{}, fmt.Errorf("read template %s: %w", path, err)
	}
	return s, nil
}
