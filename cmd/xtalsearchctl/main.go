package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"xtalsearch/internal/logging"
	"xtalsearch/internal/model"
	"xtalsearch/internal/storage"
	"xtalsearch/pkg/xtalsearch"
)

const (
	runsDir     = "runs"
	exportsDir  = "exports"
	defaultDB   = "xtalsearch.db"
	appName     = "xtalsearchctl"
	defaultLogs = "info"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:], stdout)
	case "resume":
		return runResume(ctx, args[1:], stdout)
	case "runs":
		return runRuns(ctx, args[1:], stdout)
	case "reports":
		return runReports(ctx, args[1:], stdout)
	case "population":
		return runPopulation(ctx, args[1:], stdout)
	case "lineage":
		return runLineage(ctx, args[1:], stdout)
	case "export":
		return runExport(ctx, args[1:], stdout)
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// clientFlags are shared by every subcommand that opens a client.
type clientFlags struct {
	storeKind  string
	dbPath     string
	runsDir    string
	exportsDir string
	logLevel   string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.storeKind, "store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	fs.StringVar(&c.dbPath, "db-path", defaultDB, "sqlite database path")
	fs.StringVar(&c.runsDir, "runs-dir", runsDir, "run artifacts directory")
	fs.StringVar(&c.exportsDir, "exports-dir", exportsDir, "export output directory")
	fs.StringVar(&c.logLevel, "log-level", defaultLogs, "log level: debug|info|warn|error")
}

func (c clientFlags) open() (*xtalsearch.Client, error) {
	logger, err := logging.New(appName, os.Stderr, c.logLevel)
	if err != nil {
		return nil, err
	}
	return xtalsearch.New(xtalsearch.Options{
		StoreKind:  c.storeKind,
		DBPath:     c.dbPath,
		RunsDir:    c.runsDir,
		ExportsDir: c.exportsDir,
		Logger:     &logger,
	})
}

func runRun(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "run config path (.toml or .json)")
	var overrides runOverrides
	overrides.register(fs)
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadRunConfig(*configPath)
	if err != nil {
		return err
	}
	overrides.apply(&cfg, visitedFlags(fs))

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, xtalsearch.RunRequest{
		Config:       cfg,
		OnGeneration: func(s model.GenerationSummary) { printGeneration(stdout, s) },
	})
	if err != nil {
		return err
	}
	return printRunSummary(stdout, "run", summary)
}

func runResume(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "resume the most recent run from run index")
	generations := fs.Int("gens", 0, "additional generations past the snapshot (0 continues under stored limits)")
	workers := fs.Int("workers", 0, "override worker count (0 keeps the stored value)")
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireRun(*runID, *latest, "resume"); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Resume(ctx, xtalsearch.ResumeRequest{
		RunID:                 *runID,
		Latest:                *latest,
		AdditionalGenerations: *generations,
		Workers:               *workers,
		OnGeneration:          func(s model.GenerationSummary) { printGeneration(stdout, s) },
	})
	if err != nil {
		return err
	}
	return printRunSummary(stdout, "resume", summary)
}

func runRuns(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, xtalsearch.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(stdout, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Fprintf(stdout, "run_id=%s created_at=%s composition=%s oracle=%s seed=%d pop=%d gens=%d/%d status=%s best_fitness=%.6f\n",
			item.RunID,
			item.CreatedAtUTC,
			item.Composition,
			item.Oracle,
			item.Seed,
			item.Population,
			item.Generation,
			item.MaxGenerations,
			item.Status,
			item.FinalBestFitness,
		)
	}
	return nil
}

func runReports(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("reports", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show reports for the most recent run from run index")
	limit := fs.Int("limit", 0, "show only the last N generations (0 for all)")
	jsonOut := fs.Bool("json", false, "emit reports as JSON")
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireRun(*runID, *latest, "reports"); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	reports, err := client.Reports(ctx, xtalsearch.ReportsRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(stdout, reports)
	}
	for _, s := range reports {
		printGeneration(stdout, s)
	}
	return nil
}

func runPopulation(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("population", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show the population of the most recent run from run index")
	limit := fs.Int("limit", 10, "show the best N members (0 for all)")
	jsonOut := fs.Bool("json", false, "emit the population snapshot as JSON")
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireRun(*runID, *latest, "population"); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	snapshot, err := client.Population(ctx, xtalsearch.PopulationRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(stdout, snapshot)
	}
	fmt.Fprintf(stdout, "run_id=%s generation=%d status=%s capacity=%d evaluations=%s\n",
		snapshot.RunID, snapshot.Generation, snapshot.Status, snapshot.Capacity, humanize.Comma(int64(snapshot.Evaluations)))
	for i, cand := range snapshot.Candidates {
		fmt.Fprintf(stdout, "%s id=%s fitness=%.6f energy=%.6f converged=%t born=%d op=%s\n",
			humanize.Ordinal(i+1),
			cand.ID,
			cand.Fitness,
			cand.Energy,
			cand.Converged,
			cand.Generation,
			cand.Operation,
		)
	}
	return nil
}

func runLineage(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show lineage for the most recent run from run index")
	limit := fs.Int("limit", 50, "max lineage rows to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit lineage rows as JSON")
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireRun(*runID, *latest, "lineage"); err != nil {
		return err
	}
	if *limit < 0 {
		*limit = 0
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	lineage, err := client.Lineage(ctx, xtalsearch.LineageRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(stdout, lineage)
	}
	if len(lineage) == 0 {
		fmt.Fprintln(stdout, "no lineage records")
		return nil
	}
	for _, rec := range lineage {
		evicted := ""
		if rec.EvictedID != "" {
			evicted = " evicted=" + rec.EvictedID
		}
		fmt.Fprintf(stdout, "gen=%d candidate_id=%s parents=%s op=%s outcome=%s fitness=%.6f%s\n",
			rec.Generation,
			rec.CandidateID,
			strings.Join(rec.ParentIDs, ","),
			rec.Operation,
			rec.Outcome,
			rec.Fitness,
			evicted,
		)
	}
	return nil
}

func runExport(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", "", "export output directory (defaults to -exports-dir)")
	best := fs.Int("best", 5, "write the best N candidates as POSCAR files (0 for all)")
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireRun(*runID, *latest, "export"); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, xtalsearch.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir, Best: *best})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s to=%s structures=%d\n", exported.RunID, exported.Directory, len(exported.Structures))
	for _, path := range exported.Structures {
		fmt.Fprintf(stdout, "structure=%s\n", filepath.Clean(path))
	}
	return nil
}

func printGeneration(w io.Writer, s model.GenerationSummary) {
	fmt.Fprintf(w, "generation=%d status=%s best_fitness=%.6f mean_fitness=%.6f evaluated=%d replaced=%d inserted=%d duplicates=%d rejected=%d non_converged=%d failures=%d\n",
		s.Generation,
		s.Status,
		s.BestFitness,
		s.MeanFitness,
		s.Evaluated,
		s.Replaced,
		s.Inserted,
		s.Duplicates,
		s.Rejected,
		s.NonConverged,
		s.GenerationErrors+s.EvaluationFailures,
	)
}

// printRunSummary reports the finished run. A failed run is an error so the
// process exits non-zero.
func printRunSummary(w io.Writer, verb string, summary xtalsearch.RunSummary) error {
	fmt.Fprintf(w, "%s finished run_id=%s composition=%s status=%s generations=%d evaluations=%s\n",
		verb,
		summary.RunID,
		summary.Composition,
		summary.Status,
		summary.Generation,
		humanize.Comma(int64(summary.Evaluations)),
	)
	fmt.Fprintf(w, "final_best_fitness=%.6f best_candidate=%s\n", summary.BestFitness, summary.BestCandidateID)
	fmt.Fprintf(w, "artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
	if summary.Status == "failed" {
		return fmt.Errorf("run %s failed at generation %d", summary.RunID, summary.Generation)
	}
	return nil
}

func requireRun(runID string, latest bool, cmd string) error {
	if runID != "" && latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if runID == "" && !latest {
		return fmt.Errorf("%s requires --run-id or --latest", cmd)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: %s <run|resume|runs|reports|population|lineage|export> [flags]", msg, appName)
}
