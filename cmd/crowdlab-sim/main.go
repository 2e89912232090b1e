// Package main runs the consensus engine on a synthetic multi-annotator
// dataset and compares it with plain majority vote.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/crowdlab/internal/config"
	"github.com/banshee-data/crowdlab/internal/fsutil"
	"github.com/banshee-data/crowdlab/internal/issues"
	"github.com/banshee-data/crowdlab/internal/multiannotator"
	"github.com/banshee-data/crowdlab/internal/refine"
	"github.com/banshee-data/crowdlab/internal/security"
	"github.com/banshee-data/crowdlab/internal/simulate"
	"github.com/banshee-data/crowdlab/internal/version"
)

// Config holds the command line settings.
type Config struct {
	ConfigFile string
	OutputDir  string
	OutputJSON string
	ShowWorst  int
	Verbose    bool
	Version    bool
	Spec       simulate.Spec
}

// RoundSummary is one refinement round in the report.
type RoundSummary struct {
	Index             int     `json:"index"`
	ID                string  `json:"id"`
	State             string  `json:"state"`
	LabelsChanged     int     `json:"labels_changed"`
	ConsensusAccuracy float64 `json:"consensus_accuracy"`
	MeanQuality       float64 `json:"mean_quality,omitempty"`
	ElapsedMs         float64 `json:"elapsed_ms"`
}

// SimulationResult is the exported report.
type SimulationResult struct {
	Spec                 simulate.Spec                   `json:"spec"`
	DurationSecs         float64                         `json:"duration_secs"`
	MajorityVoteAccuracy float64                         `json:"majority_vote_accuracy"`
	ConsensusAccuracy    float64                         `json:"consensus_accuracy"`
	Rounds               []RoundSummary                  `json:"rounds"`
	Annotators           []multiannotator.AnnotatorStats `json:"annotators"`
	NoisyAnnotators      []string                        `json:"noisy_annotators"`
	WorstExamples        []WorstExample                  `json:"worst_examples"`
	Issues               []*issues.Report                `json:"issues,omitempty"`
	Warnings             []multiannotator.Warning        `json:"warnings,omitempty"`
}

// WorstExample is a low-quality consensus label with its ground truth.
type WorstExample struct {
	Index          int     `json:"index"`
	ConsensusLabel int     `json:"consensus_label"`
	TrueLabel      int     `json:"true_label"`
	QualityScore   float64 `json:"quality_score"`
	NumAnnotations int     `json:"num_annotations"`
}

func main() {
	cfg := parseFlags()
	if cfg.Version {
		fmt.Println(version.String())
		return
	}

	tuning := config.EmptyConfig()
	if cfg.ConfigFile != "" {
		loaded, err := config.LoadConfig(cfg.ConfigFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		tuning = loaded
	}

	fsys := fsutil.OSFileSystem{}
	if cfg.OutputDir != "" {
		if err := security.ValidateExportPath(cfg.OutputDir); err != nil {
			log.Fatalf("Invalid output directory: %v", err)
		}
		if err := fsys.MkdirAll(cfg.OutputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := runSimulation(ctx, cfg, tuning)
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}

	printResults(result, cfg.Verbose)

	if cfg.OutputJSON != "" {
		outputPath := cfg.OutputJSON
		if cfg.OutputDir != "" {
			outputPath = filepath.Join(cfg.OutputDir, cfg.OutputJSON)
		}
		if err := security.ValidateExportPath(outputPath); err != nil {
			log.Fatalf("Invalid output path: %v", err)
		}
		if err := exportJSON(fsys, result, outputPath); err != nil {
			log.Printf("Warning: failed to export JSON: %v", err)
		} else {
			log.Printf("Results exported to: %s", outputPath)
		}
	}
}

func parseFlags() Config {
	cfg := Config{Spec: simulate.DefaultSpec()}
	var seed uint64

	flag.StringVar(&cfg.ConfigFile, "config", config.DefaultConfigPath, "Path to tuning JSON (empty for built-in defaults)")
	flag.StringVar(&cfg.OutputDir, "output", "", "Output directory for results")
	flag.StringVar(&cfg.OutputJSON, "json", "", "Output JSON filename (e.g., results.json)")
	flag.IntVar(&cfg.ShowWorst, "worst", 10, "Number of lowest-quality examples to print")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Print every annotator")
	flag.BoolVar(&cfg.Version, "version", false, "Print version and exit")

	flag.IntVar(&cfg.Spec.NumExamples, "examples", cfg.Spec.NumExamples, "Number of examples")
	flag.IntVar(&cfg.Spec.NumClasses, "classes", cfg.Spec.NumClasses, "Number of classes")
	flag.IntVar(&cfg.Spec.NumAnnotators, "annotators", cfg.Spec.NumAnnotators, "Number of annotators")
	flag.IntVar(&cfg.Spec.AnnotationsPerExample, "per-example", 0, "Exact annotators per example (0 uses -coverage)")
	flag.Float64Var(&cfg.Spec.CoverageRate, "coverage", cfg.Spec.CoverageRate, "Probability an annotator labels an example")
	flag.Float64Var(&cfg.Spec.CleanAccuracy, "clean-accuracy", cfg.Spec.CleanAccuracy, "Noise matrix diagonal for regular annotators")
	flag.Float64Var(&cfg.Spec.NoisyAccuracy, "noisy-accuracy", cfg.Spec.NoisyAccuracy, "Noise matrix diagonal for noisy annotators")
	flag.IntVar(&cfg.Spec.NoisyAnnotators, "noisy", cfg.Spec.NoisyAnnotators, "Number of noisy annotators")
	flag.Float64Var(&cfg.Spec.ClassSeparation, "separation", cfg.Spec.ClassSeparation, "Distance of class centres from the origin")
	flag.Uint64Var(&seed, "seed", cfg.Spec.Seed, "Random seed")

	flag.Parse()
	cfg.Spec.Seed = seed
	return cfg
}

func runSimulation(ctx context.Context, cfg Config, tuning *config.Config) (*SimulationResult, error) {
	start := time.Now()
	log.Printf("Generating %d examples, %d classes, %d annotators (seed %d)",
		cfg.Spec.NumExamples, cfg.Spec.NumClasses, cfg.Spec.NumAnnotators, cfg.Spec.Seed)

	ds, err := simulate.GenerateDataset(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("generate dataset: %w", err)
	}

	mv, err := multiannotator.MajorityVote(ds.Annotations, multiannotator.VoteOptions{NumClasses: cfg.Spec.NumClasses})
	if err != nil {
		return nil, fmt.Errorf("majority vote: %w", err)
	}

	trainer := &simulate.CentroidTrainer{
		Features:    ds.Features,
		Folds:       tuning.GetCVFolds(),
		Temperature: tuning.GetTemperature(),
	}
	refiner := refine.NewRefiner(trainer, tuning.RefineConfig(cfg.Spec.NumClasses))
	rounds, err := refiner.Run(ctx, ds.Annotations, tuning.StopCondition())
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}

	result := &SimulationResult{
		Spec:                 cfg.Spec,
		MajorityVoteAccuracy: simulate.Accuracy(mv, ds.TrueLabels),
		NoisyAnnotators:      ds.NoisyAnnotators,
	}
	var final *multiannotator.Result
	for _, r := range rounds {
		s := RoundSummary{
			Index:             r.Index,
			ID:                r.ID,
			State:             string(r.State),
			LabelsChanged:     r.LabelsChanged,
			ConsensusAccuracy: simulate.Accuracy(r.Labels, ds.TrueLabels),
			ElapsedMs:         float64(r.Elapsed.Microseconds()) / 1000,
		}
		if r.Result != nil {
			s.MeanQuality = meanQuality(r.Result)
			final = r.Result
		}
		result.Rounds = append(result.Rounds, s)
	}
	if final == nil {
		return nil, fmt.Errorf("no refining round ran; raise max_rounds")
	}

	result.ConsensusAccuracy = simulate.Accuracy(final.ConsensusLabels(), ds.TrueLabels)
	result.Annotators = final.AnnotatorsByQuality()
	result.Warnings = final.Warnings
	for _, i := range final.WorstExamples(cfg.ShowWorst) {
		e := final.Examples[i]
		result.WorstExamples = append(result.WorstExamples, WorstExample{
			Index:          i,
			ConsensusLabel: e.ConsensusLabel,
			TrueLabel:      ds.TrueLabels[i],
			QualityScore:   e.QualityScore,
			NumAnnotations: e.NumAnnotations,
		})
	}

	// Score the final round's predictions with the built-in issue scorers.
	lastLabels := rounds[len(rounds)-1].Labels
	probs, err := trainer.PredictProba(ctx, lastLabels, cfg.Spec.NumClasses)
	if err != nil {
		return nil, fmt.Errorf("final predictions: %w", err)
	}
	reg := issues.DefaultRegistry(tuning)
	result.Issues, err = reg.Run(ctx, &issues.Dataset{Annotations: ds.Annotations, PredProbs: probs},
		issues.NameConsensus, issues.NameAnnotator)
	if err != nil {
		return nil, fmt.Errorf("issues: %w", err)
	}

	result.DurationSecs = time.Since(start).Seconds()
	return result, nil
}

func meanQuality(r *multiannotator.Result) float64 {
	if len(r.Examples) == 0 {
		return 0
	}
	var sum float64
	for _, e := range r.Examples {
		sum += e.QualityScore
	}
	return sum / float64(len(r.Examples))
}

func printResults(result *SimulationResult, verbose bool) {
	fmt.Println("\n=== Consensus Simulation Results ===")
	fmt.Printf("Examples: %d  Classes: %d  Annotators: %d (noisy: %d)\n",
		result.Spec.NumExamples, result.Spec.NumClasses, result.Spec.NumAnnotators, result.Spec.NoisyAnnotators)
	fmt.Printf("Processing Time: %.2fs\n", result.DurationSecs)
	fmt.Printf("Majority Vote Accuracy: %.2f%%\n", result.MajorityVoteAccuracy*100)
	fmt.Printf("Consensus Accuracy: %.2f%%\n", result.ConsensusAccuracy*100)

	fmt.Println("\n--- Rounds ---")
	for _, r := range result.Rounds {
		fmt.Printf("  %d %-9s accuracy=%.2f%% changed=%d mean_quality=%.3f (%.1fms)\n",
			r.Index, r.State, r.ConsensusAccuracy*100, r.LabelsChanged, r.MeanQuality, r.ElapsedMs)
	}

	noisy := make(map[string]bool, len(result.NoisyAnnotators))
	for _, id := range result.NoisyAnnotators {
		noisy[id] = true
	}
	fmt.Println("\n--- Annotators (worst first) ---")
	shown := result.Annotators
	if !verbose && len(shown) > 10 {
		shown = shown[:10]
	}
	for _, a := range shown {
		mark := ""
		if noisy[a.ID] {
			mark = " [noisy]"
		}
		fmt.Printf("  %s quality=%.3f agreement=%.2f labelled=%d worst_class=%d%s\n",
			a.ID, a.QualityScore, a.AgreementWithConsensus, a.NumExamplesLabeled, a.WorstClass, mark)
	}

	fmt.Println("\n--- Lowest Quality Consensus Labels ---")
	for _, e := range result.WorstExamples {
		fmt.Printf("  #%d consensus=%d truth=%d quality=%.3f annotations=%d\n",
			e.Index, e.ConsensusLabel, e.TrueLabel, e.QualityScore, e.NumAnnotations)
	}

	if len(result.Issues) > 0 {
		fmt.Println("\n--- Issues ---")
		for _, rep := range result.Issues {
			fmt.Printf("  %s: %d of %d flagged, mean score %.3f\n",
				rep.Name, rep.Summary.NumIssues, rep.Summary.NumRows, rep.Summary.MeanScore)
		}
	}
	for _, w := range result.Warnings {
		fmt.Printf("WARNING: %s\n", w.Message)
	}
}

func exportJSON(fsys fsutil.FileSystem, result *SimulationResult, path string) error {
	f, err := fsys.Create(path)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
