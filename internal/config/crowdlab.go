// Package config loads the crowdlab tuning file. Every field is optional;
// the Get* accessors supply defaults for fields the file leaves out.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/crowdlab/internal/fsutil"
	"github.com/banshee-data/crowdlab/internal/multiannotator"
	"github.com/banshee-data/crowdlab/internal/refine"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/crowdlab.defaults.json"

// Config holds consensus, scoring and refinement parameters.
type Config struct {
	// Consensus and scoring
	ConsensusMethod *string  `json:"consensus_method,omitempty"` // "best_quality" or "majority_vote"
	QualityMethod   *string  `json:"quality_method,omitempty"`   // "crowdlab" or "agreement"
	Workers         *int     `json:"workers,omitempty"`
	ClipLowerBound  *float64 `json:"clip_lower_bound,omitempty"`
	ProbTolerance   *float64 `json:"prob_tolerance,omitempty"`
	IssueThreshold  *float64 `json:"issue_threshold,omitempty"`

	// Refinement loop
	MaxRounds          *int  `json:"max_rounds,omitempty"`
	ConvergeMaxChanged *int  `json:"converge_max_changed,omitempty"`
	UsePriorQuality    *bool `json:"use_prior_quality,omitempty"`

	// Simulation classifier
	CVFolds     *int     `json:"cv_folds,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig reads a Config from a .json file of at most 1MB and validates it.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadConfigFS is LoadConfig on an arbitrary filesystem.
func LoadConfigFS(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// one of its parents. Panics if the file cannot be loaded, intended for test
// setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.ConsensusMethod != nil {
		switch multiannotator.ConsensusMethod(*c.ConsensusMethod) {
		case multiannotator.ConsensusBestQuality, multiannotator.ConsensusMajorityVote:
		default:
			return fmt.Errorf("unknown consensus_method %q", *c.ConsensusMethod)
		}
	}
	if c.QualityMethod != nil {
		switch multiannotator.QualityMethod(*c.QualityMethod) {
		case multiannotator.QualityCrowdlab, multiannotator.QualityAgreement:
		default:
			return fmt.Errorf("unknown quality_method %q", *c.QualityMethod)
		}
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.ClipLowerBound != nil && (*c.ClipLowerBound <= 0 || *c.ClipLowerBound >= 1) {
		return fmt.Errorf("clip_lower_bound must be in (0, 1), got %g", *c.ClipLowerBound)
	}
	if c.ProbTolerance != nil && *c.ProbTolerance <= 0 {
		return fmt.Errorf("prob_tolerance must be positive, got %g", *c.ProbTolerance)
	}
	if c.IssueThreshold != nil && (*c.IssueThreshold < 0 || *c.IssueThreshold > 1) {
		return fmt.Errorf("issue_threshold must be between 0 and 1, got %f", *c.IssueThreshold)
	}
	if c.MaxRounds != nil && *c.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must be non-negative, got %d", *c.MaxRounds)
	}
	if c.ConvergeMaxChanged != nil && *c.ConvergeMaxChanged < 0 {
		return fmt.Errorf("converge_max_changed must be non-negative, got %d", *c.ConvergeMaxChanged)
	}
	if c.CVFolds != nil && *c.CVFolds < 2 {
		return fmt.Errorf("cv_folds must be at least 2, got %d", *c.CVFolds)
	}
	if c.Temperature != nil && *c.Temperature <= 0 {
		return fmt.Errorf("temperature must be positive, got %g", *c.Temperature)
	}
	return nil
}

// GetConsensusMethod returns the consensus_method value or the default.
func (c *Config) GetConsensusMethod() multiannotator.ConsensusMethod {
	if c.ConsensusMethod == nil {
		return multiannotator.ConsensusBestQuality
	}
	return multiannotator.ConsensusMethod(*c.ConsensusMethod)
}

// GetQualityMethod returns the quality_method value or the default.
func (c *Config) GetQualityMethod() multiannotator.QualityMethod {
	if c.QualityMethod == nil {
		return multiannotator.QualityCrowdlab
	}
	return multiannotator.QualityMethod(*c.QualityMethod)
}

// GetWorkers returns the workers value or 0 (GOMAXPROCS).
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetClipLowerBound returns the clip_lower_bound value or the default.
func (c *Config) GetClipLowerBound() float64 {
	if c.ClipLowerBound == nil {
		return multiannotator.DefaultClipLowerBound
	}
	return *c.ClipLowerBound
}

// GetProbTolerance returns the prob_tolerance value or the default.
func (c *Config) GetProbTolerance() float64 {
	if c.ProbTolerance == nil {
		return multiannotator.DefaultProbTolerance
	}
	return *c.ProbTolerance
}

// GetIssueThreshold returns the issue_threshold value or the default.
func (c *Config) GetIssueThreshold() float64 {
	if c.IssueThreshold == nil {
		return 0.5
	}
	return *c.IssueThreshold
}

// GetMaxRounds returns the max_rounds value or the default.
func (c *Config) GetMaxRounds() int {
	if c.MaxRounds == nil {
		return 3
	}
	return *c.MaxRounds
}

// GetConvergeMaxChanged returns the converge_max_changed value or the default.
func (c *Config) GetConvergeMaxChanged() int {
	if c.ConvergeMaxChanged == nil {
		return 0
	}
	return *c.ConvergeMaxChanged
}

// GetUsePriorQuality returns the use_prior_quality value or the default.
func (c *Config) GetUsePriorQuality() bool {
	if c.UsePriorQuality == nil {
		return false
	}
	return *c.UsePriorQuality
}

// GetCVFolds returns the cv_folds value or the default.
func (c *Config) GetCVFolds() int {
	if c.CVFolds == nil {
		return 5
	}
	return *c.CVFolds
}

// GetTemperature returns the temperature value or the default.
func (c *Config) GetTemperature() float64 {
	if c.Temperature == nil {
		return 2.0
	}
	return *c.Temperature
}

// Options converts the scoring fields to multiannotator.Options.
func (c *Config) Options() multiannotator.Options {
	return multiannotator.Options{
		ConsensusMethod: c.GetConsensusMethod(),
		QualityMethod:   c.GetQualityMethod(),
		Workers:         c.GetWorkers(),
		ClipLowerBound:  c.GetClipLowerBound(),
		ProbTolerance:   c.GetProbTolerance(),
	}
}

// RefineConfig converts the loop fields to a refine.Config.
func (c *Config) RefineConfig(numClasses int) refine.Config {
	return refine.Config{
		NumClasses:      numClasses,
		Options:         c.Options(),
		UsePriorQuality: c.GetUsePriorQuality(),
	}
}

// StopCondition ends the loop after max_rounds refining rounds or once a
// round changes at most converge_max_changed labels.
func (c *Config) StopCondition() refine.StopFunc {
	return refine.AnyOf(
		refine.MaxRounds(c.GetMaxRounds()),
		refine.UntilConverged(c.GetConvergeMaxChanged()),
	)
}
