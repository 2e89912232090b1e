package issues

import (
	"context"
	"errors"

	"github.com/banshee-data/crowdlab/internal/config"
	"github.com/banshee-data/crowdlab/internal/multiannotator"
)

// Built-in scorer names.
const (
	NameConsensus      = "consensus"
	NameAnnotator      = "annotator"
	NameActiveLearning = "active_learning"
)

// DefaultRegistry returns a registry holding the built-in scorers, configured
// from cfg.
func DefaultRegistry(cfg *config.Config) *Registry {
	opts := cfg.Options()
	threshold := cfg.GetIssueThreshold()

	reg := NewRegistry()
	reg.Register(NameConsensus, func() Scorer {
		return &consensusScorer{opts: opts, threshold: threshold}
	})
	reg.Register(NameAnnotator, func() Scorer {
		return &annotatorScorer{opts: opts, threshold: threshold}
	})
	reg.Register(NameActiveLearning, func() Scorer {
		return &activeLearningScorer{opts: opts, threshold: threshold}
	})
	return reg
}

// consensusScorer flags examples whose consensus label is doubtful.
type consensusScorer struct {
	opts      multiannotator.Options
	threshold float64
}

func (s *consensusScorer) Name() string { return NameConsensus }

func (s *consensusScorer) Score(ctx context.Context, ds *Dataset) (*Report, error) {
	res, err := multiannotator.Compute(ds.Annotations, ds.PredProbs, s.opts)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(res.Examples))
	for i, e := range res.Examples {
		rows[i] = Row{Index: i, Score: e.QualityScore}
		if ds.Annotations.ExampleIDs != nil {
			rows[i].ID = ds.Annotations.ExampleIDs[i]
		}
	}
	return newReport(NameConsensus, rows, s.threshold), nil
}

// annotatorScorer flags unreliable annotators.
type annotatorScorer struct {
	opts      multiannotator.Options
	threshold float64
}

func (s *annotatorScorer) Name() string { return NameAnnotator }

func (s *annotatorScorer) Score(ctx context.Context, ds *Dataset) (*Report, error) {
	res, err := multiannotator.Compute(ds.Annotations, ds.PredProbs, s.opts)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(res.Annotators))
	for i, a := range res.Annotators {
		rows[i] = Row{Index: a.Column, ID: a.ID, Score: a.QualityScore}
	}
	return newReport(NameAnnotator, rows, s.threshold), nil
}

// activeLearningScorer ranks labelled then unlabelled examples for
// relabelling. Unlabelled rows continue the index after the labelled ones.
type activeLearningScorer struct {
	opts      multiannotator.Options
	threshold float64
}

func (s *activeLearningScorer) Name() string { return NameActiveLearning }

func (s *activeLearningScorer) Score(ctx context.Context, ds *Dataset) (*Report, error) {
	if ds.Annotations == nil {
		return nil, errors.New("active learning needs annotations")
	}
	labeled, unlabeled, err := multiannotator.ActiveLearningScores(ds.Annotations, ds.PredProbs, ds.Unlabeled, s.opts)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(labeled)+len(unlabeled))
	for i, v := range labeled {
		rows = append(rows, Row{Index: i, Score: v})
	}
	for i, v := range unlabeled {
		rows = append(rows, Row{Index: len(labeled) + i, Score: v})
	}
	return newReport(NameActiveLearning, rows, s.threshold), nil
}
