package multiannotator

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ActiveLearningScores ranks examples for relabelling; lower scores should be
// relabelled first. Labelled examples score with their consensus quality.
// Examples in unlabeled (may be nil) have no annotations yet and score with
// the model's confidence, shrunk towards chance by the mean annotator weight.
func ActiveLearningScores(ann *AnnotationMatrix, probs, unlabeled *PredProbs, opts Options) (labeled, unlabeledScores []float64, err error) {
	res, err := Compute(ann, probs, opts)
	if err != nil {
		return nil, nil, err
	}
	labeled = res.QualityScores()
	if unlabeled == nil || unlabeled.NumExamples() == 0 {
		return labeled, nil, nil
	}

	k := res.NumClasses
	if unlabeled.NumClasses() != k {
		return nil, nil, fmt.Errorf("%w: unlabeled probabilities have %d classes, want %d",
			ErrInvalidInput, unlabeled.NumClasses(), k)
	}
	tol := opts.ProbTolerance
	if tol <= 0 {
		tol = DefaultProbTolerance
	}
	if err := validateProbs(unlabeled, tol); err != nil {
		return nil, nil, err
	}

	mw := res.Weights.ModelWeight
	aw := res.Weights.meanAnnotatorWeight(ann.AnnotatorCounts())
	unlabeledScores = make([]float64, unlabeled.NumExamples())
	for i := range unlabeledScores {
		top := floats.Max(unlabeled.Row(i))
		unlabeledScores[i] = clamp01((mw*top + aw/float64(k)) / (mw + aw))
	}
	return labeled, unlabeledScores, nil
}
