package multiannotator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultProbTolerance is how far a probability row may sum away from 1.
const DefaultProbTolerance = 1e-3

// validateAnnotations checks that every example has a label and every label is
// a class in [0, numClasses-1].
func validateAnnotations(ann *AnnotationMatrix, numClasses int) error {
	if ann == nil {
		return fmt.Errorf("%w: nil annotation matrix", ErrInvalidInput)
	}
	if ann.NumExamples() == 0 {
		return fmt.Errorf("%w: no examples", ErrInvalidInput)
	}
	if numClasses < 2 {
		return fmt.Errorf("%w: need at least 2 classes, got %d", ErrInvalidInput, numClasses)
	}
	for i := 0; i < ann.NumExamples(); i++ {
		n := 0
		for j, l := range ann.row(i) {
			if l == Missing {
				continue
			}
			if l < 0 || l >= numClasses {
				return fmt.Errorf("%w: example %d annotator %q label %d outside [0, %d]",
					ErrInvalidInput, i, ann.AnnotatorID(j), l, numClasses-1)
			}
			n++
		}
		if n == 0 {
			return fmt.Errorf("%w: example %d has no annotations", ErrInvalidInput, i)
		}
	}
	return nil
}

// validateAlignment checks that both inputs describe the same examples.
func validateAlignment(ann *AnnotationMatrix, probs *PredProbs) error {
	if ann.NumExamples() != probs.NumExamples() {
		return fmt.Errorf("%w: %d annotated examples vs %d probability rows",
			ErrAlignment, ann.NumExamples(), probs.NumExamples())
	}
	if ann.ExampleIDs == nil || probs.ExampleIDs == nil {
		return nil
	}
	if len(ann.ExampleIDs) != len(probs.ExampleIDs) {
		return fmt.Errorf("%w: %d annotation ids vs %d probability ids",
			ErrAlignment, len(ann.ExampleIDs), len(probs.ExampleIDs))
	}
	for i, id := range ann.ExampleIDs {
		if probs.ExampleIDs[i] != id {
			return fmt.Errorf("%w: row %d is %q in annotations but %q in probabilities",
				ErrAlignment, i, id, probs.ExampleIDs[i])
		}
	}
	return nil
}

// validateProbs checks that every row is a probability distribution.
func validateProbs(probs *PredProbs, tol float64) error {
	for i := 0; i < probs.NumExamples(); i++ {
		row := probs.Row(i)
		for k, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("%w: probability %v for example %d class %d", ErrInvalidInput, v, i, k)
			}
		}
		if sum := floats.Sum(row); math.Abs(sum-1) > tol {
			return fmt.Errorf("%w: probabilities for example %d sum to %.6f", ErrInvalidInput, i, sum)
		}
	}
	return nil
}

// validate runs every fatal check and returns the class count.
func validate(ann *AnnotationMatrix, probs *PredProbs, tol float64) (int, error) {
	if ann == nil || probs == nil {
		return 0, fmt.Errorf("%w: annotations and predicted probabilities are required", ErrInvalidInput)
	}
	if err := validateAlignment(ann, probs); err != nil {
		return 0, err
	}
	k := probs.NumClasses()
	if maxL := ann.maxLabel(); maxL >= k && k > 0 {
		return 0, fmt.Errorf("%w: labels imply at least %d classes but probabilities have %d",
			ErrInvalidInput, maxL+1, k)
	}
	if err := validateAnnotations(ann, k); err != nil {
		return 0, err
	}
	if err := validateProbs(probs, tol); err != nil {
		return 0, err
	}
	return k, nil
}
