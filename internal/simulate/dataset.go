// Package simulate generates synthetic multi-annotator datasets with known
// ground truth and provides a small cross-validated classifier, so the
// consensus engine and the refinement loop can be exercised end to end.
package simulate

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/crowdlab/internal/multiannotator"
)

// Spec describes a synthetic dataset.
type Spec struct {
	NumExamples   int
	NumClasses    int
	NumAnnotators int

	// AnnotationsPerExample, when positive, gives every example exactly this
	// many distinct annotators. Otherwise each annotator labels each example
	// with probability CoverageRate.
	AnnotationsPerExample int
	CoverageRate          float64

	// CleanAccuracy and NoisyAccuracy are the diagonals of the noise
	// matrices. The last NoisyAnnotators annotators use NoisyAccuracy.
	CleanAccuracy   float64
	NoisyAccuracy   float64
	NoisyAnnotators int

	// Features are drawn around one centre per class placed
	// ClassSeparation apart on the axes, with unit variance.
	FeatureDim      int
	ClassSeparation float64

	Seed uint64
}

// DefaultSpec mirrors the three-class, fifty-annotator benchmark.
func DefaultSpec() Spec {
	return Spec{
		NumExamples:     300,
		NumClasses:      3,
		NumAnnotators:   50,
		CoverageRate:    0.1,
		CleanAccuracy:   0.8,
		NoisyAccuracy:   0.35,
		NoisyAnnotators: 5,
		FeatureDim:      3,
		ClassSeparation: 2.75,
		Seed:            1,
	}
}

// Dataset is a generated dataset with its ground truth.
type Dataset struct {
	TrueLabels  []int
	Features    [][]float64
	Annotations *multiannotator.AnnotationMatrix
	// NoisyAnnotators lists the annotator IDs drawn from the noisy matrix.
	NoisyAnnotators []string
}

// Validate checks that the spec can be generated.
func (s Spec) Validate() error {
	switch {
	case s.NumExamples <= 0:
		return errors.New("num examples must be positive")
	case s.NumClasses < 2:
		return fmt.Errorf("need at least 2 classes, got %d", s.NumClasses)
	case s.NumAnnotators <= 0:
		return errors.New("num annotators must be positive")
	case s.AnnotationsPerExample > s.NumAnnotators:
		return fmt.Errorf("annotations per example %d exceeds %d annotators", s.AnnotationsPerExample, s.NumAnnotators)
	case s.AnnotationsPerExample <= 0 && (s.CoverageRate <= 0 || s.CoverageRate > 1):
		return fmt.Errorf("coverage rate must be in (0, 1], got %f", s.CoverageRate)
	case s.NoisyAnnotators < 0 || s.NoisyAnnotators > s.NumAnnotators:
		return fmt.Errorf("noisy annotators %d out of range", s.NoisyAnnotators)
	}
	for _, acc := range []float64{s.CleanAccuracy, s.NoisyAccuracy} {
		if acc < 0 || acc > 1 {
			return fmt.Errorf("accuracy must be in [0, 1], got %f", acc)
		}
	}
	return nil
}

// NoiseMatrix returns the K x K column-stochastic matrix whose entry (i, j) is
// the probability of labelling class i when the truth is j. The diagonal is
// diag and the remaining mass is spread evenly. Its trace is K * diag.
func NoiseMatrix(k int, diag float64) *mat.Dense {
	off := (1 - diag) / float64(k-1)
	m := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			if i == j {
				m.Set(i, j, diag)
			} else {
				m.Set(i, j, off)
			}
		}
	}
	return m
}

// labeller draws noisy labels given the true class.
type labeller []distuv.Categorical

func newLabeller(noise *mat.Dense, src rand.Source) labeller {
	k, _ := noise.Dims()
	out := make(labeller, k)
	for truth := 0; truth < k; truth++ {
		col := mat.Col(nil, truth, noise)
		out[truth] = distuv.NewCategorical(col, src)
	}
	return out
}

func (l labeller) label(truth int) int {
	return int(l[truth].Rand())
}

// GenerateDataset draws a dataset from s. The same spec always produces the
// same dataset. Every example gets at least one annotation and every
// annotator at least one label.
func GenerateDataset(s Spec) (*Dataset, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.FeatureDim < s.NumClasses {
		s.FeatureDim = s.NumClasses
	}
	src := rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15)
	rng := rand.New(src)

	ds := &Dataset{
		TrueLabels: make([]int, s.NumExamples),
		Features:   make([][]float64, s.NumExamples),
	}
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	for i := range ds.TrueLabels {
		c := rng.IntN(s.NumClasses)
		ds.TrueLabels[i] = c
		x := make([]float64, s.FeatureDim)
		for d := range x {
			x[d] = noise.Rand()
		}
		x[c%s.FeatureDim] += s.ClassSeparation
		ds.Features[i] = x
	}

	ids := make([]string, s.NumAnnotators)
	for j := range ids {
		ids[j] = fmt.Sprintf("annotator_%02d", j)
	}
	firstNoisy := s.NumAnnotators - s.NoisyAnnotators
	ds.NoisyAnnotators = append([]string(nil), ids[firstNoisy:]...)

	clean := newLabeller(NoiseMatrix(s.NumClasses, s.CleanAccuracy), src)
	noisy := newLabeller(NoiseMatrix(s.NumClasses, s.NoisyAccuracy), src)
	draw := func(j, truth int) int {
		if j >= firstNoisy {
			return noisy.label(truth)
		}
		return clean.label(truth)
	}

	ann := multiannotator.NewAnnotationMatrix(s.NumExamples, ids)
	perExample := make([]int, s.NumExamples)
	perAnnotator := make([]int, s.NumAnnotators)
	assign := func(i, j int) {
		ann.Set(i, j, draw(j, ds.TrueLabels[i]))
		perExample[i]++
		perAnnotator[j]++
	}

	for i := 0; i < s.NumExamples; i++ {
		if s.AnnotationsPerExample > 0 {
			for _, j := range rng.Perm(s.NumAnnotators)[:s.AnnotationsPerExample] {
				assign(i, j)
			}
			continue
		}
		for j := 0; j < s.NumAnnotators; j++ {
			if rng.Float64() < s.CoverageRate {
				assign(i, j)
			}
		}
		if perExample[i] == 0 {
			assign(i, rng.IntN(s.NumAnnotators))
		}
	}
	for j, n := range perAnnotator {
		if n > 0 {
			continue
		}
		for tries := 0; tries < s.NumExamples; tries++ {
			i := rng.IntN(s.NumExamples)
			if _, ok := ann.Label(i, j); !ok {
				assign(i, j)
				break
			}
		}
	}

	ds.Annotations = ann
	return ds, nil
}

// OracleProbs returns probabilities that rank the true class first for a
// fraction accuracy of the examples and a uniformly chosen wrong class
// otherwise. The top class gets probability confidence. It panics when k is
// below two.
func OracleProbs(truth []int, k int, accuracy, confidence float64, seed uint64) *multiannotator.PredProbs {
	if k < 2 {
		panic(fmt.Sprintf("simulate: oracle probabilities need at least two classes, got %d", k))
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	rest := (1 - confidence) / float64(k-1)
	rows := make([][]float64, len(truth))
	for i, t := range truth {
		top := t
		if rng.Float64() >= accuracy {
			top = (t + 1 + rng.IntN(k-1)) % k
		}
		row := make([]float64, k)
		for c := range row {
			row[c] = rest
		}
		row[top] = confidence
		rows[i] = row
	}
	p, err := multiannotator.NewPredProbs(rows)
	if err != nil {
		panic(fmt.Sprintf("simulate: oracle probabilities: %v", err))
	}
	return p
}

// Accuracy is the fraction of positions where pred equals truth.
func Accuracy(pred, truth []int) float64 {
	if len(truth) == 0 {
		return 0
	}
	hits := 0
	for i := range truth {
		if pred[i] == truth[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(truth))
}
