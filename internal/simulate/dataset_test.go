package simulate

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/crowdlab/internal/multiannotator"
)

func TestNoiseMatrix(t *testing.T) {
	tests := []struct {
		k    int
		diag float64
	}{
		{2, 0.8},
		{3, 0.35},
		{10, 0.9},
	}
	for _, tt := range tests {
		m := NoiseMatrix(tt.k, tt.diag)
		if got, want := mat.Trace(m), float64(tt.k)*tt.diag; math.Abs(got-want) > 1e-12 {
			t.Errorf("k=%d: expected trace %v, got %v", tt.k, want, got)
		}
		for j := 0; j < tt.k; j++ {
			if sum := mat.Sum(m.ColView(j)); math.Abs(sum-1) > 1e-12 {
				t.Errorf("k=%d: column %d sums to %v", tt.k, j, sum)
			}
		}
	}
}

func TestGenerateDataset_Deterministic(t *testing.T) {
	spec := DefaultSpec()
	spec.NumExamples = 120

	a, err := GenerateDataset(spec)
	if err != nil {
		t.Fatalf("GenerateDataset: %v", err)
	}
	b, err := GenerateDataset(spec)
	if err != nil {
		t.Fatalf("GenerateDataset: %v", err)
	}
	opt := cmp.AllowUnexported(multiannotator.AnnotationMatrix{})
	if diff := cmp.Diff(a, b, opt); diff != "" {
		t.Errorf("same spec produced different datasets:\n%s", diff)
	}

	spec.Seed++
	c, _ := GenerateDataset(spec)
	if cmp.Equal(a.TrueLabels, c.TrueLabels) {
		t.Error("expected a different seed to change the labels")
	}
}

func TestGenerateDataset_Coverage(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"default", DefaultSpec()},
		{"sparse", Spec{NumExamples: 50, NumClasses: 4, NumAnnotators: 30, CoverageRate: 0.01, CleanAccuracy: 0.9, Seed: 3}},
		{"fixed_per_example", Spec{NumExamples: 80, NumClasses: 3, NumAnnotators: 10, AnnotationsPerExample: 4, CleanAccuracy: 0.7, Seed: 5}},
		{"more_annotators_than_examples", Spec{NumExamples: 1, NumClasses: 2, NumAnnotators: 6, CoverageRate: 0.2, CleanAccuracy: 0.8, Seed: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := GenerateDataset(tt.spec)
			if err != nil {
				t.Fatalf("GenerateDataset: %v", err)
			}
			ann := ds.Annotations
			for i, n := range ann.NumAnnotations() {
				if n == 0 {
					t.Errorf("example %d has no annotations", i)
				}
				if tt.spec.AnnotationsPerExample > 0 && n != tt.spec.AnnotationsPerExample {
					t.Errorf("example %d has %d annotations, want %d", i, n, tt.spec.AnnotationsPerExample)
				}
			}
			for j, n := range ann.AnnotatorCounts() {
				if n == 0 && tt.spec.AnnotationsPerExample == 0 {
					t.Errorf("annotator %d has no labels", j)
				}
			}
			for i := 0; i < ann.NumExamples(); i++ {
				for j := 0; j < ann.NumAnnotators(); j++ {
					if l, ok := ann.Label(i, j); ok && (l < 0 || l >= tt.spec.NumClasses) {
						t.Fatalf("label %d out of range", l)
					}
				}
			}
			if len(ds.Features) != tt.spec.NumExamples || len(ds.TrueLabels) != tt.spec.NumExamples {
				t.Errorf("expected %d rows of truth and features", tt.spec.NumExamples)
			}
		})
	}
}

func TestGenerateDataset_NoisyAnnotatorsAreWorse(t *testing.T) {
	spec := DefaultSpec()
	spec.CoverageRate = 0.5
	ds, err := GenerateDataset(spec)
	if err != nil {
		t.Fatalf("GenerateDataset: %v", err)
	}

	first := spec.NumAnnotators - spec.NoisyAnnotators
	if ds.NoisyAnnotators[0] != ds.Annotations.AnnotatorID(first) {
		t.Errorf("expected noisy annotators to start at column %d, got %s", first, ds.NoisyAnnotators[0])
	}

	var cleanHit, cleanN, noisyHit, noisyN float64
	for i, truth := range ds.TrueLabels {
		for j := 0; j < ds.Annotations.NumAnnotators(); j++ {
			l, ok := ds.Annotations.Label(i, j)
			if !ok {
				continue
			}
			hit := 0.0
			if l == truth {
				hit = 1
			}
			if j >= first {
				noisyHit += hit
				noisyN++
			} else {
				cleanHit += hit
				cleanN++
			}
		}
	}
	clean, noisy := cleanHit/cleanN, noisyHit/noisyN
	if math.Abs(clean-spec.CleanAccuracy) > 0.05 {
		t.Errorf("clean accuracy %v far from %v", clean, spec.CleanAccuracy)
	}
	if math.Abs(noisy-spec.NoisyAccuracy) > 0.08 {
		t.Errorf("noisy accuracy %v far from %v", noisy, spec.NoisyAccuracy)
	}
}

func TestSpecValidate(t *testing.T) {
	base := DefaultSpec()
	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"no_examples", func(s *Spec) { s.NumExamples = 0 }},
		{"one_class", func(s *Spec) { s.NumClasses = 1 }},
		{"no_annotators", func(s *Spec) { s.NumAnnotators = 0 }},
		{"too_many_per_example", func(s *Spec) { s.AnnotationsPerExample = 51 }},
		{"zero_coverage", func(s *Spec) { s.CoverageRate = 0 }},
		{"too_many_noisy", func(s *Spec) { s.NoisyAnnotators = 51 }},
		{"accuracy_above_one", func(s *Spec) { s.CleanAccuracy = 1.5 }},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("default spec should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected error, got nil")
			}
			if _, err := GenerateDataset(s); err == nil {
				t.Error("expected GenerateDataset to reject the spec")
			}
		})
	}
}

func TestOracleProbs(t *testing.T) {
	truth := make([]int, 2000)
	for i := range truth {
		truth[i] = i % 4
	}
	p := OracleProbs(truth, 4, 0.75, 0.7, 1)
	if p.NumExamples() != len(truth) || p.NumClasses() != 4 {
		t.Fatalf("unexpected shape %dx%d", p.NumExamples(), p.NumClasses())
	}
	acc := Accuracy(p.Argmax(), truth)
	if math.Abs(acc-0.75) > 0.04 {
		t.Errorf("expected accuracy near 0.75, got %v", acc)
	}
	row := p.Row(0)
	var sum float64
	for _, v := range row {
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("row sums to %v", sum)
	}
}

func TestOracleProbs_SingleClassPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic for a single class")
		}
	}()
	OracleProbs([]int{0, 0}, 1, 0.5, 0.9, 1)
}

func TestAccuracy(t *testing.T) {
	if got := Accuracy([]int{0, 1, 2, 2}, []int{0, 1, 1, 2}); got != 0.75 {
		t.Errorf("expected 0.75, got %v", got)
	}
	if got := Accuracy(nil, nil); got != 0 {
		t.Errorf("expected 0 for empty input, got %v", got)
	}
}
