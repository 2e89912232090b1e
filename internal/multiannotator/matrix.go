// Package multiannotator estimates consensus labels and label quality for
// classification datasets labelled by several, partially overlapping
// annotators. It combines the annotators' votes with a classifier's
// out-of-sample predicted probabilities and scores every consensus label,
// every individual annotator label and every annotator.
//
// All entry points are stateless: inputs are read-only and every result is
// freshly allocated, so a refinement loop can call them repeatedly.
package multiannotator

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Missing marks an (example, annotator) cell that carries no label.
const Missing = -1

// AnnotationMatrix holds per-annotator class labels for N examples and M
// annotators. Cells without a label hold Missing.
type AnnotationMatrix struct {
	labels       [][]int
	annotatorIDs []string
	// ExampleIDs optionally names each row. When both the annotations and the
	// predicted probabilities carry IDs they must match row for row.
	ExampleIDs []string
}

// Annotation is one label in long (sparse) format.
type Annotation struct {
	Example   string
	Annotator string
	Label     int
}

// NewAnnotationMatrix returns an empty matrix for numExamples rows and the
// given annotators. Every cell starts as Missing.
func NewAnnotationMatrix(numExamples int, annotatorIDs []string) *AnnotationMatrix {
	ids := make([]string, len(annotatorIDs))
	copy(ids, annotatorIDs)
	labels := make([][]int, numExamples)
	for i := range labels {
		row := make([]int, len(ids))
		for j := range row {
			row[j] = Missing
		}
		labels[i] = row
	}
	return &AnnotationMatrix{labels: labels, annotatorIDs: ids}
}

// FromDense builds a matrix from rows of labels. Rows must all have one
// column per annotator. When annotatorIDs is nil the annotators are named
// "annotator_<j>". The input is copied.
func FromDense(rows [][]int, annotatorIDs []string) (*AnnotationMatrix, error) {
	width := 0
	if len(rows) > 0 {
		width = len(rows[0])
	}
	if annotatorIDs == nil {
		annotatorIDs = make([]string, width)
		for j := range annotatorIDs {
			annotatorIDs[j] = fmt.Sprintf("annotator_%d", j)
		}
	}
	if len(rows) > 0 && len(annotatorIDs) != width {
		return nil, fmt.Errorf("%w: %d annotator ids for %d label columns", ErrInvalidInput, len(annotatorIDs), width)
	}

	m := NewAnnotationMatrix(len(rows), annotatorIDs)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidInput, i, len(row), width)
		}
		copy(m.labels[i], row)
	}
	return m, nil
}

// FromRecords converts long-format annotations into a matrix. Examples and
// annotators are ordered by first appearance. A repeated (example, annotator)
// pair is an input error.
func FromRecords(records []Annotation) (*AnnotationMatrix, error) {
	exampleIdx := make(map[string]int)
	annotatorIdx := make(map[string]int)
	var examples, annotators []string
	for _, r := range records {
		if _, ok := exampleIdx[r.Example]; !ok {
			exampleIdx[r.Example] = len(examples)
			examples = append(examples, r.Example)
		}
		if _, ok := annotatorIdx[r.Annotator]; !ok {
			annotatorIdx[r.Annotator] = len(annotators)
			annotators = append(annotators, r.Annotator)
		}
	}

	m := NewAnnotationMatrix(len(examples), annotators)
	m.ExampleIDs = examples
	for _, r := range records {
		i, j := exampleIdx[r.Example], annotatorIdx[r.Annotator]
		if m.labels[i][j] != Missing {
			return nil, fmt.Errorf("%w: duplicate label for example %q by annotator %q", ErrInvalidInput, r.Example, r.Annotator)
		}
		if r.Label < 0 {
			return nil, fmt.Errorf("%w: negative label %d for example %q", ErrInvalidInput, r.Label, r.Example)
		}
		m.labels[i][j] = r.Label
	}
	return m, nil
}

// Set stores a label. Use Missing to clear a cell.
func (m *AnnotationMatrix) Set(example, annotator, label int) {
	m.labels[example][annotator] = label
}

// Label returns the label at (example, annotator) and whether one was given.
func (m *AnnotationMatrix) Label(example, annotator int) (int, bool) {
	l := m.labels[example][annotator]
	return l, l != Missing
}

// NumExamples is the number of rows.
func (m *AnnotationMatrix) NumExamples() int { return len(m.labels) }

// NumAnnotators is the number of columns.
func (m *AnnotationMatrix) NumAnnotators() int { return len(m.annotatorIDs) }

// AnnotatorIDs returns a copy of the annotator identifiers.
func (m *AnnotationMatrix) AnnotatorIDs() []string {
	out := make([]string, len(m.annotatorIDs))
	copy(out, m.annotatorIDs)
	return out
}

// AnnotatorID returns the identifier of column j.
func (m *AnnotationMatrix) AnnotatorID(j int) string { return m.annotatorIDs[j] }

// Clone returns a deep copy.
func (m *AnnotationMatrix) Clone() *AnnotationMatrix {
	c := NewAnnotationMatrix(len(m.labels), m.annotatorIDs)
	for i, row := range m.labels {
		copy(c.labels[i], row)
	}
	if m.ExampleIDs != nil {
		c.ExampleIDs = append([]string(nil), m.ExampleIDs...)
	}
	return c
}

// NumAnnotations counts the labels given for each example.
func (m *AnnotationMatrix) NumAnnotations() []int {
	out := make([]int, len(m.labels))
	for i, row := range m.labels {
		for _, l := range row {
			if l != Missing {
				out[i]++
			}
		}
	}
	return out
}

// AnnotatorCounts counts the examples labelled by each annotator.
func (m *AnnotationMatrix) AnnotatorCounts() []int {
	out := make([]int, len(m.annotatorIDs))
	for _, row := range m.labels {
		for j, l := range row {
			if l != Missing {
				out[j]++
			}
		}
	}
	return out
}

// maxLabel returns the largest label present, or Missing for an empty matrix.
func (m *AnnotationMatrix) maxLabel() int {
	maxL := Missing
	for _, row := range m.labels {
		for _, l := range row {
			if l > maxL {
				maxL = l
			}
		}
	}
	return maxL
}

// InferNumClasses returns the largest label plus one, and at least 2.
func (m *AnnotationMatrix) InferNumClasses() int {
	return max(2, m.maxLabel()+1)
}

// row returns the labels of example i. Callers must not modify it.
func (m *AnnotationMatrix) row(i int) []int { return m.labels[i] }

// PredProbs holds a classifier's out-of-sample class probabilities, one row
// of length K per example.
type PredProbs struct {
	rows [][]float64
	// ExampleIDs optionally names each row; see AnnotationMatrix.ExampleIDs.
	ExampleIDs []string
}

// NewPredProbs copies rows into a PredProbs. All rows must have equal width.
func NewPredProbs(rows [][]float64) (*PredProbs, error) {
	p := &PredProbs{rows: make([][]float64, len(rows))}
	for i, r := range rows {
		if len(r) != len(rows[0]) {
			return nil, fmt.Errorf("%w: probability row %d has width %d, want %d", ErrInvalidInput, i, len(r), len(rows[0]))
		}
		p.rows[i] = append([]float64(nil), r...)
	}
	return p, nil
}

// NumExamples is the number of rows.
func (p *PredProbs) NumExamples() int { return len(p.rows) }

// NumClasses is the row width K.
func (p *PredProbs) NumClasses() int {
	if len(p.rows) == 0 {
		return 0
	}
	return len(p.rows[0])
}

// Row returns the probability vector of example i. Callers must not modify it.
func (p *PredProbs) Row(i int) []float64 { return p.rows[i] }

// Argmax returns the most probable class per example; ties resolve to the
// lowest class index.
func (p *PredProbs) Argmax() []int {
	out := make([]int, len(p.rows))
	for i, r := range p.rows {
		out[i] = argmax(r)
	}
	return out
}

func argmax(xs []float64) int {
	return floats.MaxIdx(xs)
}

// sortedIndices returns 0..n-1 ordered by key ascending, ties by index.
func sortedIndices(n int, key func(int) float64) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return key(idx[a]) < key(idx[b])
	})
	return idx
}
