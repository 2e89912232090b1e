package multiannotator

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// noScore marks cells of DetailedQuality without a label.
const noScore = -1

// DetailedQuality holds one quality score per (example, annotator) label:
// the posterior probability of the class the annotator chose. When the
// annotator agrees with the consensus this is the consensus confidence;
// otherwise it measures how plausible the alternative is.
type DetailedQuality struct {
	scores [][]float64
}

// Get returns the score of annotator j's label on example i and whether the
// annotator labelled that example.
func (d *DetailedQuality) Get(i, j int) (float64, bool) {
	s := d.scores[i][j]
	return s, s != noScore
}

// NumExamples is the number of rows.
func (d *DetailedQuality) NumExamples() int { return len(d.scores) }

func detailedQuality(ann *AnnotationMatrix, post *PredProbs, workers int) *DetailedQuality {
	scores := make([][]float64, ann.NumExamples())
	forEachRange(len(scores), workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			row := make([]float64, ann.NumAnnotators())
			p := post.Row(i)
			for j, l := range ann.row(i) {
				if l == Missing {
					row[j] = noScore
					continue
				}
				row[j] = clamp01(p[l])
			}
			scores[i] = row
		}
	})
	return &DetailedQuality{scores: scores}
}

// AnnotatorStats summarises one annotator.
type AnnotatorStats struct {
	ID     string `json:"annotator"`
	Column int    `json:"column"`
	// QualityScore is in [0, 1]; lower means less reliable.
	QualityScore       float64 `json:"quality_score"`
	NumExamplesLabeled int     `json:"num_examples_labeled"`
	// AgreementWithConsensus is the unweighted fraction of this annotator's
	// labels that equal the consensus.
	AgreementWithConsensus float64 `json:"agreement_with_consensus"`
	// WorstClass is the consensus class on which the annotator agrees least.
	WorstClass int `json:"worst_class"`
	// LowConfidence is set when the score rests on a single example.
	LowConfidence bool `json:"low_confidence"`
}

// AnnotatorsByQuality returns the annotators sorted by ascending quality.
// Ties keep column order.
func (r *Result) AnnotatorsByQuality() []AnnotatorStats {
	out := append([]AnnotatorStats(nil), r.Annotators...)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].QualityScore < out[b].QualityScore
	})
	return out
}

// Annotator looks up an annotator's stats by ID.
func (r *Result) Annotator(id string) (AnnotatorStats, bool) {
	for _, a := range r.Annotators {
		if a.ID == id {
			return a, true
		}
	}
	return AnnotatorStats{}, false
}

// annotatorStats scores every annotator with at least one label. Agreement
// and label quality are averaged with the consensus quality of each example
// as weight, so disagreeing with an uncertain consensus costs less.
// Agreement only uses multi-annotated examples when the annotator has any.
func annotatorStats(ann *AnnotationMatrix, res *Result, counts, numAnn []int, method QualityMethod) []AnnotatorStats {
	k := res.NumClasses
	meanNum := stat.Mean(intsToFloats(numAnn), nil)
	annotatorMass := res.Weights.meanAnnotatorWeight(counts) * meanNum
	share := annotatorMass / (annotatorMass + res.Weights.ModelWeight)

	out := make([]AnnotatorStats, 0, len(counts))
	for j, n := range counts {
		if n == 0 {
			continue
		}
		var (
			agreeMulti, weightMulti []float64
			agreeAll, weightAll     []float64
			lqs                     []float64
			agreed                  int
		)
		classN := make([]int, k)
		classAgree := make([]int, k)
		for i := 0; i < ann.NumExamples(); i++ {
			l, ok := ann.Label(i, j)
			if !ok {
				continue
			}
			e := res.Examples[i]
			hit := 0.0
			if l == e.ConsensusLabel {
				hit = 1
				agreed++
				classAgree[e.ConsensusLabel]++
			}
			classN[e.ConsensusLabel]++

			agreeAll = append(agreeAll, hit)
			weightAll = append(weightAll, e.QualityScore)
			if numAnn[i] >= 2 {
				agreeMulti = append(agreeMulti, hit)
				weightMulti = append(weightMulti, e.QualityScore)
			}
			s, _ := res.Detailed.Get(i, j)
			lqs = append(lqs, s)
		}

		agree := weightedMean(agreeAll, weightAll)
		if len(agreeMulti) > 0 {
			agree = weightedMean(agreeMulti, weightMulti)
		}
		quality := agree
		if method == QualityCrowdlab {
			quality = share*agree + (1-share)*weightedMean(lqs, weightAll)
		}

		out = append(out, AnnotatorStats{
			ID:                     ann.AnnotatorID(j),
			Column:                 j,
			QualityScore:           clamp01(quality),
			NumExamplesLabeled:     n,
			AgreementWithConsensus: float64(agreed) / float64(n),
			WorstClass:             worstClass(classN, classAgree),
			LowConfidence:          n == 1,
		})
	}
	return out
}

// weightedMean falls back to the plain mean when every weight is zero.
func weightedMean(xs, ws []float64) float64 {
	var total float64
	for _, w := range ws {
		total += w
	}
	if total == 0 {
		return stat.Mean(xs, nil)
	}
	return stat.Mean(xs, ws)
}

// worstClass picks the consensus class with the lowest agreement rate. Ties
// go to the class with more examples, then the lower index. Returns -1 when
// no class was seen.
func worstClass(classN, classAgree []int) int {
	worst := -1
	var worstRate float64
	for c, n := range classN {
		if n == 0 {
			continue
		}
		rate := float64(classAgree[c]) / float64(n)
		if worst == -1 || rate < worstRate || (rate == worstRate && n > classN[worst]) {
			worst, worstRate = c, rate
		}
	}
	return worst
}

func collectWarnings(ann *AnnotationMatrix, counts []int, k int) []Warning {
	var out []Warning
	for j, n := range counts {
		if n == 1 {
			out = append(out, Warning{
				Kind:      WarnDegenerateInput,
				Annotator: ann.AnnotatorID(j),
				Message:   fmt.Sprintf("annotator %q labelled a single example; its quality score is unreliable", ann.AnnotatorID(j)),
			})
		}
	}

	freq := classFrequency(ann, k)
	var missing []string
	for c, f := range freq {
		if f == 0 {
			missing = append(missing, fmt.Sprint(c))
		}
	}
	if len(missing) > 0 {
		out = append(out, Warning{
			Kind:    WarnMissingClasses,
			Message: fmt.Sprintf("classes never chosen by any annotator: %s", strings.Join(missing, ", ")),
		})
	}
	return out
}
