package multiannotator

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Weights records how much the consensus trusts the model and each annotator
// in one pass. AnnotatorWeights is indexed by annotator column; annotators
// without labels get zero.
type Weights struct {
	ModelWeight      float64   `json:"model_weight"`
	AnnotatorWeights []float64 `json:"annotator_weights"`
	// AnnotatorAgreement is the average probability that an annotator's label
	// matches another annotator's label on the same example.
	AnnotatorAgreement float64 `json:"annotator_agreement"`
	// BaselineError is the error of always predicting the most common
	// consensus class; model and annotator errors are measured against it.
	BaselineError float64 `json:"baseline_error"`
	ModelError    float64 `json:"model_error"`
}

// meanAnnotatorWeight averages the weights of annotators that labelled
// something.
func (w Weights) meanAnnotatorWeight(counts []int) float64 {
	var sum float64
	var n int
	for j, c := range counts {
		if c == 0 {
			continue
		}
		sum += w.AnnotatorWeights[j]
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// estimateWeights derives model and annotator reliabilities from the
// bootstrap consensus. Statistics come from examples with at least two
// annotations; when there are none every example is used and agreement is
// measured against the model's most likely class instead, with a tied top
// class counting as a partial match.
func estimateWeights(ann *AnnotationMatrix, probs *PredProbs, k int, consensus, numAnn []int, prior []float64, clip float64) Weights {
	n, m := ann.NumExamples(), ann.NumAnnotators()

	subset := make([]int, 0, n)
	for i, c := range numAnn {
		if c >= 2 {
			subset = append(subset, i)
		}
	}
	multi := len(subset) > 0
	if !multi {
		for i := 0; i < n; i++ {
			subset = append(subset, i)
		}
	}

	// Per annotator agreement: with the other annotators on multi-annotated
	// examples, otherwise with the model.
	agreeSum := make([]float64, m)
	agreeN := make([]int, m)
	fallbackSum := make([]float64, m)
	fallbackN := make([]int, m)
	var exampleAgreement []float64
	var modelAgreeSum float64
	var modelAgreeN int

	counts := make([]int, k)
	for i := 0; i < n; i++ {
		row := ann.row(i)
		for c := range counts {
			counts[c] = 0
		}
		for _, l := range row {
			if l != Missing {
				counts[l]++
			}
		}

		var rowSum float64
		for j, l := range row {
			if l == Missing {
				continue
			}
			hit := topShare(probs.Row(i), l)
			fallbackSum[j] += hit
			fallbackN[j]++
			modelAgreeSum += hit
			modelAgreeN++

			if numAnn[i] >= 2 {
				a := float64(counts[l]-1) / float64(numAnn[i]-1)
				agreeSum[j] += a
				agreeN[j]++
				rowSum += a
			}
		}
		if numAnn[i] >= 2 {
			exampleAgreement = append(exampleAgreement, rowSum/float64(numAnn[i]))
		}
	}

	var agreement float64
	if multi {
		agreement = stat.Mean(exampleAgreement, nil)
	} else if modelAgreeN > 0 {
		agreement = modelAgreeSum / float64(modelAgreeN)
	}
	agreement = math.Min(1, math.Max(1/float64(k), agreement))

	classCounts := make([]float64, k)
	var modelMiss float64
	for _, i := range subset {
		classCounts[consensus[i]]++
		modelMiss += 1 - topShare(probs.Row(i), consensus[i])
	}
	var top float64
	for _, c := range classCounts {
		top = math.Max(top, c)
	}
	baseline := math.Max(clip, 1-top/float64(len(subset)))
	modelErr := modelMiss / float64(len(subset))

	w := Weights{
		AnnotatorWeights:   make([]float64, m),
		AnnotatorAgreement: agreement,
		BaselineError:      baseline,
		ModelError:         modelErr,
	}
	w.ModelWeight = math.Max(clip, 1-modelErr/baseline) * math.Sqrt(stat.Mean(intsToFloats(numAnn), nil))

	for j := 0; j < m; j++ {
		if prior != nil && !math.IsNaN(prior[j]) {
			w.AnnotatorWeights[j] = math.Max(clip, prior[j])
			continue
		}
		var a float64
		switch {
		case agreeN[j] > 0:
			a = agreeSum[j] / float64(agreeN[j])
		case fallbackN[j] > 0:
			a = fallbackSum[j] / float64(fallbackN[j])
		default:
			continue
		}
		w.AnnotatorWeights[j] = math.Max(clip, 1-(1-a)/baseline)
	}
	return w
}

// topShare is the chance that class c is the model's prediction for row when
// ties for the top probability are split evenly.
func topShare(row []float64, c int) float64 {
	top := floats.Max(row)
	if row[c] != top {
		return 0
	}
	tied := 0
	for _, p := range row {
		if p == top {
			tied++
		}
	}
	return 1 / float64(tied)
}

func intsToFloats(xs []int) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}
