package multiannotator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/crowdlab/internal/monitoring"
)

// ConsensusMethod selects how the consensus label is chosen.
type ConsensusMethod string

const (
	// ConsensusBestQuality picks the class with the highest posterior after
	// combining weighted annotator votes with the model.
	ConsensusBestQuality ConsensusMethod = "best_quality"
	// ConsensusMajorityVote keeps the plain majority vote.
	ConsensusMajorityVote ConsensusMethod = "majority_vote"
)

// QualityMethod selects how consensus and annotator quality are scored.
type QualityMethod string

const (
	// QualityCrowdlab scores with the posterior and blends annotator
	// agreement with label quality.
	QualityCrowdlab QualityMethod = "crowdlab"
	// QualityAgreement scores by agreement among annotators only.
	QualityAgreement QualityMethod = "agreement"
)

// DefaultClipLowerBound is the floor applied to weights and error baselines.
const DefaultClipLowerBound = 1e-6

// Options configures Compute. The zero value uses the defaults.
type Options struct {
	ConsensusMethod ConsensusMethod
	QualityMethod   QualityMethod
	// PriorAnnotatorQuality, keyed by annotator ID, replaces the estimated
	// annotator weights with quality scores from a previous round.
	// Annotators missing from the map keep their estimated weight.
	PriorAnnotatorQuality map[string]float64
	// Workers bounds the goroutines used per pass; zero means GOMAXPROCS.
	Workers        int
	ClipLowerBound float64
	ProbTolerance  float64
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		ConsensusMethod: ConsensusBestQuality,
		QualityMethod:   QualityCrowdlab,
		ClipLowerBound:  DefaultClipLowerBound,
		ProbTolerance:   DefaultProbTolerance,
	}
}

func (o Options) withDefaults() (Options, error) {
	d := DefaultOptions()
	if o.ConsensusMethod == "" {
		o.ConsensusMethod = d.ConsensusMethod
	}
	if o.QualityMethod == "" {
		o.QualityMethod = d.QualityMethod
	}
	if o.ClipLowerBound <= 0 {
		o.ClipLowerBound = d.ClipLowerBound
	}
	if o.ProbTolerance <= 0 {
		o.ProbTolerance = d.ProbTolerance
	}
	switch o.ConsensusMethod {
	case ConsensusBestQuality, ConsensusMajorityVote:
	default:
		return o, fmt.Errorf("%w: unknown consensus method %q", ErrInvalidInput, o.ConsensusMethod)
	}
	switch o.QualityMethod {
	case QualityCrowdlab, QualityAgreement:
	default:
		return o, fmt.Errorf("%w: unknown quality method %q", ErrInvalidInput, o.QualityMethod)
	}
	return o, nil
}

// ExampleResult is the per-example output.
type ExampleResult struct {
	ConsensusLabel int     `json:"consensus_label"`
	QualityScore   float64 `json:"consensus_quality_score"`
	NumAnnotations int     `json:"num_annotations"`
	// AnnotatorAgreement is the fraction of this example's annotators whose
	// label equals the consensus.
	AnnotatorAgreement float64 `json:"annotator_agreement"`
}

// Result is the output of one consensus and quality pass.
type Result struct {
	NumClasses int             `json:"num_classes"`
	Examples   []ExampleResult `json:"examples"`
	// Detailed scores every individual annotator label.
	Detailed *DetailedQuality `json:"-"`
	// Annotators lists annotators with at least one label, in column order.
	Annotators []AnnotatorStats `json:"annotators"`
	Weights    Weights          `json:"weights"`
	// Posterior is the combined class distribution per example.
	Posterior *PredProbs `json:"-"`
	Warnings  []Warning  `json:"warnings,omitempty"`
}

// ConsensusLabels returns the consensus label of every example.
func (r *Result) ConsensusLabels() []int {
	out := make([]int, len(r.Examples))
	for i, e := range r.Examples {
		out[i] = e.ConsensusLabel
	}
	return out
}

// QualityScores returns the consensus quality score of every example.
func (r *Result) QualityScores() []float64 {
	out := make([]float64, len(r.Examples))
	for i, e := range r.Examples {
		out[i] = e.QualityScore
	}
	return out
}

// WorstExamples returns the indices of the n examples with the lowest
// consensus quality, lowest first. Ties keep index order.
func (r *Result) WorstExamples(n int) []int {
	idx := sortedIndices(len(r.Examples), func(i int) float64 { return r.Examples[i].QualityScore })
	if n >= 0 && n < len(idx) {
		idx = idx[:n]
	}
	return idx
}

// Compute estimates consensus labels and scores every consensus label,
// annotator label and annotator. Input errors wrap ErrInvalidInput or
// ErrAlignment and are returned before any scoring.
func Compute(ann *AnnotationMatrix, probs *PredProbs, opts Options) (*Result, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	k, err := validate(ann, probs, opts.ProbTolerance)
	if err != nil {
		return nil, err
	}

	numAnn := ann.NumAnnotations()
	counts := ann.AnnotatorCounts()
	vote := majorityVote(ann, k, probs)

	var prior []float64
	if opts.PriorAnnotatorQuality != nil {
		prior = make([]float64, ann.NumAnnotators())
		for j := range prior {
			q, ok := opts.PriorAnnotatorQuality[ann.AnnotatorID(j)]
			if !ok {
				q = math.NaN()
			}
			prior[j] = q
		}
	}
	w := estimateWeights(ann, probs, k, vote, numAnn, prior, opts.ClipLowerBound)

	post := posterior(ann, probs, w, k, opts.ClipLowerBound, opts.Workers)
	freq := classFrequency(ann, k)

	res := &Result{
		NumClasses: k,
		Examples:   make([]ExampleResult, ann.NumExamples()),
		Weights:    w,
		Posterior:  post,
	}
	forEachRange(ann.NumExamples(), opts.Workers, func(lo, hi int) {
		votes := make([]int, k)
		for i := lo; i < hi; i++ {
			c := vote[i]
			if opts.ConsensusMethod == ConsensusBestQuality {
				c = posteriorLabel(ann, probs, post.Row(i), votes, freq, i)
			}
			agree := 0
			for _, l := range ann.row(i) {
				if l == c {
					agree++
				}
			}
			frac := float64(agree) / float64(numAnn[i])

			score := frac
			if opts.QualityMethod == QualityCrowdlab {
				score = clamp01(post.Row(i)[c])
			}
			res.Examples[i] = ExampleResult{
				ConsensusLabel:     c,
				QualityScore:       score,
				NumAnnotations:     numAnn[i],
				AnnotatorAgreement: frac,
			}
		}
	})

	res.Detailed = detailedQuality(ann, post, opts.Workers)
	res.Annotators = annotatorStats(ann, res, counts, numAnn, opts.QualityMethod)
	res.Warnings = collectWarnings(ann, counts, k)
	for _, wn := range res.Warnings {
		monitoring.Warnf("%s", wn.Message)
	}
	return res, nil
}

// posterior pools the model's probabilities with each annotator's vote as a
// weighted product, so agreeing votes accumulate evidence. An annotator's
// vote has likelihood AnnotatorAgreement on its chosen class and spreads the
// rest evenly over the other classes; weights act as exponents.
func posterior(ann *AnnotationMatrix, probs *PredProbs, w Weights, k int, clip float64, workers int) *PredProbs {
	rows := make([][]float64, ann.NumExamples())
	hit := math.Min(w.AnnotatorAgreement, 1-clip)
	logHit := math.Log(hit)
	logMiss := math.Log((1 - hit) / float64(k-1))

	forEachRange(len(rows), workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out := make([]float64, k)
			for c, p := range probs.Row(i) {
				out[c] = w.ModelWeight * math.Log(math.Max(p, clip))
			}
			for j, l := range ann.row(i) {
				if l == Missing {
					continue
				}
				aw := w.AnnotatorWeights[j]
				for c := range out {
					if c == l {
						out[c] += aw * logHit
					} else {
						out[c] += aw * logMiss
					}
				}
			}
			floats.AddConst(-floats.Max(out), out)
			for c, v := range out {
				out[c] = math.Exp(v)
			}
			floats.Scale(1/floats.Sum(out), out)
			rows[i] = out
		}
	})
	return &PredProbs{rows: rows, ExampleIDs: probs.ExampleIDs}
}

// posteriorLabel picks the class with the highest posterior for example i.
// Exact ties fall back to the majority vote order. counts is scratch space of
// length K.
func posteriorLabel(ann *AnnotationMatrix, probs *PredProbs, post []float64, counts, freq []int, i int) int {
	for c := range counts {
		counts[c] = 0
	}
	for _, l := range ann.row(i) {
		if l != Missing {
			counts[l]++
		}
	}
	best := 0
	for c := 1; c < len(post); c++ {
		if post[c] > post[best] || (post[c] == post[best] && voteBeats(c, best, counts, freq, probs, i)) {
			best = c
		}
	}
	return best
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
