// Package refine drives the iterative consensus refinement loop: train a
// classifier on the current consensus labels, score the annotations with its
// out-of-sample predictions, and repeat for as long as the caller wants.
package refine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/crowdlab/internal/monitoring"
	"github.com/banshee-data/crowdlab/internal/multiannotator"
	"github.com/banshee-data/crowdlab/internal/timeutil"
)

// State is the loop state a round was produced in.
type State string

const (
	// StateBootstrap rounds carry majority-vote labels and no scores.
	StateBootstrap State = "bootstrap"
	// StateRefining rounds carry model-assisted consensus and scores.
	StateRefining State = "refining"
)

// ErrNoPredictions is returned when a Trainer returns neither probabilities
// nor an error.
var ErrNoPredictions = errors.New("refine: trainer returned no predictions")

// Trainer fits a classifier on labels and returns out-of-sample predicted
// probabilities for every example, typically via cross-validation.
type Trainer interface {
	PredictProba(ctx context.Context, labels []int, numClasses int) (*multiannotator.PredProbs, error)
}

// Round is one iteration of the loop.
type Round struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	State State  `json:"state"`
	// Labels are the consensus labels produced by this round.
	Labels []int `json:"labels"`
	// LabelsChanged counts labels that differ from the previous round.
	LabelsChanged int `json:"labels_changed"`
	// Result is nil for the bootstrap round.
	Result *multiannotator.Result `json:"result,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Config configures a Refiner.
type Config struct {
	NumClasses int
	Options    multiannotator.Options
	// UsePriorQuality feeds each round's annotator quality scores into the
	// next round as annotator weights.
	UsePriorQuality bool
	// Clock times each round; nil uses the wall clock.
	Clock timeutil.Clock
}

// Refiner runs the loop. It keeps no state between calls, so one Refiner may
// drive several independent loops.
type Refiner struct {
	trainer Trainer
	cfg     Config
}

// NewRefiner returns a Refiner using trainer for every round.
func NewRefiner(trainer Trainer, cfg Config) *Refiner {
	return &Refiner{trainer: trainer, cfg: cfg}
}

// Rounds yields the bootstrap round followed by refining rounds until the
// caller stops ranging, the context is cancelled, or an error occurs. An
// error is yielded once with a nil round and ends the sequence.
func (r *Refiner) Rounds(ctx context.Context, ann *multiannotator.AnnotationMatrix) iter.Seq2[*Round, error] {
	clock := r.cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return func(yield func(*Round, error) bool) {
		start := clock.Now()
		labels, err := multiannotator.MajorityVote(ann, multiannotator.VoteOptions{NumClasses: r.cfg.NumClasses})
		if err != nil {
			yield(nil, fmt.Errorf("bootstrap: %w", err))
			return
		}
		numClasses := r.cfg.NumClasses
		if numClasses == 0 {
			numClasses = ann.InferNumClasses()
		}

		round := &Round{
			ID:        uuid.NewString(),
			State:     StateBootstrap,
			Labels:    labels,
			StartedAt: start,
			Elapsed:   clock.Since(start),
		}
		monitoring.Logf("refine: bootstrap round %s with %d examples", round.ID, len(labels))
		if !yield(round, nil) {
			return
		}

		opts := r.cfg.Options
		for idx := 1; ; idx++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			start := clock.Now()
			probs, err := r.trainer.PredictProba(ctx, round.Labels, numClasses)
			if err != nil {
				yield(nil, fmt.Errorf("round %d: train: %w", idx, err))
				return
			}
			if probs == nil {
				yield(nil, fmt.Errorf("round %d: %w", idx, ErrNoPredictions))
				return
			}
			if probs.NumClasses() > numClasses {
				numClasses = probs.NumClasses()
			}
			res, err := multiannotator.Compute(ann, probs, opts)
			if err != nil {
				yield(nil, fmt.Errorf("round %d: %w", idx, err))
				return
			}

			next := &Round{
				ID:        uuid.NewString(),
				Index:     idx,
				State:     StateRefining,
				Labels:    res.ConsensusLabels(),
				Result:    res,
				StartedAt: start,
				Elapsed:   clock.Since(start),
			}
			next.LabelsChanged = countChanged(round.Labels, next.Labels)
			monitoring.Logf("refine: round %d (%s) changed %d labels in %v", idx, next.ID, next.LabelsChanged, next.Elapsed)

			if r.cfg.UsePriorQuality {
				opts.PriorAnnotatorQuality = priorQuality(res)
			}
			round = next
			if !yield(round, nil) {
				return
			}
		}
	}
}

// Run drives Rounds until stop returns true for a round and returns every
// round produced, including the one that stopped the loop.
func (r *Refiner) Run(ctx context.Context, ann *multiannotator.AnnotationMatrix, stop StopFunc) ([]*Round, error) {
	if stop == nil {
		return nil, errors.New("refine: a stop condition is required")
	}
	var rounds []*Round
	for round, err := range r.Rounds(ctx, ann) {
		if err != nil {
			return rounds, err
		}
		rounds = append(rounds, round)
		if stop(round) {
			break
		}
	}
	return rounds, nil
}

func priorQuality(res *multiannotator.Result) map[string]float64 {
	out := make(map[string]float64, len(res.Annotators))
	for _, a := range res.Annotators {
		out[a.ID] = a.QualityScore
	}
	return out
}

func countChanged(prev, next []int) int {
	n := 0
	for i := range next {
		if prev[i] != next[i] {
			n++
		}
	}
	return n
}
