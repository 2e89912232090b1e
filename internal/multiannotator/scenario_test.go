package multiannotator_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdlab/internal/multiannotator"
	"github.com/banshee-data/crowdlab/internal/simulate"
	"github.com/banshee-data/crowdlab/internal/testutil"
)

// benchmark returns the three-class, fifty-annotator dataset with model
// probabilities from a classifier trained on the majority vote.
func benchmark(t *testing.T) (*simulate.Dataset, []int, *multiannotator.PredProbs) {
	t.Helper()
	spec := simulate.DefaultSpec()
	ds, err := simulate.GenerateDataset(spec)
	require.NoError(t, err)

	vote, err := multiannotator.MajorityVote(ds.Annotations, multiannotator.VoteOptions{NumClasses: spec.NumClasses})
	require.NoError(t, err)

	trainer := &simulate.CentroidTrainer{Features: ds.Features}
	probs, err := trainer.PredictProba(context.Background(), vote, spec.NumClasses)
	require.NoError(t, err)
	return ds, vote, probs
}

func TestScenario_Benchmark(t *testing.T) {
	testutil.MuteLogs(t)
	ds, vote, probs := benchmark(t)

	res, err := multiannotator.Compute(ds.Annotations, probs, multiannotator.Options{})
	require.NoError(t, err)

	consensus := res.ConsensusLabels()
	mvAcc := simulate.Accuracy(vote, ds.TrueLabels)
	acc := simulate.Accuracy(consensus, ds.TrueLabels)
	t.Logf("majority vote accuracy %.3f, consensus accuracy %.3f", mvAcc, acc)
	assert.GreaterOrEqual(t, acc, mvAcc, "consensus should be at least as accurate as majority vote")

	// The 5% lowest-quality consensus labels are wrong more often than the rest.
	worst := res.WorstExamples(15)
	inWorst := make(map[int]bool, len(worst))
	for _, i := range worst {
		inWorst[i] = true
	}
	var worstHits, restHits int
	for i, c := range consensus {
		if c != ds.TrueLabels[i] {
			continue
		}
		if inWorst[i] {
			worstHits++
		} else {
			restHits++
		}
	}
	worstAcc := float64(worstHits) / float64(len(worst))
	restAcc := float64(restHits) / float64(len(consensus)-len(worst))
	assert.Less(t, worstAcc, restAcc)

	noisy := make(map[string]bool)
	for _, id := range ds.NoisyAnnotators {
		noisy[id] = true
	}
	var noisySum, cleanSum float64
	var noisyN, cleanN int
	for _, a := range res.Annotators {
		if noisy[a.ID] {
			noisySum += a.QualityScore
			noisyN++
		} else {
			cleanSum += a.QualityScore
			cleanN++
		}
	}
	require.Equal(t, len(ds.NoisyAnnotators), noisyN)
	assert.Less(t, noisySum/float64(noisyN), cleanSum/float64(cleanN))
}

func TestScenario_Bounded(t *testing.T) {
	testutil.MuteLogs(t)
	for _, n := range []int{1, 10, 1000} {
		for _, k := range []int{2, 3, 10} {
			t.Run(fmt.Sprintf("n=%d_k=%d", n, k), func(t *testing.T) {
				spec := simulate.Spec{
					NumExamples:     n,
					NumClasses:      k,
					NumAnnotators:   5,
					CoverageRate:    0.5,
					CleanAccuracy:   0.7,
					NoisyAccuracy:   0.3,
					NoisyAnnotators: 1,
					ClassSeparation: 2,
					Seed:            uint64(n*100 + k),
				}
				ds, err := simulate.GenerateDataset(spec)
				require.NoError(t, err)
				probs := simulate.OracleProbs(ds.TrueLabels, k, 0.7, 0.6, spec.Seed)

				res, err := multiannotator.Compute(ds.Annotations, probs, multiannotator.Options{})
				require.NoError(t, err)

				for i, e := range res.Examples {
					testutil.AssertUnitInterval(t, fmt.Sprintf("example %d quality", i), e.QualityScore)
					for j := 0; j < ds.Annotations.NumAnnotators(); j++ {
						if s, ok := res.Detailed.Get(i, j); ok {
							testutil.AssertUnitInterval(t, fmt.Sprintf("label quality (%d, %d)", i, j), s)
						}
					}
				}
				for _, a := range res.Annotators {
					testutil.AssertUnitInterval(t, a.ID+" quality", a.QualityScore)
				}
			})
		}
	}
}

func TestScenario_DeterministicAcrossWorkers(t *testing.T) {
	ds, _, probs := benchmark(t)
	testutil.MuteLogs(t)

	serial, err := multiannotator.Compute(ds.Annotations, probs, multiannotator.Options{Workers: 1})
	require.NoError(t, err)
	parallel, err := multiannotator.Compute(ds.Annotations, probs, multiannotator.Options{Workers: 8})
	require.NoError(t, err)

	opt := cmpopts.IgnoreUnexported(multiannotator.DetailedQuality{}, multiannotator.PredProbs{})
	if diff := cmp.Diff(serial, parallel, opt); diff != "" {
		t.Errorf("results differ between 1 and 8 workers (-serial +parallel):\n%s", diff)
	}
	for i := 0; i < ds.Annotations.NumExamples(); i++ {
		for j := 0; j < ds.Annotations.NumAnnotators(); j++ {
			a, _ := serial.Detailed.Get(i, j)
			b, _ := parallel.Detailed.Get(i, j)
			if a != b {
				t.Fatalf("label quality (%d, %d) differs: %v vs %v", i, j, a, b)
			}
		}
	}
}

func TestScenario_ConvergesToModelWithFewAnnotators(t *testing.T) {
	const (
		n = 600
		k = 3
	)
	var agreement []float64
	for _, perExample := range []int{30, 3, 1} {
		ds, err := simulate.GenerateDataset(simulate.Spec{
			NumExamples:           n,
			NumClasses:            k,
			NumAnnotators:         40,
			AnnotationsPerExample: perExample,
			CleanAccuracy:         0.9,
			ClassSeparation:       2,
			Seed:                  7,
		})
		require.NoError(t, err)
		probs := simulate.OracleProbs(ds.TrueLabels, k, 0.7, 0.85, 7)

		res, err := multiannotator.Compute(ds.Annotations, probs, multiannotator.Options{})
		require.NoError(t, err)
		agreement = append(agreement, simulate.Accuracy(res.ConsensusLabels(), probs.Argmax()))
	}
	t.Logf("agreement with model at 30, 3, 1 annotators: %v", agreement)

	for i := 1; i < len(agreement); i++ {
		if agreement[i] < agreement[i-1] {
			t.Errorf("agreement with the model fell from %v to %v as annotators were removed", agreement[i-1], agreement[i])
		}
	}
	assert.Greater(t, agreement[2], 0.95)
}

func TestScenario_ConvergesToMajorityVoteWithManyAnnotators(t *testing.T) {
	const k = 3
	ds, err := simulate.GenerateDataset(simulate.Spec{
		NumExamples:           600,
		NumClasses:            k,
		NumAnnotators:         40,
		AnnotationsPerExample: 30,
		CleanAccuracy:         0.85,
		ClassSeparation:       2,
		Seed:                  11,
	})
	require.NoError(t, err)
	probs := simulate.OracleProbs(ds.TrueLabels, k, 0.6, 0.7, 11)

	vote, err := multiannotator.MajorityVote(ds.Annotations, multiannotator.VoteOptions{NumClasses: k})
	require.NoError(t, err)
	res, err := multiannotator.Compute(ds.Annotations, probs, multiannotator.Options{})
	require.NoError(t, err)

	consensus := res.ConsensusLabels()
	assert.GreaterOrEqual(t, simulate.Accuracy(consensus, ds.TrueLabels), simulate.Accuracy(vote, ds.TrueLabels)-0.005)
	assert.GreaterOrEqual(t, simulate.Accuracy(consensus, vote), 0.99)
}

func TestScenario_NoisierAnnotatorScoresLower(t *testing.T) {
	testutil.MuteLogs(t)
	ds, _, probs := benchmark(t)
	const target = "annotator_00"

	before, err := multiannotator.Compute(ds.Annotations, probs, multiannotator.Options{})
	require.NoError(t, err)

	// Turn every other correct label of the target annotator into a wrong one.
	noisy := ds.Annotations.Clone()
	k := before.NumClasses
	flipped := 0
	for i := 0; i < noisy.NumExamples(); i++ {
		l, ok := noisy.Label(i, 0)
		if !ok || l != ds.TrueLabels[i] {
			continue
		}
		if flipped%2 == 0 {
			noisy.Set(i, 0, (l+1)%k)
		}
		flipped++
	}
	require.Greater(t, flipped, 1)

	after, err := multiannotator.Compute(noisy, probs, multiannotator.Options{})
	require.NoError(t, err)

	qBefore, ok := before.Annotator(target)
	require.True(t, ok)
	qAfter, ok := after.Annotator(target)
	require.True(t, ok)
	assert.LessOrEqual(t, qAfter.QualityScore, qBefore.QualityScore)
}
