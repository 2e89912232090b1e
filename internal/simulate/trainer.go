package simulate

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/crowdlab/internal/multiannotator"
)

// smoothing keeps every class probability strictly positive.
const smoothing = 1e-3

// CentroidTrainer is a nearest-centroid classifier evaluated with K-fold
// cross-validation, so every returned probability is out-of-sample. Example
// i belongs to fold i % Folds.
type CentroidTrainer struct {
	Features [][]float64
	// Folds defaults to 5.
	Folds int
	// Temperature scales squared distances before the softmax. The default
	// of 2 gives calibrated probabilities for unit-variance classes.
	Temperature float64
}

// PredictProba fits one model per fold on labels and predicts the held-out
// examples.
func (t *CentroidTrainer) PredictProba(ctx context.Context, labels []int, numClasses int) (*multiannotator.PredProbs, error) {
	if len(labels) != len(t.Features) {
		return nil, fmt.Errorf("got %d labels for %d feature rows", len(labels), len(t.Features))
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no training examples")
	}
	folds := t.Folds
	if folds <= 0 {
		folds = 5
	}
	folds = min(folds, len(labels))
	temp := t.Temperature
	if temp <= 0 {
		temp = 2
	}

	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, fmt.Errorf("label %d for example %d outside [0, %d]", l, i, numClasses-1)
		}
	}

	// Folds run concurrently; fold f only writes rows i with i % folds == f.
	rows := make([][]float64, len(labels))
	g, gctx := errgroup.WithContext(ctx)
	for f := 0; f < folds; f++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			centroids := t.fit(labels, numClasses, folds, f)
			for i := f; i < len(labels); i += folds {
				rows[i] = predictRow(t.Features[i], centroids, temp)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return multiannotator.NewPredProbs(rows)
}

// fit returns the class centroids of every example outside fold f. With a
// single fold every example is used.
func (t *CentroidTrainer) fit(labels []int, numClasses, folds, f int) [][]float64 {
	centroids := make([][]float64, numClasses)
	counts := make([]float64, numClasses)
	for i, l := range labels {
		if folds > 1 && i%folds == f {
			continue
		}
		if centroids[l] == nil {
			centroids[l] = make([]float64, len(t.Features[i]))
		}
		floats.Add(centroids[l], t.Features[i])
		counts[l]++
	}
	for c, n := range counts {
		if n > 0 {
			floats.Scale(1/n, centroids[c])
		}
	}
	return centroids
}

// predictRow is a softmax over negative squared distances. Classes without
// a centroid only receive the smoothing mass.
func predictRow(x []float64, centroids [][]float64, temp float64) []float64 {
	k := len(centroids)
	logits := make([]float64, k)
	best := math.Inf(-1)
	for c, mu := range centroids {
		if mu == nil {
			logits[c] = math.Inf(-1)
			continue
		}
		d := floats.Distance(x, mu, 2)
		logits[c] = -d * d / temp
		best = math.Max(best, logits[c])
	}

	row := make([]float64, k)
	if math.IsInf(best, -1) {
		for c := range row {
			row[c] = 1 / float64(k)
		}
		return row
	}
	for c, l := range logits {
		row[c] = math.Exp(l - best)
	}
	floats.Scale(1/floats.Sum(row), row)
	for c := range row {
		row[c] = (1-smoothing)*row[c] + smoothing/float64(k)
	}
	return row
}
