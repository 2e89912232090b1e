package issues

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdlab/internal/config"
	"github.com/banshee-data/crowdlab/internal/multiannotator"
	"github.com/banshee-data/crowdlab/internal/testutil"
)

type stubScorer struct {
	name  string
	score float64
	err   error
}

func (s *stubScorer) Name() string { return s.name }

func (s *stubScorer) Score(ctx context.Context, ds *Dataset) (*Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	return newReport(s.name, []Row{{Index: 0, Score: s.score}}, 0.5), nil
}

func testDataset(t *testing.T) *Dataset {
	t.Helper()
	ann, err := multiannotator.FromDense([][]int{
		{0, 0, 0},
		{0, 1, 0},
		{1, 1, 0},
		{1, 1, 1},
	}, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	ann.ExampleIDs = []string{"e0", "e1", "e2", "e3"}
	probs, err := multiannotator.NewPredProbs([][]float64{
		{0.9, 0.1},
		{0.6, 0.4},
		{0.3, 0.7},
		{0.2, 0.8},
	})
	require.NoError(t, err)
	return &Dataset{Annotations: ann, PredProbs: probs}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b", func() Scorer { return &stubScorer{name: "b"} })
	reg.Register("a", func() Scorer { return &stubScorer{name: "a"} })

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	s, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", s.Name())

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	reg.Unregister("a")
	assert.Equal(t, []string{"b"}, reg.Names())
}

func TestRegistry_RegistriesAreIndependent(t *testing.T) {
	one, two := NewRegistry(), NewRegistry()
	one.Register("x", func() Scorer { return &stubScorer{name: "x"} })
	assert.Empty(t, two.Names())
}

func TestRegistry_Run(t *testing.T) {
	reg := NewRegistry()
	reg.Register("high", func() Scorer { return &stubScorer{name: "high", score: 0.9} })
	reg.Register("low", func() Scorer { return &stubScorer{name: "low", score: 0.1} })

	reports, err := reg.Run(context.Background(), &Dataset{}, "low", "high")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "low", reports[0].Name)
	assert.True(t, reports[0].Rows[0].IsIssue)
	assert.Equal(t, 1, reports[0].Summary.NumIssues)
	assert.False(t, reports[1].Rows[0].IsIssue)

	all, err := reg.Run(context.Background(), &Dataset{})
	require.NoError(t, err)
	assert.Equal(t, "high", all[0].Name, "no names runs everything alphabetically")
}

func TestRegistry_RunErrors(t *testing.T) {
	boom := errors.New("boom")
	reg := NewRegistry()
	reg.Register("broken", func() Scorer { return &stubScorer{name: "broken", err: boom} })

	_, err := reg.Run(context.Background(), &Dataset{}, "unknown")
	assert.Error(t, err)

	_, err = reg.Run(context.Background(), &Dataset{}, "broken")
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = reg.Run(ctx, &Dataset{}, "broken")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewReport_Summary(t *testing.T) {
	rep := newReport("x", []Row{{Score: 0.2}, {Score: 0.5}, {Score: 0.8}}, 0.5)
	assert.Equal(t, 3, rep.Summary.NumRows)
	assert.Equal(t, 1, rep.Summary.NumIssues, "a score equal to the threshold is not an issue")
	assert.InDelta(t, 0.5, rep.Summary.MeanScore, 1e-12)

	empty := newReport("y", nil, 0.5)
	assert.Equal(t, 0, empty.Summary.NumRows)
	assert.Zero(t, empty.Summary.MeanScore)
}

func TestDefaultRegistry(t *testing.T) {
	testutil.MuteLogs(t)
	reg := DefaultRegistry(config.EmptyConfig())
	assert.Equal(t, []string{NameActiveLearning, NameAnnotator, NameConsensus}, reg.Names())

	ds := testDataset(t)
	ds.Unlabeled, _ = multiannotator.NewPredProbs([][]float64{{0.5, 0.5}})

	reports, err := reg.Run(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	byName := make(map[string]*Report)
	for _, r := range reports {
		byName[r.Name] = r
	}

	consensus := byName[NameConsensus]
	require.Len(t, consensus.Rows, 4)
	assert.Equal(t, "e1", consensus.Rows[1].ID)
	for _, row := range consensus.Rows {
		testutil.AssertUnitInterval(t, "consensus score", row.Score)
		assert.False(t, row.IsIssue, "every consensus label scores above 0.5")
	}

	annotators := byName[NameAnnotator]
	require.Len(t, annotators.Rows, 3)
	assert.Equal(t, "carol", annotators.Rows[2].ID)

	active := byName[NameActiveLearning]
	require.Len(t, active.Rows, 5)
	assert.Equal(t, 4, active.Rows[4].Index)
	assert.InDelta(t, 0.5, active.Rows[4].Score, 1e-9)
}

func TestDefaultRegistry_Threshold(t *testing.T) {
	testutil.MuteLogs(t)
	threshold := 0.9
	cfg := config.EmptyConfig()
	cfg.IssueThreshold = &threshold

	reports, err := DefaultRegistry(cfg).Run(context.Background(), testDataset(t), NameConsensus)
	require.NoError(t, err)

	// Consensus qualities are about 0.99, 0.74, 0.86 and 0.96.
	flagged := []bool{false, true, true, false}
	for i, row := range reports[0].Rows {
		assert.Equal(t, flagged[i], row.IsIssue, "example %d", i)
	}
}

func TestActiveLearningScorer_NeedsAnnotations(t *testing.T) {
	reg := DefaultRegistry(config.EmptyConfig())
	_, err := reg.Run(context.Background(), &Dataset{}, NameActiveLearning)
	assert.Error(t, err)
}
