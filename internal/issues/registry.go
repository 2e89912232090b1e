// Package issues runs named data-quality scorers over a multi-annotator
// dataset. Scorers are registered on a caller-owned Registry; there is no
// package-level registry.
package issues

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/crowdlab/internal/multiannotator"
)

// Dataset is the shared input every scorer reads.
type Dataset struct {
	Annotations *multiannotator.AnnotationMatrix
	PredProbs   *multiannotator.PredProbs
	// Unlabeled optionally holds model probabilities for examples without
	// annotations.
	Unlabeled *multiannotator.PredProbs
}

// Row scores one item: an example or an annotator, depending on the scorer.
type Row struct {
	Index   int     `json:"index"`
	ID      string  `json:"id,omitempty"`
	Score   float64 `json:"score"`
	IsIssue bool    `json:"is_issue"`
}

// Summary aggregates a report.
type Summary struct {
	NumRows   int     `json:"num_rows"`
	NumIssues int     `json:"num_issues"`
	MeanScore float64 `json:"mean_score"`
}

// Report is the output of one scorer.
type Report struct {
	Name    string  `json:"name"`
	Rows    []Row   `json:"rows"`
	Summary Summary `json:"summary"`
}

// Scorer computes one kind of issue.
type Scorer interface {
	Name() string
	Score(ctx context.Context, ds *Dataset) (*Report, error)
}

// Factory builds a scorer.
type Factory func() Scorer

// Registry maps scorer names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. An existing entry with the same name is replaced.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Unregister removes a factory if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, name)
}

// Get builds the scorer registered under name.
func (r *Registry) Get(name string) (Scorer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names lists the registered names alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named scorers in the order given, or every registered
// scorer alphabetically when names is empty. The first failure aborts the
// run.
func (r *Registry) Run(ctx context.Context, ds *Dataset, names ...string) ([]*Report, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	reports := make([]*Report, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown issue type %q", name)
		}
		rep, err := s.Score(ctx, ds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// newReport flags rows scoring below threshold and fills the summary.
func newReport(name string, rows []Row, threshold float64) *Report {
	var sum float64
	issues := 0
	for i := range rows {
		rows[i].IsIssue = rows[i].Score < threshold
		if rows[i].IsIssue {
			issues++
		}
		sum += rows[i].Score
	}
	s := Summary{NumRows: len(rows), NumIssues: issues}
	if len(rows) > 0 {
		s.MeanScore = sum / float64(len(rows))
	}
	return &Report{Name: name, Rows: rows, Summary: s}
}
