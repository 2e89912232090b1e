package refine

import "testing"

func TestStopFuncs(t *testing.T) {
	boot := &Round{Index: 0, State: StateBootstrap}
	settled := &Round{Index: 2, State: StateRefining, LabelsChanged: 0}
	moving := &Round{Index: 1, State: StateRefining, LabelsChanged: 7}

	tests := []struct {
		name  string
		stop  StopFunc
		round *Round
		want  bool
	}{
		{"max_zero_stops_after_bootstrap", MaxRounds(0), boot, true},
		{"max_two_continues_at_one", MaxRounds(2), moving, false},
		{"max_two_stops_at_two", MaxRounds(2), settled, true},
		{"converged_ignores_bootstrap", UntilConverged(0), boot, false},
		{"converged_on_settled", UntilConverged(0), settled, true},
		{"not_converged_while_moving", UntilConverged(5), moving, false},
		{"converged_within_tolerance", UntilConverged(7), moving, true},
		{"any_of_none", AnyOf(), moving, false},
		{"any_of_one_true", AnyOf(MaxRounds(5), UntilConverged(10)), moving, true},
		{"any_of_all_false", AnyOf(MaxRounds(5), UntilConverged(0)), moving, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stop(tt.round); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCountChanged(t *testing.T) {
	if got := countChanged([]int{0, 1, 2, 2}, []int{0, 2, 2, 1}); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}
