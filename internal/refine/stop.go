package refine

// StopFunc decides after each round whether the loop should end.
type StopFunc func(*Round) bool

// MaxRounds stops once n refining rounds have run. The bootstrap round does
// not count; MaxRounds(0) stops right after bootstrap.
func MaxRounds(n int) StopFunc {
	return func(r *Round) bool {
		return r.Index >= n
	}
}

// UntilConverged stops after a refining round changes at most maxChanged
// labels relative to the round before it.
func UntilConverged(maxChanged int) StopFunc {
	return func(r *Round) bool {
		return r.State == StateRefining && r.LabelsChanged <= maxChanged
	}
}

// AnyOf stops as soon as one of the conditions does.
func AnyOf(conds ...StopFunc) StopFunc {
	return func(r *Round) bool {
		for _, c := range conds {
			if c(r) {
				return true
			}
		}
		return false
	}
}
