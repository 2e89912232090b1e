package multiannotator

import "fmt"

// VoteOptions configures MajorityVote.
type VoteOptions struct {
	// NumClasses is K. Zero infers it as the largest label plus one, or the
	// width of PredProbs when given.
	NumClasses int
	// PredProbs, when set, breaks ties in favour of the class the model finds
	// most likely.
	PredProbs *PredProbs
}

// MajorityVote returns the label chosen by the most annotators for every
// example. Ties are broken by, in order: highest model probability (only when
// opts.PredProbs is set), highest frequency of the class across all
// annotations in the dataset, lowest class index.
func MajorityVote(ann *AnnotationMatrix, opts VoteOptions) ([]int, error) {
	if ann == nil {
		return nil, fmt.Errorf("%w: nil annotation matrix", ErrInvalidInput)
	}
	k := opts.NumClasses
	if opts.PredProbs != nil {
		if err := validateAlignment(ann, opts.PredProbs); err != nil {
			return nil, err
		}
		if k == 0 {
			k = opts.PredProbs.NumClasses()
		} else if k != opts.PredProbs.NumClasses() {
			return nil, fmt.Errorf("%w: %d classes requested but probabilities have %d",
				ErrInvalidInput, k, opts.PredProbs.NumClasses())
		}
	}
	if k == 0 {
		k = ann.InferNumClasses()
	}
	if err := validateAnnotations(ann, k); err != nil {
		return nil, err
	}
	return majorityVote(ann, k, opts.PredProbs), nil
}

// majorityVote assumes validated input.
func majorityVote(ann *AnnotationMatrix, k int, probs *PredProbs) []int {
	freq := classFrequency(ann, k)
	out := make([]int, ann.NumExamples())
	counts := make([]int, k)
	for i := range out {
		for c := range counts {
			counts[c] = 0
		}
		for _, l := range ann.row(i) {
			if l != Missing {
				counts[l]++
			}
		}

		best := 0
		for c := 1; c < k; c++ {
			if voteBeats(c, best, counts, freq, probs, i) {
				best = c
			}
		}
		out[i] = best
	}
	return out
}

// voteBeats reports whether class a strictly beats class b (a > b) under the
// tie-break order.
func voteBeats(a, b int, counts, freq []int, probs *PredProbs, i int) bool {
	if counts[a] != counts[b] {
		return counts[a] > counts[b]
	}
	if probs != nil {
		row := probs.Row(i)
		if row[a] != row[b] {
			return row[a] > row[b]
		}
	}
	if freq[a] != freq[b] {
		return freq[a] > freq[b]
	}
	return false
}

// classFrequency counts how often each class was chosen over all annotations.
func classFrequency(ann *AnnotationMatrix, k int) []int {
	freq := make([]int, k)
	for i := 0; i < ann.NumExamples(); i++ {
		for _, l := range ann.row(i) {
			if l != Missing {
				freq[l]++
			}
		}
	}
	return freq
}
