package multiannotator

import "errors"

var (
	// ErrInvalidInput reports malformed annotations or probabilities: an
	// example without labels, a label outside [0, K-1], too few classes, or a
	// probability row that is not a distribution.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlignment reports annotations and probabilities that do not describe
	// the same examples in the same order.
	ErrAlignment = errors.New("annotations and predicted probabilities are not aligned")
)

// WarningKind classifies non-fatal conditions attached to a Result.
type WarningKind string

const (
	// WarnDegenerateInput flags an annotator with a single labelled example;
	// its quality score is reported but statistically unreliable.
	WarnDegenerateInput WarningKind = "degenerate_input"
	// WarnMissingClasses flags classes that no annotator ever chose.
	WarnMissingClasses WarningKind = "missing_classes"
)

// Warning is a non-fatal condition found while scoring.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	Annotator string      `json:"annotator,omitempty"`
	Message   string      `json:"message"`
}
