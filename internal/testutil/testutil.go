// Package testutil provides shared test helpers.
package testutil

import (
	"math"
	"testing"

	"github.com/banshee-data/crowdlab/internal/monitoring"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertUnitInterval fails the test unless v is a finite value in [0, 1].
func AssertUnitInterval(t *testing.T, name string, v float64) {
	t.Helper()
	if math.IsNaN(v) || v < 0 || v > 1 {
		t.Errorf("%s = %v, want a value in [0, 1]", name, v)
	}
}

// MuteLogs silences the monitoring logger for the duration of the test.
func MuteLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}
