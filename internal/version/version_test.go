package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldSHA, oldTime := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldTime }()

	Version, GitSHA, BuildTime = "1.2.0", "abc123", "2026-01-02T03:04:05Z"
	want := "1.2.0 (commit abc123, built 2026-01-02T03:04:05Z)"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
