// Package monitoring holds the diagnostic logger shared by the crowdlab
// packages.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests mute it with SetLogger(nil).
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs a non-fatal condition with the WARNING prefix used across the
// tools.
func Warnf(format string, v ...interface{}) {
	Logf("WARNING: "+format, v...)
}
