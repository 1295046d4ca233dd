// Package monitoring holds the diagnostic logger and the scoped stage timer
// used around every pipeline step.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs a non-fatal condition with a uniform prefix so warnings can be
// grepped out of long generalization runs.
func Warnf(format string, v ...interface{}) {
	Logf("[warn] "+format, v...)
}
