// Package monitoring holds the process-wide diagnostic log hook used by the
// library packages. Binaries keep the default; tests mute or capture it.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a logger that tags each line with "[prefix] " and writes
// through whatever Logf is installed at call time.
func Prefixed(prefix string) func(format string, v ...interface{}) {
	tag := "[" + prefix + "] "
	return func(format string, v ...interface{}) {
		Logf(tag+format, v...)
	}
}
