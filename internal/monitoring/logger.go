// Package monitoring carries the client's diagnostic log hook and its
// Prometheus metrics.
package monitoring

import "log"

// Logf receives every diagnostic line the client writes. It is log.Printf
// until SetLogger replaces it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger installs f as Logf. nil mutes logging, which is what test
// binaries do in TestMain.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
}
