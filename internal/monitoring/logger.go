package monitoring

import "log"

// Logf is the package-level diagnostic logger shared by the navigation
// subsystems. It defaults to log.Printf but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a logger that tags each line with the subsystem name.
// The current Logf is resolved on every call, so SetLogger also affects
// loggers created earlier.
func Prefixed(subsystem string) func(format string, v ...interface{}) {
	prefix := "[" + subsystem + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
