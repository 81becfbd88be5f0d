// Package log provides a logger interface the rest of this module's
// components log through, so that none of them depend on a logging
// library directly. It also includes a default implementation using
// Logrus.
package log

// Logger is the adapter interface every component here accepts, so
// swapping the underlying logging library only touches this package.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
