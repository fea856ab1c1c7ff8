// Package logger wraps zap so the rest of the core never imports it
// directly; call sites use the structured logger.Debugw/Warnw/Errorw
// helpers.
package logger

import (
	"go.uber.org/zap"
)

// Logger is a thin structured-logging facade over zap's SugaredLogger.
type Logger struct {
	*zap.SugaredLogger
}

// Default is the package-level logger used throughout the core.
var Default *Logger

func init() {
	z, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	Default = &Logger{z.Sugar()}
}

// With returns a child logger carrying the given structured fields.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{l.SugaredLogger.With(args...)}
}

func Debugw(msg string, keysAndValues ...interface{}) { Default.Debugw(msg, keysAndValues...) }
func Infow(msg string, keysAndValues ...interface{})  { Default.Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { Default.Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { Default.Errorw(msg, keysAndValues...) }

func Debug(args ...interface{}) { Default.Debug(args...) }
func Info(args ...interface{})  { Default.Info(args...) }
func Warn(args ...interface{})  { Default.Warn(args...) }
func Error(args ...interface{}) { Default.Error(args...) }
func Fatal(args ...interface{}) { Default.Fatal(args...) }

func Debugf(format string, args ...interface{}) { Default.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Default.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Default.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Default.Errorf(format, args...) }

// Sync flushes any buffered log entries; call on shutdown.
func Sync() error {
	return Default.Sync()
}
