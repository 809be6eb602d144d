package util

import (
	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

// PionLoggerFactory bridges pion's internal ICE/DTLS/SCTP/SRTP logging into
// the same pterm sink the rest of jingletun logs through, so a single
// -debug flag controls verbosity across both the application and the
// webrtc stack.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

// pionLogger adapts pion's per-scope logger onto the leveled pterm
// printers. Scope (e.g. "ice", "dtls", "sctp") is prefixed onto every line
// so mixed webrtc subsystem output stays attributable.
type pionLogger struct {
	scope string
}

func (l *pionLogger) prefix(msg string) string {
	return "[" + l.scope + "] " + msg
}

func (l *pionLogger) Trace(msg string) { l.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.Debugf(format, args...)
}

func (l *pionLogger) Debug(msg string) {
	pterm.Debug.Println(l.prefix(msg))
}
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	LogDebug(l.prefix(format), args...)
}

func (l *pionLogger) Info(msg string) {
	pterm.Debug.Println(l.prefix(msg))
}
func (l *pionLogger) Infof(format string, args ...interface{}) {
	LogDebug(l.prefix(format), args...)
}

func (l *pionLogger) Warn(msg string) {
	pterm.Warning.Println(l.prefix(msg))
}
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning(l.prefix(format), args...)
}

func (l *pionLogger) Error(msg string) {
	pterm.Error.Println(l.prefix(msg))
}
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	LogError(l.prefix(format), args...)
}
