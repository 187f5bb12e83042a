package common

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/golang/glog"
)

// Severity represents log message severity levels
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity maps a level name as accepted on command lines and in link
// profiles to a Severity.
func ParseSeverity(name string) (Severity, error) {
	switch name {
	case "debug", "DEBUG":
		return SeverityDebug, nil
	case "info", "INFO", "":
		return SeverityInfo, nil
	case "warning", "warn", "WARNING":
		return SeverityWarning, nil
	case "error", "ERROR":
		return SeverityError, nil
	}
	return SeverityInfo, fmt.Errorf("unknown log level %q", name)
}

// Logger is the logging contract shared by every stage of the link stack.
type Logger interface {
	// Log logs a message with the specified severity
	Log(severity Severity, msg string)

	// Logf logs a formatted message with the specified severity
	Logf(severity Severity, format string, args ...interface{})

	// Error logs an error
	Error(err error)

	// Debug logs a debug message
	Debug(msg string)

	// Info logs an info message
	Info(msg string)

	// Warning logs a warning message
	Warning(msg string)
}

// StdLogger writes through stdlib log.Logger instances, one per severity.
// Errors go to the second writer.
type StdLogger struct {
	debugLog   *log.Logger
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	minLevel   Severity
}

// NewStdLogger creates a logger on stdout/stderr.
func NewStdLogger(minLevel Severity) *StdLogger {
	return NewStdLoggerWithWriter(os.Stdout, os.Stderr, minLevel)
}

// NewStdLoggerWithWriter creates a logger with custom writers.
func NewStdLoggerWithWriter(stdout, stderr io.Writer, minLevel Severity) *StdLogger {
	return &StdLogger{
		debugLog:   log.New(stdout, "DEBUG: ", log.Ltime|log.Lshortfile),
		infoLog:    log.New(stdout, "INFO: ", log.Ltime),
		warningLog: log.New(stdout, "WARNING: ", log.Ltime),
		errorLog:   log.New(stderr, "ERROR: ", log.Ltime|log.Lshortfile),
		minLevel:   minLevel,
	}
}

// Log logs a message with the specified severity
func (l *StdLogger) Log(severity Severity, msg string) {
	l.output(3, severity, msg)
}

func (l *StdLogger) output(depth int, severity Severity, msg string) {
	if severity < l.minLevel {
		return
	}

	switch severity {
	case SeverityDebug:
		l.debugLog.Output(depth, msg)
	case SeverityInfo:
		l.infoLog.Output(depth, msg)
	case SeverityWarning:
		l.warningLog.Output(depth, msg)
	case SeverityError:
		l.errorLog.Output(depth, msg)
	}
}

// Logf logs a formatted message with the specified severity
func (l *StdLogger) Logf(severity Severity, format string, args ...interface{}) {
	if severity < l.minLevel {
		return
	}
	l.output(3, severity, fmt.Sprintf(format, args...))
}

// Error logs an error
func (l *StdLogger) Error(err error) {
	if err != nil {
		l.output(3, SeverityError, err.Error())
	}
}

func (l *StdLogger) Debug(msg string)   { l.output(3, SeverityDebug, msg) }
func (l *StdLogger) Info(msg string)    { l.output(3, SeverityInfo, msg) }
func (l *StdLogger) Warning(msg string) { l.output(3, SeverityWarning, msg) }

// GlogLogger forwards to github.com/golang/glog. Debug messages are emitted
// at verbosity 1, so they appear only with -v=1 or higher.
type GlogLogger struct {
	prefix string
}

// NewGlogLogger creates a glog-backed logger. A non-empty prefix is prepended
// to every message, typically the port name.
func NewGlogLogger(prefix string) *GlogLogger {
	if prefix != "" {
		prefix += ": "
	}
	return &GlogLogger{prefix: prefix}
}

// Log logs a message with the specified severity
func (l *GlogLogger) Log(severity Severity, msg string) {
	msg = l.prefix + msg
	switch severity {
	case SeverityDebug:
		if glog.V(1) {
			glog.InfoDepth(1, msg)
		}
	case SeverityInfo:
		glog.InfoDepth(1, msg)
	case SeverityWarning:
		glog.WarningDepth(1, msg)
	case SeverityError:
		glog.ErrorDepth(1, msg)
	}
}

// Logf logs a formatted message with the specified severity
func (l *GlogLogger) Logf(severity Severity, format string, args ...interface{}) {
	if severity == SeverityDebug && !glog.V(1) {
		return
	}
	l.Log(severity, fmt.Sprintf(format, args...))
}

// Error logs an error
func (l *GlogLogger) Error(err error) {
	if err != nil {
		l.Log(SeverityError, err.Error())
	}
}

func (l *GlogLogger) Debug(msg string)   { l.Log(SeverityDebug, msg) }
func (l *GlogLogger) Info(msg string)    { l.Log(SeverityInfo, msg) }
func (l *GlogLogger) Warning(msg string) { l.Log(SeverityWarning, msg) }

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-op logger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Log(severity Severity, msg string)                          {}
func (l *NoOpLogger) Logf(severity Severity, format string, args ...interface{}) {}
func (l *NoOpLogger) Error(err error)                                            {}
func (l *NoOpLogger) Debug(msg string)                                           {}
func (l *NoOpLogger) Info(msg string)                                            {}
func (l *NoOpLogger) Warning(msg string)                                         {}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l
}
