// Package log provides the logger used throughout marathon-acme. Messages
// are written both to syslog and, below a configurable level, to
// stdout/stderr. Audit messages are tagged so that log processors can pick
// them out of the stream.
package log

import (
	"fmt"
	"log/syslog"
	"os"
	"strings"
	"sync"
)

// A Logger logs messages with explicit priority levels. It is implemented
// by a logging back-end as provided by New() or NewMock().
type Logger interface {
	Err(msg string)
	Warning(msg string)
	Info(msg string)
	Debug(msg string)
	AuditInfo(msg string)
	AuditErr(msg string)
}

// auditTag is prepended to messages that must make it to the audit log.
const auditTag = "[AUDIT]"

var (
	_Singleton singleton
	_Mu        sync.Mutex
)

type singleton struct {
	once sync.Once
	log  Logger
}

// Set configures the package default logger. It must only be called once,
// before any call to Get.
func Set(logger Logger) (err error) {
	_Mu.Lock()
	defer _Mu.Unlock()
	if _Singleton.log != nil {
		err = fmt.Errorf("You may not call Set after it has already been implicitly or explicitly set.")
		_Singleton.log.Warning(err.Error())
		return
	}
	_Singleton.log = logger
	return
}

// Get obtains the default logger, creating a stdout-only logger if Set was
// never called.
func Get() Logger {
	_Mu.Lock()
	defer _Mu.Unlock()
	_Singleton.once.Do(func() {
		if _Singleton.log == nil {
			_Singleton.log = NewStdoutLogger(int(syslog.LOG_DEBUG))
		}
	})
	return _Singleton.log
}

// New returns a Logger that writes to the given syslog writer and, at or
// below stdoutLogLevel, to stdout/stderr. syslogLogLevel bounds what is
// forwarded to syslog.
func New(log *syslog.Writer, stdoutLogLevel int, syslogLogLevel int) (Logger, error) {
	if log == nil {
		return nil, fmt.Errorf("Attempted to use a nil System Logger.")
	}
	return &impl{
		&syslogWriter{log, stdoutLogLevel, syslogLogLevel},
	}, nil
}

// NewStdoutLogger returns a logger that writes solely to stdout and stderr.
// It is used for development and as the fallback when syslog is not
// configured.
func NewStdoutLogger(level int) Logger {
	return &impl{&syslogWriter{nil, level, 0}}
}

type impl struct {
	w writer
}

type writer interface {
	logAtLevel(syslog.Priority, string)
}

type syslogWriter struct {
	syslog      *syslog.Writer
	stdoutLevel int
	syslogLevel int
}

func (w *syslogWriter) logAtLevel(level syslog.Priority, msg string) {
	// Since messages are delimited by newlines, we have to escape any
	// internal or trailing newlines before generating the final string.
	msg = strings.Replace(strings.TrimRight(msg, "\n"), "\n", "\\n", -1)

	if w.syslog != nil && int(level) <= w.syslogLevel {
		var err error
		switch level {
		case syslog.LOG_ERR:
			err = w.syslog.Err(msg)
		case syslog.LOG_WARNING:
			err = w.syslog.Warning(msg)
		case syslog.LOG_INFO:
			err = w.syslog.Info(msg)
		case syslog.LOG_DEBUG:
			err = w.syslog.Debug(msg)
		default:
			err = w.syslog.Info(msg)
		}
		if err == nil && int(level) > w.stdoutLevel {
			return
		}
	}

	if int(level) > w.stdoutLevel {
		return
	}
	out := os.Stdout
	if level == syslog.LOG_ERR || level == syslog.LOG_WARNING {
		out = os.Stderr
	}
	fmt.Fprintf(out, "%s %s\n", levelName(level), msg)
}

func levelName(level syslog.Priority) string {
	switch level {
	case syslog.LOG_ERR:
		return "E"
	case syslog.LOG_WARNING:
		return "W"
	case syslog.LOG_INFO:
		return "I"
	case syslog.LOG_DEBUG:
		return "D"
	default:
		return "I"
	}
}

func (l *impl) Err(msg string) {
	l.w.logAtLevel(syslog.LOG_ERR, msg)
}

func (l *impl) Warning(msg string) {
	l.w.logAtLevel(syslog.LOG_WARNING, msg)
}

func (l *impl) Info(msg string) {
	l.w.logAtLevel(syslog.LOG_INFO, msg)
}

func (l *impl) Debug(msg string) {
	l.w.logAtLevel(syslog.LOG_DEBUG, msg)
}

func (l *impl) AuditInfo(msg string) {
	l.Info(fmt.Sprintf("%s %s", auditTag, msg))
}

func (l *impl) AuditErr(msg string) {
	l.Err(fmt.Sprintf("%s %s", auditTag, msg))
}
