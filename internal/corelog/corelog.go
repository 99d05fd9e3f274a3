// Package corelog gives every subsystem a multi-logger API
// (AddLogger/WillLog/SetLevel, one logger per named output), backing
// each named logger with a *logrus.Logger the way
// jesseduffield-lazydocker and nabbar-golib wire their own logging.
package corelog

import (
	"fmt"
	"io"
	"sync"

	goerrors "github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
)

// Level mirrors minilog's five-level scale.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case INFO:
		return logrus.InfoLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	case FATAL:
		return logrus.FatalLevel
	}
	return logrus.InfoLevel
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	case FATAL:
		return "fatal"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel parses one of "debug", "info", "warn", "error", "fatal".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return -1, fmt.Errorf("corelog: invalid level %q", s)
}

type namedLogger struct {
	level  Level
	logrus *logrus.Logger
}

var (
	mu      sync.RWMutex
	loggers = map[string]*namedLogger{}
)

// AddLogger registers a new named logger that writes to output, filtered
// to messages at level or higher. color enables logrus's ANSI formatter.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	mu.Lock()
	defer mu.Unlock()

	l := logrus.New()
	l.SetOutput(output)
	l.SetLevel(level.logrusLevel())
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:   color,
		DisableColors: !color,
		FullTimestamp: true,
	})

	loggers[name] = &namedLogger{level: level, logrus: l}
}

// DelLogger removes a named logger.
func DelLogger(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(loggers, name)
}

// SetLevel changes the level of a named logger.
func SetLevel(name string, level Level) error {
	mu.Lock()
	defer mu.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("corelog: no such logger %q", name)
	}
	l.level = level
	l.logrus.SetLevel(level.logrusLevel())
	return nil
}

// WillLog reports whether any registered logger would emit a message at
// level. Callers use this to skip building expensive log arguments.
func WillLog(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()

	for _, l := range loggers {
		if l.level <= level {
			return true
		}
	}
	return false
}

func dispatch(level Level, fields logrus.Fields, format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	for _, l := range loggers {
		if l.level > level {
			continue
		}
		entry := l.logrus.WithFields(fields)
		switch level {
		case DEBUG:
			entry.Debug(msg)
		case INFO:
			entry.Info(msg)
		case WARN:
			entry.Warn(msg)
		case ERROR:
			entry.Error(msg)
		case FATAL:
			entry.Error(msg)
		}
	}
}

func Debug(format string, args ...any) { dispatch(DEBUG, nil, format, args...) }
func Info(format string, args ...any)  { dispatch(INFO, nil, format, args...) }
func Warn(format string, args ...any)  { dispatch(WARN, nil, format, args...) }
func Error(format string, args ...any) { dispatch(ERROR, nil, format, args...) }

// WithError logs err at ERROR level with a "error" field, the
// logrus.WithError idiom used throughout the pack.
func WithError(err error, format string, args ...any) {
	dispatch(ERROR, logrus.Fields{"error": err}, format, args...)
}

// Fatal captures a stack trace with go-errors/errors, logs it at ERROR
// on every registered logger, and returns the wrapped error instead of
// calling os.Exit directly: the core never exits out from under the
// runtime's shutdown sequence. The caller is expected to hand the
// result to runtime.Shutdown.
func Fatal(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	wrapped := goerrors.Errorf("%s", msg)
	dispatch(ERROR, logrus.Fields{"stack": wrapped.ErrorStack()}, msg)
	return wrapped
}

// Wrap captures a stack trace for err if it doesn't already carry one.
func Wrap(err error) *goerrors.Error {
	return goerrors.Wrap(err, 1)
}
