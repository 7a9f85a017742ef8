// Package common provides the logging setup and file helpers shared by all
// dVar packages.
package common

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

// sink serializes the lines of all named loggers.
type sink struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

var output = &sink{out: os.Stderr, now: time.Now}

// SetLogOutput redirects all dVar loggers, stderr by default.
func SetLogOutput(w io.Writer) {
	output.mu.Lock()
	defer output.mu.Unlock()
	output.out = w
}

// write emits one line:
//
//	2024-01-01T12:00:00.000Z INFO  [manager] sqlite backend active with 3 variables
func (s *sink) write(level, name, msg string) {
	var b strings.Builder
	b.Grow(len(msg) + len(name) + 40)
	b.WriteString(s.now().UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(&b, " %-5s [%s] ", level, name)
	b.WriteString(strings.TrimRight(msg, "\n"))
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.out, b.String())
}

// --------------------------------------------------------------------------
// Named logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

type namedLogger struct {
	name  string
	level atomic.Int32 // logger.LogLevel
}

func (l *namedLogger) SetLevel(level logger.LogLevel) {
	l.level.Store(int32(level))
}

func (l *namedLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *namedLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		output.write("DEBUG", l.name, fmt.Sprintf(format, args...))
	}
}

func (l *namedLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		output.write("INFO", l.name, fmt.Sprintf(format, args...))
	}
}

func (l *namedLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		output.write("WARN", l.name, fmt.Sprintf(format, args...))
	}
}

func (l *namedLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		output.write("ERROR", l.name, fmt.Sprintf(format, args...))
	}
}

// Panicf always logs and panics, the level only affects other messages.
func (l *namedLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	output.write("PANIC", l.name, msg)
	panic(l.name + ": " + msg)
}

// CreateLogger is the logger.Factory used for every named dVar logger. New
// loggers start at INFO.
func CreateLogger(name string) logger.ILogger {
	l := &namedLogger{name: name}
	l.SetLevel(logger.INFO)
	return l
}

// --------------------------------------------------------------------------
// Levels
// --------------------------------------------------------------------------

var levels = map[string]logger.LogLevel{
	"debug":   logger.DEBUG,
	"info":    logger.INFO,
	"warn":    logger.WARNING,
	"warning": logger.WARNING,
	"error":   logger.ERROR,
}

// ParseLogLevel converts a case insensitive level name to a logger.LogLevel.
func ParseLogLevel(level string) (logger.LogLevel, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl, nil
	}
	return logger.INFO, fmt.Errorf("invalid log level %q (debug, info, warn, error)", level)
}

// LoggerNames lists every named logger used inside dVar.
var LoggerNames = []string{
	"backend/sqlite",
	"backend/mysql",
	"backend/yaml",
	"cache",
	"writequeue",
	"service",
	"migration",
	"manager",
	"export",
	"defaults",
}

var factoryOnce sync.Once

// InitLoggers installs the logger factory (once per process) and sets the
// level of all dVar loggers.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
