package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields carries structured log fields.
type Fields map[string]interface{}

// Log is the process-wide structured logger. Every service logs through
// it so field names and caller reporting stay uniform across binaries.
type Log struct {
	*logrus.Logger
}

// Entry is a log line under construction.
type Entry struct {
	*logrus.Entry
}

var globalLogger = newLog()

// GetLogger returns the process-wide logger.
func GetLogger() *Log {
	return globalLogger
}

func newLog() *Log {
	l := logrus.New()
	l.SetReportCaller(true)
	l.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	l.SetFormatter(jsonFormatter())
	l.AddHook(&callerHook{})
	return &Log{Logger: l}
}

// parseLevel maps a level name to a logrus level. The "report" level logs
// at info and additionally enables the periodic counter report.
func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "", "report":
		return logrus.InfoLevel
	default:
		if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
			return lvl
		}
		return logrus.InfoLevel
	}
}

func shortCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: shortCaller,
	}
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  time.RFC3339,
		CallerPrettyfier: shortCaller,
	}
}

// Configure applies the logging section of the config. LOG_LEVEL in the
// environment wins over the configured level.
func (l *Log) Configure(level string, format string, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	level = strings.ToLower(level)
	if level != "report" && level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid log level '%s'", level)
		}
	}
	l.SetLevel(parseLevel(level))
	l.SetReportCaller(true)

	switch format {
	case "json", "":
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetFormatter(textFormatter())
	default:
		return fmt.Errorf("invalid log format '%s'", format)
	}

	return l.setDestination(output, maxAge)
}

func (l *Log) setDestination(output string, maxAge int) error {
	switch output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if maxAge > 0 {
			l.SetOutput(&lumberjack.Logger{
				Filename: output,
				MaxAge:   maxAge,
				MaxSize:  100,
				Compress: true,
			})
			return nil
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", output, err)
		}
		l.SetOutput(file)
	}
	return nil
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) Debug(args ...interface{}) {
	e.Entry.Debug(args...)
}

func (e *Entry) Info(args ...interface{}) {
	e.Entry.Info(args...)
}

// Warn logs at warn level and feeds the per-component counter picked up
// by the periodic report.
func (e *Entry) Warn(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordWarn(component)
	}
	e.Entry.Warn(args...)
}

// Error logs at error level and feeds the per-component counter picked up
// by the periodic report.
func (e *Entry) Error(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordError(component)
	}
	e.Entry.Error(args...)
}
