// Package logging wires the ambient structured-logging stack: a logrus
// logger configured from internal/config's LogrusHook entries, plus an
// optional Sentry hook for error-level events and above.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/avdb13/grapevine/internal/config"
)

// Setup configures the standard logrus logger from a set of LogrusHook
// entries, returning a closer that should be deferred to flush Sentry
// before process exit.
func Setup(hooks []config.LogrusHook) (io.Closer, error) {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var closer io.Closer = nopCloser{}
	for _, hook := range hooks {
		switch hook.Type {
		case "std":
			level, err := logrus.ParseLevel(hook.Level)
			if err != nil {
				return nil, fmt.Errorf("logging: invalid level %q: %w", hook.Level, err)
			}
			logrus.SetLevel(level)
		case "sentry":
			dsn, _ := hook.Params["dsn"].(string)
			if dsn == "" {
				return nil, fmt.Errorf("logging: sentry hook missing params.dsn")
			}
			if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
				return nil, fmt.Errorf("logging: sentry init: %w", err)
			}
			level, err := logrus.ParseLevel(hook.Level)
			if err != nil {
				return nil, fmt.Errorf("logging: invalid level %q: %w", hook.Level, err)
			}
			logrus.AddHook(newSentryHook(level))
			closer = sentryCloser{}
		case "file":
			path, _ := hook.Params["path"].(string)
			if path == "" {
				return nil, fmt.Errorf("logging: file hook missing params.path")
			}
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return nil, fmt.Errorf("logging: opening log file %q: %w", path, err)
			}
			logrus.AddHook(newWriterHook(f, hook.Level))
		default:
			return nil, fmt.Errorf("logging: unknown hook type %q", hook.Type)
		}
	}
	return closer, nil
}

// Logger returns a scoped logger tagged with the given component name,
// following the teacher's GetLogger-by-context convention.
func Logger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type sentryCloser struct{}

func (sentryCloser) Close() error {
	sentry.Flush(0)
	return nil
}

type sentryHook struct {
	level logrus.Level
}

func newSentryHook(level logrus.Level) *sentryHook {
	return &sentryHook{level: level}
}

func (h *sentryHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0)
	for _, l := range logrus.AllLevels {
		if l <= h.level {
			levels = append(levels, l)
		}
	}
	return levels
}

func (h *sentryHook) Fire(entry *logrus.Entry) error {
	if entry.Level <= logrus.ErrorLevel {
		sentry.CaptureMessage(entry.Message)
	}
	return nil
}

type writerHook struct {
	writer io.Writer
	level  logrus.Level
}

func newWriterHook(w io.Writer, levelName string) *writerHook {
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	return &writerHook{writer: w, level: level}
}

func (h *writerHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0)
	for _, l := range logrus.AllLevels {
		if l <= h.level {
			levels = append(levels, l)
		}
	}
	return levels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	_, err = h.writer.Write([]byte(line))
	return err
}
