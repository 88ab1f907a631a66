package observability

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusConfig configures the logrus-backed logger.
type LogrusConfig struct {
	Level     string
	Format    string
	Output    io.Writer
	Component string
}

// LogrusLogger adapts a logrus entry to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger constructs a structured logger. Unknown levels fall back to info and any
// format other than "text" produces JSON lines.
func NewLogrusLogger(cfg LogrusConfig) *LogrusLogger {
	base := logrus.New()
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stdout)
	}
	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	entry := logrus.NewEntry(base)
	if component := strings.TrimSpace(cfg.Component); component != "" {
		entry = entry.WithField("component", component)
	}
	return &LogrusLogger{entry: entry}
}

// With returns a child logger carrying the provided fields on every entry.
func (l *LogrusLogger) With(fields ...Field) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithFields(toLogrusFields(fields))}
}

func (l *LogrusLogger) Debug(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Debug(msg)
}

func (l *LogrusLogger) Info(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Info(msg)
}

func (l *LogrusLogger) Warn(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Warn(msg)
}

func (l *LogrusLogger) Error(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Error(msg)
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		out[key] = f.Value
	}
	return out
}

var _ Logger = (*LogrusLogger)(nil)
