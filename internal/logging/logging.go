package logging

import (
	"fmt"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
	temporallog "go.temporal.io/sdk/log"
)

// New builds the process logger. Production logs are JSON, everything else is text.
func New(level, environment string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		logger.WithField("level", level).Warn("unknown log level, falling back to info")
	}
	logger.SetLevel(lvl)

	return logger
}

// TemporalLogger routes Temporal SDK logs into logrus
type TemporalLogger struct {
	entry *logrus.Entry
}

var (
	_ temporallog.Logger     = (*TemporalLogger)(nil)
	_ temporallog.WithLogger = (*TemporalLogger)(nil)
)

// NewTemporalLogger wraps a logrus logger for the Temporal client and worker
func NewTemporalLogger(logger logrus.FieldLogger) *TemporalLogger {
	return &TemporalLogger{entry: logger.WithField("component", "temporal")}
}

func (l *TemporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.entry.WithFields(keyvalFields(keyvals)).Debug(msg)
}

func (l *TemporalLogger) Info(msg string, keyvals ...interface{}) {
	l.entry.WithFields(keyvalFields(keyvals)).Info(msg)
}

func (l *TemporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.entry.WithFields(keyvalFields(keyvals)).Warn(msg)
}

func (l *TemporalLogger) Error(msg string, keyvals ...interface{}) {
	l.entry.WithFields(keyvalFields(keyvals)).Error(msg)
}

// With returns a logger carrying the given key/value pairs
func (l *TemporalLogger) With(keyvals ...interface{}) temporallog.Logger {
	return &TemporalLogger{entry: l.entry.WithFields(keyvalFields(keyvals))}
}

func keyvalFields(keyvals []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 >= len(keyvals) {
			fields[key] = "(missing)"
			break
		}
		fields[key] = keyvals[i+1]
	}
	return fields
}

// WatermillLogger adapts logrus to watermill.LoggerAdapter
type WatermillLogger struct {
	entry *logrus.Entry
}

var _ watermill.LoggerAdapter = (*WatermillLogger)(nil)

// NewWatermillLogger wraps a logrus logger for watermill publishers
func NewWatermillLogger(logger logrus.FieldLogger) *WatermillLogger {
	return &WatermillLogger{entry: logger.WithField("component", "watermill")}
}

func (l *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).WithError(err).Error(msg)
}

func (l *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Info(msg)
}

func (l *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (l *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (l *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
