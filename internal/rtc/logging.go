package rtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// zapLoggerFactory routes pion's internal logging through zap
type zapLoggerFactory struct {
	log *zap.Logger
}

// NewLoggerFactory returns a pion LoggerFactory writing to log
func NewLoggerFactory(log *zap.Logger) logging.LoggerFactory {
	return &zapLoggerFactory{log: log.WithOptions(zap.AddCallerSkip(1))}
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{s: f.log.With(zap.String("pion_scope", scope)).Sugar()}
}

type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

// Trace output is dropped; pion traces every packet at this level.
func (l *zapLeveledLogger) Trace(string) {}
func (l *zapLeveledLogger) Tracef(string, ...interface{}) {}
func (l *zapLeveledLogger) Debug(msg string) { l.s.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLeveledLogger) Info(msg string) { l.s.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{}) { l.s.Infof(format, args...) }
func (l *zapLeveledLogger) Warn(msg string) { l.s.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *zapLeveledLogger) Error(msg string) { l.s.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
