// Package kitlogadapter provides a logger that writes to a
// github.com/go-kit/log.Logger.
package kitlogadapter

import (
	"context"

	"github.com/go-kit/log"
	kitlevel "github.com/go-kit/log/level"

	"github.com/jackc/pgsession"
)

type Logger struct {
	l log.Logger
}

func NewLogger(l log.Logger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(ctx context.Context, level pgsession.LogLevel, msg string, data map[string]interface{}) {
	logger := l.l
	for k, v := range data {
		logger = log.With(logger, k, v)
	}

	switch level {
	case pgsession.LogLevelTrace:
		logger.Log("PGSESSION_LOG_LEVEL", level, "msg", msg)
	case pgsession.LogLevelDebug:
		kitlevel.Debug(logger).Log("msg", msg)
	case pgsession.LogLevelInfo:
		kitlevel.Info(logger).Log("msg", msg)
	case pgsession.LogLevelWarn:
		kitlevel.Warn(logger).Log("msg", msg)
	case pgsession.LogLevelError:
		kitlevel.Error(logger).Log("msg", msg)
	default:
		logger.Log("INVALID_PGSESSION_LOG_LEVEL", level, "error", msg)
	}
}
