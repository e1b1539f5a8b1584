// Package logging holds the process-wide logger. Query executions derive
// context loggers from it so that every line of one execution carries the
// same execution id.
package logging

import (
	"context"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

func init() {
	SetGlobalLogger(zerolog.Nop())
}

func SetGlobalLogger(logger zerolog.Logger) {
	Logger = logger
	zerolog.DefaultContextLogger = &Logger
}

func With() zerolog.Context { return Logger.With() }

func Err(err error) *zerolog.Event { return Logger.Err(err) }

func Trace() *zerolog.Event { return Logger.Trace() }

func Debug() *zerolog.Event { return Logger.Debug() }

func Info() *zerolog.Event { return Logger.Info() }

func Warn() *zerolog.Event { return Logger.Warn() }

func Error() *zerolog.Event { return Logger.Error() }

func Ctx(ctx context.Context) *zerolog.Logger { return zerolog.Ctx(ctx) }

// WithFields returns a context whose logger carries the given string fields
// on top of the context's current logger.
func WithFields(ctx context.Context, fields map[string]string) context.Context {
	logger := Ctx(ctx).With()
	for key, value := range fields {
		logger = logger.Str(key, value)
	}
	return logger.Logger().WithContext(ctx)
}
